package session

import (
	"github.com/practable/session-client/internal/framequeue"
)

// outbound control messages; application payloads pass through Send verbatim

type heartbeatMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	SessionID string `json:"sessionID"`
}

type requestStateMessage struct {
	Type string `json:"type"`
}

type disconnectMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionID"`
}

// Report represents the client's externally visible status
type Report struct {
	State       string            `json:"state"`
	Connected   bool              `json:"connected"`
	SessionID   string            `json:"sessionID"`
	URL         string            `json:"url"`
	ConnectedAt string            `json:"connectedAt"`
	Frames      framequeue.Report `json:"frames"`
}

// Report returns a snapshot of the client for the status API.
func (c *Client) Report() Report {

	c.mu.Lock()
	state := c.state
	url := c.url
	connectedAt := c.connectedAt
	c.mu.Unlock()

	connected := "Never"
	if !connectedAt.IsZero() {
		connected = connectedAt.String()
	}

	return Report{
		State:       state.String(),
		Connected:   state == Open,
		SessionID:   c.id,
		URL:         url,
		ConnectedAt: connected,
		Frames:      c.frames.Stats(),
	}
}
