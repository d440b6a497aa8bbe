/*
   session is a websocket session client that automatically reconnects
   Copyright (C) 2021 Timothy Drysdale <timothy.d.drysdale@gmail.com>

   This program is free software: you can redistribute it and/or modify
   it under the terms of the GNU Affero General Public License as
   published by the Free Software Foundation, either version 3 of the
   License, or (at your option) any later version.

   This program is distributed in the hope that it will be useful,
   but WITHOUT ANY WARRANTY; without even the implied warranty of
   MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
   GNU Affero General Public License for more details.

   You should have received a copy of the GNU Affero General Public License
   along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package session multiplexes binary video frames, JSON control messages
// and liveness signalling over one websocket connection, reconnecting with
// backoff whenever the connection drops. Intended for long-lived kiosk
// deployments, so it retries forever until told to stop.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	log "github.com/sirupsen/logrus"

	"github.com/practable/session-client/internal/envelope"
	"github.com/practable/session-client/internal/framequeue"
	"github.com/practable/session-client/internal/heartbeat"
	"github.com/practable/session-client/internal/identity"
	"github.com/practable/session-client/internal/notice"
	"github.com/practable/session-client/internal/router"
	"github.com/practable/session-client/internal/transport"
)

// State of the connection. Exactly one per client, mutated only by the
// client in response to transport events or an explicit Stop.
type State int

// Connection states
const (
	Idle State = iota
	Connecting
	Open
	Closing
	ReconnectScheduled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case ReconnectScheduled:
		return "reconnect_scheduled"
	default:
		return "unknown"
	}
}

// RetryConfig represents the parameters for when to retry to connect
type RetryConfig struct {
	Factor float64
	Jitter bool
	Min    time.Duration
	Max    time.Duration
}

// Config collects the collaborators and tunings for a Client. The zero
// value of every field selects a sensible default.
type Config struct {
	Dialer            transport.Dialer   // defaults to the gorilla websocket dialer
	Decoder           framequeue.Decoder // nil discards frames (stats still kept)
	Retry             RetryConfig        // defaults to 1s..30s, factor 1.5
	HeartbeatInterval time.Duration
	QueueCapacity     int
	ID                string // session identifier; empty generates one
	NoticeURL         string // out-of-band disconnect endpoint; empty disables
}

// Client is a resilient single-socket session client. All state it owns is
// private; callers interact through Start, Send, Stop, On, Off and
// IsConnected only.
type Client struct {
	id        string
	noticeURL string

	mu          sync.Mutex
	state       State
	conn        transport.Conn
	cancel      context.CancelFunc
	url         string
	connectedAt time.Time

	wmu sync.Mutex // serialises writes to the connection

	dialer  transport.Dialer
	decoder framequeue.Decoder
	retry   RetryConfig
	router  *router.Router
	frames  *framequeue.Queue
	beat    *heartbeat.Scheduler
}

// New returns a pointer to an initialised Client. The client does nothing
// until Start is called.
func New(config Config) *Client {

	if config.Dialer == nil {
		config.Dialer = transport.NewWebsocket()
	}
	if config.Retry.Min < 1 {
		config.Retry = RetryConfig{
			Factor: 1.5,
			Jitter: false,
			Min:    time.Second,
			Max:    30 * time.Second,
		}
	}
	if config.ID == "" {
		config.ID = identity.New()
	}

	return &Client{
		id:        config.ID,
		noticeURL: config.NoticeURL,
		dialer:    config.Dialer,
		decoder:   config.Decoder,
		retry:     config.Retry,
		router:    router.New(),
		frames:    framequeue.New(config.QueueCapacity),
		beat:      heartbeat.New(config.HeartbeatInterval),
	}
}

// ID returns the session identifier, constant for the life of the client.
func (c *Client) ID() string {
	return c.id
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the connection is open right now.
func (c *Client) IsConnected() bool {
	return c.State() == Open
}

// On subscribes fn to a topic, returning an id for Off. Effective for the
// next broadcast; a broadcast already in progress is unaffected.
func (c *Client) On(topic string, fn router.Handler) int {
	return c.router.On(topic, fn)
}

// Off removes the subscription with the given id from topic.
func (c *Client) Off(topic string, id int) {
	c.router.Off(topic, id)
}

// Start begins connecting to urlStr, retrying forever with backoff until
// Stop. Calling Start while already started is ignored, so there is never
// more than one socket per client.
func (c *Client) Start(urlStr string) {

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Idle {
		log.WithFields(log.Fields{"url": urlStr, "state": c.state}).Debug("start ignored; already running")
		return
	}

	c.url = urlStr
	c.state = Connecting

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	go c.frames.Run(ctx, c.decoder)
	go c.run(ctx, urlStr)
}

// Stop ends the session: the pending reconnect and the heartbeat are
// cancelled before Stop returns, a best-effort disconnect message goes out
// on the socket and to the notice endpoint, and the connection is closed.
// The client never reconnects after Stop on its own.
func (c *Client) Stop() {

	c.mu.Lock()

	if c.cancel == nil {
		c.mu.Unlock()
		return
	}

	c.state = Closing
	cancel := c.cancel
	c.cancel = nil
	conn := c.conn
	c.conn = nil

	c.mu.Unlock()

	c.beat.Stop()
	cancel()

	if conn != nil {
		if data, err := json.Marshal(disconnectMessage{Type: "disconnect", SessionID: c.id}); err == nil {
			c.wmu.Lock()
			_ = conn.WriteMessage(transport.TextMessage, data)
			c.wmu.Unlock()
		}
		_ = conn.Close()
	}

	if c.noticeURL != "" {
		notice.Async(c.noticeURL, c.id)
	}

	c.mu.Lock()
	c.state = Idle
	c.mu.Unlock()

	log.WithField("id", c.id).Info("session stopped")
}

// Send marshals v and writes it to the relay. While the connection is not
// open, the message is logged and dropped, never queued: callers needing
// delivery confirmation should subscribe to the relevant ack topic instead.
func (c *Client) Send(v interface{}) {

	c.mu.Lock()
	conn := c.conn
	open := c.state == Open
	c.mu.Unlock()

	if !open || conn == nil {
		log.WithField("id", c.id).Debug("send dropped; not connected")
		return
	}

	data, err := json.Marshal(v)
	if err != nil {
		log.WithField("error", err).Error("could not marshal outgoing message")
		return
	}

	c.write(conn, transport.TextMessage, data)
}

// RequestState asks the relay for a full status snapshot. Sent automatically
// after every successful open so subscribers resync after a reconnect.
func (c *Client) RequestState() {
	c.Send(requestStateMessage{Type: "request_state"})
}

// Stats returns a snapshot of the frame queue statistics.
func (c *Client) Stats() framequeue.Report {
	return c.frames.Stats()
}

func (c *Client) write(conn transport.Conn, messageType int, data []byte) {

	c.wmu.Lock()
	err := conn.WriteMessage(messageType, data)
	c.wmu.Unlock()

	if err != nil {
		// the read pump unblocks on the broken conn and reconnects
		log.WithField("error", err).Info("write failed; closing connection")
		_ = conn.Close()
	}
}

func (c *Client) sendHeartbeat() {
	c.Send(heartbeatMessage{
		Type:      "heartbeat",
		Timestamp: time.Now().UnixMilli(),
		SessionID: c.id,
	})
}

// run dials, pumps and reschedules until ctx is cancelled. One successful
// open resets the backoff to its minimum.
func (c *Client) run(ctx context.Context, urlStr string) {

	boff := &backoff.Backoff{
		Min:    c.retry.Min,
		Max:    c.retry.Max,
		Factor: c.retry.Factor,
		Jitter: c.retry.Jitter,
	}

	for {

		select {
		case <-ctx.Done():
			return
		default:
		}

		c.setState(Connecting)

		conn, err := c.dialer.Dial(ctx, urlStr)

		if err != nil {
			log.WithFields(log.Fields{"url": urlStr, "error": err}).Debug("dial failed; scheduling reconnect")
			c.router.Broadcast(envelope.Event("error", map[string]interface{}{"error": err.Error()}))
			if !c.waitRetry(ctx, boff) {
				return
			}
			continue
		}

		boff.Reset()

		if !c.setOpen(conn) {
			// stopped while dialling
			_ = conn.Close()
			return
		}

		log.WithFields(log.Fields{"url": urlStr, "id": c.id}).Info("session open")
		c.router.Broadcast(envelope.Event("open", nil))
		c.beat.Start(c.sendHeartbeat)
		c.RequestState()

		c.readPump(conn)

		c.beat.Stop()
		c.clearConn(conn)
		c.router.Broadcast(envelope.Event("close", nil))

		if !c.waitRetry(ctx, boff) {
			return
		}
	}
}

// readPump routes inbound frames until the connection fails or is closed
// out from under it by Stop. Binary frames go to the frame queue first, then
// to "binary" observers; text frames are classified and broadcast. Routing
// happens on this single goroutine, so broadcast order is arrival order.
func (c *Client) readPump(conn transport.Conn) {

	for {
		mt, data, err := conn.ReadMessage()

		if err != nil {
			// expected here on a normal exit
			log.WithField("error", err).Debug("connection closed")
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.router.Broadcast(envelope.Event("error", map[string]interface{}{"error": err.Error()}))
			}
			return
		}

		switch mt {
		case transport.BinaryMessage:
			c.frames.Push(data)
			c.router.Broadcast(envelope.FromBinary(data))
		case transport.TextMessage:
			c.router.Broadcast(envelope.Classify(data))
		}
	}
}

// waitRetry sleeps for the next backoff delay, returning false if the
// client was stopped first.
func (c *Client) waitRetry(ctx context.Context, boff *backoff.Backoff) bool {

	c.setState(ReconnectScheduled)

	d := boff.Duration()
	log.WithField("delay", d).Debug("reconnect scheduled")

	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// setState applies s unless the client has been stopped meanwhile; a
// stopped client stays idle no matter what a stale goroutine reports.
func (c *Client) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel == nil {
		return
	}
	c.state = s
}

func (c *Client) setOpen(conn transport.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Connecting || c.cancel == nil {
		return false
	}
	c.state = Open
	c.conn = conn
	c.connectedAt = time.Now()
	return true
}

func (c *Client) clearConn(conn transport.Conn) {
	_ = conn.Close()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.conn = nil
	}
}
