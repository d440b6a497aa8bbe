// Package notice delivers a best-effort disconnect message over HTTP at
// session teardown. The socket may already be gone by the time the host
// environment lets the close handler run, so this secondary path gives the
// relay a second chance to learn the session ended. It is a fallback, not a
// replacement for the socket disconnect message.
package notice

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
)

type disconnect struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionID"`
}

// Disconnect posts a disconnect notice for sessionID to urlStr. Fire and
// forget: failures are logged at warn and otherwise ignored.
func Disconnect(urlStr, sessionID string) {

	data, err := json.Marshal(disconnect{Type: "disconnect", SessionID: sessionID})
	if err != nil {
		log.WithField("error", err).Warn("could not marshal disconnect notice")
		return
	}

	var client = &http.Client{
		Timeout: time.Second * 10,
	}

	resp, err := client.Post(urlStr, "application/json", bytes.NewReader(data))
	if err != nil {
		log.WithFields(log.Fields{"url": urlStr, "error": err}).Warn("disconnect notice failed")
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	log.WithFields(log.Fields{"url": urlStr, "status": resp.StatusCode}).Debug("disconnect notice delivered")
}

// Async runs Disconnect in its own goroutine so teardown never blocks on the
// network.
func Async(urlStr, sessionID string) {
	go Disconnect(urlStr, sessionID)
}
