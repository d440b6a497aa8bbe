// Package transport owns the physical websocket connection, exposing only
// the narrow Dialer and Conn interfaces the session layer needs, so the
// connection manager never depends on concrete host APIs.
package transport

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// Message types, re-exported so callers need not import gorilla/websocket.
const (
	TextMessage   int = websocket.TextMessage
	BinaryMessage     = websocket.BinaryMessage
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed for the close handshake on teardown.
	closeWait = 500 * time.Millisecond

	// Maximum message size allowed from peer (10MB)
	// larger than any plausible key frame
	maxMessageSize = 1024 * 1024 * 10
)

// Conn is the subset of a websocket connection the session layer uses.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens one connection to a session relay. Tests substitute a fake.
type Dialer interface {
	Dial(ctx context.Context, urlStr string) (Conn, error)
}

// Websocket dials with gorilla/websocket and applies write deadlines and a
// read limit to every connection it returns.
type Websocket struct {
	Dialer *websocket.Dialer
}

// NewWebsocket returns a pointer to a Websocket using the default dialer
func NewWebsocket() *Websocket {
	return &Websocket{Dialer: websocket.DefaultDialer}
}

// Dial validates urlStr and dials it once, returning the open connection or
// the reason it could not be opened. Cancelling ctx aborts the dial.
func (w *Websocket) Dial(ctx context.Context, urlStr string) (Conn, error) {

	if urlStr == "" {
		return nil, errors.New("can't dial an empty url")
	}

	// parse to check, dial with original string
	u, err := url.Parse(urlStr)

	if err != nil {
		return nil, err
	}

	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, errors.New("url needs to start with ws or wss")
	}

	if u.User != nil {
		return nil, errors.New("url can't contain user name and password")
	}

	log.WithField("to", u.Host).Trace("dialing session relay")

	c, _, err := w.Dialer.DialContext(ctx, urlStr, nil)
	if err != nil {
		return nil, err
	}

	c.SetReadLimit(maxMessageSize)

	return &wsConn{Conn: c}, nil
}

// wsConn wraps the gorilla connection so that every write carries a deadline
// and Close attempts the close handshake before dropping the socket.
type wsConn struct {
	*websocket.Conn
}

func (c *wsConn) WriteMessage(messageType int, data []byte) error {
	_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.Conn.WriteMessage(messageType, data)
}

func (c *wsConn) Close() error {
	_ = c.Conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeWait))
	return c.Conn.Close()
}
