/*
   client is a public wrapper for internal/session so that
   we can expose this useful code but without having to
   commit to publically declaring the specifics of the
   internal API, as this may change later.
*/

package client

import (
	"context"
	"time"

	"github.com/practable/session-client/internal/envelope"
	"github.com/practable/session-client/internal/framequeue"
	"github.com/practable/session-client/internal/identity"
	"github.com/practable/session-client/internal/session"
)

// Handler receives the data broadcast on a topic: a decoded JSON value for
// JSON messages, a string for unparseable text frames, and []byte for
// binary frames observed on topic "binary".
type Handler func(topic string, data interface{})

// Decoder is called with each video frame taken from the queue, one frame
// in flight at a time.
type Decoder func(ctx context.Context, frame []byte) error

// Config for a Client; zero values select defaults.
type Config struct {
	Decoder           Decoder
	HeartbeatInterval int    // milliseconds; 0 selects the default (10s)
	QueueCapacity     int    // frames; 0 selects the default (3)
	NoticeURL         string // out-of-band disconnect endpoint; empty disables
	IDFile            string // persist the session identifier here; empty keeps it in memory
}

// Client is a resilient single-socket session client.
type Client struct {
	s *session.Client
}

// New returns a pointer to an initialised Client
func New(config Config) *Client {

	var id string
	if config.IDFile != "" {
		id = identity.Load(config.IDFile)
	}

	var decoder framequeue.Decoder
	if config.Decoder != nil {
		decoder = framequeue.DecoderFunc(config.Decoder)
	}

	return &Client{
		s: session.New(session.Config{
			Decoder:           decoder,
			HeartbeatInterval: millis(config.HeartbeatInterval),
			QueueCapacity:     config.QueueCapacity,
			ID:                id,
			NoticeURL:         config.NoticeURL,
		}),
	}
}

// Start connects to the session relay at urlStr, reconnecting with backoff
// whenever the connection drops, until Stop.
func (c *Client) Start(urlStr string) {
	c.s.Start(urlStr)
}

// Send marshals v as JSON and sends it if connected; otherwise the message
// is dropped, not queued.
func (c *Client) Send(v interface{}) {
	c.s.Send(v)
}

// Stop disconnects and prevents further reconnects.
func (c *Client) Stop() {
	c.s.Stop()
}

// On subscribes h to topic, returning an id for Off.
func (c *Client) On(topic string, h Handler) int {
	return c.s.On(topic, func(env envelope.Envelope) {
		h(env.Topic, payload(env))
	})
}

// Off removes the subscription with the given id from topic.
func (c *Client) Off(topic string, id int) {
	c.s.Off(topic, id)
}

// IsConnected reports whether the connection is open right now.
func (c *Client) IsConnected() bool {
	return c.s.IsConnected()
}

// ID returns the session identifier.
func (c *Client) ID() string {
	return c.s.ID()
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func payload(env envelope.Envelope) interface{} {
	switch env.Kind {
	case envelope.KindBinary:
		return env.Binary
	case envelope.KindText:
		return env.Text
	default:
		return env.Data
	}
}
