package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/phayes/freeport"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/practable/session-client/internal/envelope"
	"github.com/practable/session-client/internal/framequeue"
	"github.com/practable/session-client/internal/transport"
)

func init() {

	log.SetLevel(log.PanicLevel)

}

var upgrader = websocket.Upgrader{}

// relay collects text messages from clients and lets tests push frames back
type relay struct {
	mu        sync.Mutex
	inbound   []map[string]interface{}
	conns     []*websocket.Conn
	connected chan struct{}
}

func newRelay() *relay {
	return &relay{connected: make(chan struct{}, 16)}
}

func (s *relay) handler(w http.ResponseWriter, r *http.Request) {
	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, c)
	s.mu.Unlock()
	s.connected <- struct{}{}
	for {
		mt, data, err := c.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		var m map[string]interface{}
		if err := json.Unmarshal(data, &m); err != nil {
			continue
		}
		s.mu.Lock()
		s.inbound = append(s.inbound, m)
		s.mu.Unlock()
	}
}

func (s *relay) messages(msgType string) []map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	var got []map[string]interface{}
	for _, m := range s.inbound {
		if m["type"] == msgType {
			got = append(got, m)
		}
	}
	return got
}

// closeAll drops every client connection; hijacked websocket connections
// are not closed by http.Server.Close, so tests call this too
func (s *relay) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		_ = c.Close()
	}
}

func (s *relay) send(mt int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		return errors.New("no client connected")
	}
	return s.conns[len(s.conns)-1].WriteMessage(mt, data)
}

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func TestBackoffDelays(t *testing.T) {

	// delay before attempt k+1 is min(base * 1.5^k, max), and a reset
	// returns the next delay to base
	b := &backoff.Backoff{
		Min:    time.Second,
		Max:    30 * time.Second,
		Factor: 1.5,
		Jitter: false,
	}

	expected := []time.Duration{
		1000 * time.Millisecond,
		1500 * time.Millisecond,
		2250 * time.Millisecond,
		3375 * time.Millisecond,
	}

	for i, want := range expected {
		assert.Equal(t, want, b.Duration(), "attempt %d", i)
	}

	// growth is bounded in magnitude
	for i := 0; i < 20; i++ {
		assert.LessOrEqual(t, b.Duration(), 30*time.Second)
	}

	b.Reset()
	assert.Equal(t, time.Second, b.Duration())
}

func TestConnectHeartbeatAndRouting(t *testing.T) {

	relay := newRelay()
	s := httptest.NewServer(http.HandlerFunc(relay.handler))
	defer s.Close()

	c := New(Config{HeartbeatInterval: 200 * time.Millisecond})
	defer c.Stop()

	status := make(chan envelope.Envelope, 1)
	c.On("cameraStandStatus", func(env envelope.Envelope) {
		status <- env
	})

	c.Start(wsURL(s))

	select {
	case <-relay.connected:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for connection")
	}

	assert.Eventually(t, c.IsConnected, time.Second, 10*time.Millisecond)
	assert.Equal(t, Open, c.State())

	// one heartbeat at t=0, tagged with the session identifier
	assert.Eventually(t, func() bool {
		return len(relay.messages("heartbeat")) == 1
	}, time.Second, 10*time.Millisecond)
	hb := relay.messages("heartbeat")[0]
	assert.Equal(t, c.ID(), hb["sessionID"])
	assert.NotNil(t, hb["timestamp"])

	// a state request follows every open
	assert.Eventually(t, func() bool {
		return len(relay.messages("request_state")) == 1
	}, time.Second, 10*time.Millisecond)

	// a second heartbeat after one interval, and no more before that
	assert.Eventually(t, func() bool {
		return len(relay.messages("heartbeat")) == 2
	}, time.Second, 10*time.Millisecond)

	// wrapped relay messages resolve to the nested payload's type
	err := relay.send(websocket.TextMessage, []byte(`{"payload":{"type":"cameraStandStatus","online":true}}`))
	assert.NoError(t, err)

	select {
	case env := <-status:
		assert.Equal(t, envelope.KindWrapped, env.Kind)
		data, ok := env.Data.(map[string]interface{})
		assert.True(t, ok)
		assert.Equal(t, true, data["online"])
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for status broadcast")
	}
}

func TestBinaryFramesReachDecoderAndObservers(t *testing.T) {

	relay := newRelay()
	s := httptest.NewServer(http.HandlerFunc(relay.handler))
	defer s.Close()

	var mu sync.Mutex
	var decoded [][]byte

	decoder := framequeue.DecoderFunc(func(ctx context.Context, frame []byte) error {
		mu.Lock()
		decoded = append(decoded, frame)
		mu.Unlock()
		return nil
	})

	c := New(Config{Decoder: decoder})
	defer c.Stop()

	observed := make(chan []byte, 8)
	c.On("binary", func(env envelope.Envelope) {
		observed <- env.Binary
	})

	c.Start(wsURL(s))

	select {
	case <-relay.connected:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for connection")
	}

	frames := [][]byte{{0x01}, {0x02}, {0x03}}
	for _, f := range frames {
		assert.NoError(t, relay.send(websocket.BinaryMessage, f))
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(decoded) == 3
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, frames, decoded)
	mu.Unlock()

	for i := 0; i < 3; i++ {
		select {
		case f := <-observed:
			assert.Equal(t, frames[i], f)
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for binary observer")
		}
	}
}

func TestSendGate(t *testing.T) {

	relay := newRelay()
	s := httptest.NewServer(http.HandlerFunc(relay.handler))
	defer s.Close()

	c := New(Config{HeartbeatInterval: time.Hour})
	defer c.Stop()

	// not started: dropped, no panic, no error surfaced
	c.Send(map[string]interface{}{"type": "servoCommand", "angle": 10})

	c.Start(wsURL(s))

	select {
	case <-relay.connected:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for connection")
	}

	assert.Eventually(t, c.IsConnected, time.Second, 10*time.Millisecond)

	c.Send(map[string]interface{}{"type": "servoCommand", "angle": 20})

	assert.Eventually(t, func() bool {
		return len(relay.messages("servoCommand")) == 1
	}, time.Second, 10*time.Millisecond)

	// only the in-connection command arrived
	cmds := relay.messages("servoCommand")
	assert.Equal(t, float64(20), cmds[0]["angle"])
}

func TestReconnectAfterRelayRestart(t *testing.T) {

	port, err := freeport.GetFreePort()
	assert.NoError(t, err)

	addr := fmt.Sprintf("127.0.0.1:%d", port)

	relay1 := newRelay()
	srv1 := &http.Server{Addr: addr, Handler: http.HandlerFunc(relay1.handler)}
	go func() { _ = srv1.ListenAndServe() }()

	c := New(Config{
		Retry:             RetryConfig{Factor: 1.5, Min: 50 * time.Millisecond, Max: 200 * time.Millisecond},
		HeartbeatInterval: time.Hour,
	})
	defer c.Stop()

	opens := make(chan struct{}, 4)
	c.On("open", func(env envelope.Envelope) { opens <- struct{}{} })
	closes := make(chan struct{}, 4)
	c.On("close", func(env envelope.Envelope) { closes <- struct{}{} })

	c.Start("ws://" + addr)

	select {
	case <-opens:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for first open")
	}

	firstID := c.ID()
	assert.Eventually(t, func() bool {
		return len(relay1.messages("heartbeat")) == 1
	}, time.Second, 10*time.Millisecond)

	// drop the relay out from under the client
	_ = srv1.Close()
	relay1.closeAll()

	select {
	case <-closes:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for close broadcast")
	}

	relay2 := newRelay()
	srv2 := &http.Server{Addr: addr, Handler: http.HandlerFunc(relay2.handler)}
	go func() { _ = srv2.ListenAndServe() }()
	defer srv2.Close()

	select {
	case <-opens:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for reconnect")
	}

	// identifier survives the reconnect unchanged
	assert.Equal(t, firstID, c.ID())
	assert.Eventually(t, func() bool {
		beats := relay2.messages("heartbeat")
		return len(beats) == 1 && beats[0]["sessionID"] == firstID
	}, time.Second, 10*time.Millisecond)
}

// countingDialer always fails, recording each attempt
type countingDialer struct {
	mu    sync.Mutex
	dials int
}

func (d *countingDialer) Dial(ctx context.Context, urlStr string) (transport.Conn, error) {
	d.mu.Lock()
	d.dials++
	d.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, errors.New("relay unreachable")
}

func (d *countingDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func TestStopCancelsPendingReconnect(t *testing.T) {

	d := &countingDialer{}

	c := New(Config{
		Dialer: d,
		Retry:  RetryConfig{Factor: 1.5, Min: 10 * time.Millisecond, Max: 20 * time.Millisecond},
	})

	c.Start("ws://127.0.0.1:1")

	assert.Eventually(t, func() bool {
		return d.count() >= 2
	}, time.Second, 5*time.Millisecond)

	c.Stop()
	assert.Equal(t, Idle, c.State())

	// a stopped client never dials again
	after := d.count()
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, after, d.count())
}

func TestStartIdempotent(t *testing.T) {

	relay := newRelay()
	s := httptest.NewServer(http.HandlerFunc(relay.handler))
	defer s.Close()

	c := New(Config{HeartbeatInterval: time.Hour})
	defer c.Stop()

	c.Start(wsURL(s))
	c.Start(wsURL(s))
	c.Start(wsURL(s))

	select {
	case <-relay.connected:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for connection")
	}

	// no duplicate sockets from the repeated starts
	time.Sleep(100 * time.Millisecond)
	select {
	case <-relay.connected:
		t.Error("unexpected second connection")
	default:
	}
}

func TestStopSendsDisconnect(t *testing.T) {

	relay := newRelay()
	s := httptest.NewServer(http.HandlerFunc(relay.handler))
	defer s.Close()

	noticed := make(chan string, 1)
	n := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var m map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&m)
		id, _ := m["sessionID"].(string)
		noticed <- id
	}))
	defer n.Close()

	c := New(Config{HeartbeatInterval: time.Hour, NoticeURL: n.URL})

	c.Start(wsURL(s))

	select {
	case <-relay.connected:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for connection")
	}

	assert.Eventually(t, c.IsConnected, time.Second, 10*time.Millisecond)

	c.Stop()

	assert.Eventually(t, func() bool {
		msgs := relay.messages("disconnect")
		return len(msgs) == 1 && msgs[0]["sessionID"] == c.ID()
	}, time.Second, 10*time.Millisecond)

	select {
	case id := <-noticed:
		assert.Equal(t, c.ID(), id)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for disconnect notice")
	}

	assert.False(t, c.IsConnected())
}

func TestMalformedTextBroadcastAsText(t *testing.T) {

	relay := newRelay()
	s := httptest.NewServer(http.HandlerFunc(relay.handler))
	defer s.Close()

	c := New(Config{HeartbeatInterval: time.Hour})
	defer c.Stop()

	raw := make(chan string, 1)
	c.On("text", func(env envelope.Envelope) { raw <- env.Text })

	c.Start(wsURL(s))

	select {
	case <-relay.connected:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for connection")
	}

	assert.NoError(t, relay.send(websocket.TextMessage, []byte("garbled \x01 frame")))

	select {
	case got := <-raw:
		assert.Equal(t, "garbled \x01 frame", got)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for text broadcast")
	}
}

func TestReport(t *testing.T) {

	relay := newRelay()
	s := httptest.NewServer(http.HandlerFunc(relay.handler))
	defer s.Close()

	c := New(Config{HeartbeatInterval: time.Hour})
	defer c.Stop()

	report := c.Report()
	assert.Equal(t, "idle", report.State)
	assert.False(t, report.Connected)
	assert.Equal(t, "Never", report.ConnectedAt)

	c.Start(wsURL(s))

	select {
	case <-relay.connected:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for connection")
	}

	assert.Eventually(t, func() bool {
		return c.Report().Connected
	}, time.Second, 10*time.Millisecond)

	report = c.Report()
	assert.Equal(t, "open", report.State)
	assert.Equal(t, c.ID(), report.SessionID)
	assert.Equal(t, wsURL(s), report.URL)
	assert.NotEqual(t, "Never", report.ConnectedAt)
}
