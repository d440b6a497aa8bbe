// Package heartbeat emits a liveness signal on a fixed cadence while a
// connection is open, so the remote peer can detect silent disconnects.
package heartbeat

import (
	"sync"
	"time"
)

// DefaultInterval between beats
const DefaultInterval = 10 * time.Second

// Scheduler calls a send function once immediately on Start, then on a fixed
// interval until Stop. The immediate beat lets the peer observe the client
// without waiting a full interval.
type Scheduler struct {
	interval time.Duration
	mu       sync.Mutex
	stop     chan struct{}
}

// New returns a pointer to an initialised Scheduler; interval < 1 selects
// DefaultInterval.
func New(interval time.Duration) *Scheduler {
	if interval < 1 {
		interval = DefaultInterval
	}
	return &Scheduler{interval: interval}
}

// Interval returns the configured beat interval.
func (s *Scheduler) Interval() time.Duration {
	return s.interval
}

// Start sends one beat immediately, then begins beating on the interval.
// Starting again first stops any beat already running, so there is never
// more than one ticker per scheduler.
func (s *Scheduler) Start(send func()) {
	s.mu.Lock()
	if s.stop != nil {
		close(s.stop)
	}
	stop := make(chan struct{})
	s.stop = stop
	s.mu.Unlock()

	send()

	go func() {
		t := time.NewTicker(s.interval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				send()
			}
		}
	}()
}

// Stop clears the ticker. Safe to call when not started, and idempotent.
// The connection manager's send gate drops any beat racing with Stop, so a
// beat never reaches the wire after the connection leaves the open state.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
}
