// Package framequeue buffers raw video frames between the connection and a
// decoder. The queue is bounded and evicts the oldest frame on overflow:
// for a live feed, freshness matters more than decoding every frame.
package framequeue

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/eclesh/welford"
	log "github.com/sirupsen/logrus"
)

// DefaultCapacity bounds the queue when no capacity is configured. A small
// bound keeps worst-case display latency to a few frames.
const DefaultCapacity = 3

// Decoder turns one raw frame into a rendered result. The queue calls Decode
// with at most one frame in flight at a time.
type Decoder interface {
	Decode(ctx context.Context, frame []byte) error
}

// DecoderFunc adapts a plain function to the Decoder interface.
type DecoderFunc func(ctx context.Context, frame []byte) error

// Decode calls f
func (f DecoderFunc) Decode(ctx context.Context, frame []byte) error {
	return f(ctx, frame)
}

// Queue is a bounded FIFO of raw video frames with drop-oldest overflow.
// Push never blocks; the decode loop drains in arrival order.
type Queue struct {
	mu       sync.Mutex
	frames   [][]byte
	capacity int
	notify   chan struct{}

	// statistics on received frames
	last     time.Time
	size     *welford.Stats
	ns       *welford.Stats
	received uint64
	dropped  uint64
	decoded  uint64
	failed   uint64
}

// ReportStats represents summary statistics on a series of frames
type ReportStats struct {
	Last string  `json:"last"` //how long ago, humanised
	Size float64 `json:"size"` //mean size in bytes
	Fps  float64 `json:"fps"`
}

// Report represents a queue snapshot for the status API
type Report struct {
	Capacity int         `json:"capacity"`
	Length   int         `json:"length"`
	Received uint64      `json:"received"`
	Dropped  uint64      `json:"dropped"`
	Decoded  uint64      `json:"decoded"`
	Failed   uint64      `json:"failed"`
	Rx       ReportStats `json:"rx"`
}

// New returns a pointer to an initialised Queue holding at most capacity
// frames; capacity < 1 selects DefaultCapacity.
func New(capacity int) *Queue {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Queue{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
		size:     welford.New(),
		ns:       welford.New(),
	}
}

// Push appends a frame, first evicting the oldest frame if the queue is
// full. The newest frame is never the one dropped. Push never blocks.
func (q *Queue) Push(frame []byte) {
	q.mu.Lock()

	if len(q.frames) == q.capacity {
		q.frames = q.frames[1:]
		q.dropped++
	}
	q.frames = append(q.frames, frame)

	q.received++
	q.size.Add(float64(len(frame)))
	if !q.last.IsZero() {
		dt := time.Since(q.last)
		if dt < 24*time.Hour {
			q.ns.Add(float64(dt.Nanoseconds()))
		}
	}
	q.last = time.Now()

	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Len returns the number of frames currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

func (q *Queue) pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.frames) == 0 {
		return nil, false
	}
	frame := q.frames[0]
	q.frames = q.frames[1:]
	return frame, true
}

// Run drains the queue through d until ctx is cancelled, decoding one frame
// at a time in arrival order. A decode failure is logged and the loop moves
// on to the next frame. A decode in flight when ctx is cancelled completes
// but its result is discarded along with any frames still queued.
// Run with a nil decoder to discard frames while keeping statistics.
func (q *Queue) Run(ctx context.Context, d Decoder) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.notify:
		}

		for {
			frame, ok := q.pop()
			if !ok {
				break
			}

			q.decode(ctx, d, frame)

			select {
			case <-ctx.Done():
				return
			default:
			}
		}
	}
}

func (q *Queue) decode(ctx context.Context, d Decoder, frame []byte) {

	if d == nil {
		return
	}

	if err := d.Decode(ctx, frame); err != nil {
		log.WithFields(log.Fields{"error": err, "size": len(frame)}).Warn("frame decode failed")
		q.mu.Lock()
		q.failed++
		q.mu.Unlock()
		return
	}

	q.mu.Lock()
	q.decoded++
	q.mu.Unlock()
}

// Stats returns a snapshot of the queue's statistics.
func (q *Queue) Stats() Report {
	q.mu.Lock()
	defer q.mu.Unlock()

	rx := ReportStats{Last: "Never"}

	if q.size.Count() > 0 {
		rx.Last = time.Since(q.last).String()
		rx.Size = math.Round(q.size.Mean())
	}
	if q.ns.Count() > 0 {
		rx.Fps = fpsFromNs(q.ns.Mean())
	}

	return Report{
		Capacity: q.capacity,
		Length:   len(q.frames),
		Received: q.received,
		Dropped:  q.dropped,
		Decoded:  q.decoded,
		Failed:   q.failed,
		Rx:       rx,
	}
}

// fpsFromNs returns frequency of event occurring every ns nanoseconds
func fpsFromNs(ns float64) float64 {
	return 1 / (ns * 1e-9)
}
