// Package router fans inbound envelopes out to subscribed handlers, in
// subscription order per topic, isolating handler failures from each other.
package router

import (
	"runtime/debug"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/practable/session-client/internal/envelope"
)

// Handler receives envelopes broadcast on a topic it subscribed to.
type Handler func(envelope.Envelope)

type subscription struct {
	id int
	fn Handler
}

// Router is an ordered per-topic subscription registry. A topic with no
// subscribers broadcasts to nobody, which is not an error.
type Router struct {
	mu     sync.Mutex
	topics map[string][]subscription
	lastID int
}

// New returns a pointer to an initialised Router
func New() *Router {
	return &Router{
		topics: make(map[string][]subscription),
	}
}

// On subscribes fn to topic, returning an id for use with Off. Handlers are
// invoked in the order they were subscribed.
func (r *Router) On(topic string, fn Handler) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastID++
	r.topics[topic] = append(r.topics[topic], subscription{id: r.lastID, fn: fn})

	return r.lastID
}

// Off removes the subscription with the given id from topic. Unknown ids are
// ignored. A broadcast already in progress is unaffected.
func (r *Router) Off(topic string, id int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.topics[topic]

	for i, s := range subs {
		if s.id == id {
			r.topics[topic] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Broadcast delivers env to every handler subscribed to env.Topic, in
// subscription order. A handler that panics is logged and skipped; it never
// prevents delivery to the remaining handlers, nor affects later broadcasts.
func (r *Router) Broadcast(env envelope.Envelope) {

	r.mu.Lock()
	subs := make([]subscription, len(r.topics[env.Topic]))
	copy(subs, r.topics[env.Topic])
	r.mu.Unlock()

	for _, s := range subs {
		deliver(env, s)
	}
}

func deliver(env envelope.Envelope, s subscription) {
	defer func() {
		if rec := recover(); rec != nil {
			log.WithFields(log.Fields{"topic": env.Topic, "id": s.id, "panic": rec}).Error("handler failed during broadcast")
			log.Debugf("stacktrace from handler panic: \n%s", string(debug.Stack()))
		}
	}()
	s.fn(env)
}
