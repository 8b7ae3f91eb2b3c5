package osc

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/banshee-data/mocap.relay/internal/monitoring"
)

// Handler processes one message.
type Handler interface {
	HandleOSC(m *Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(m *Message) error

// HandleOSC calls f.
func (f HandlerFunc) HandleOSC(m *Message) error { return f(m) }

// Router dispatches messages by exact address match.
type Router struct {
	mu       sync.RWMutex
	routes   map[string]Handler
	fallback Handler
	log      *logrus.Entry
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{routes: make(map[string]Handler), log: monitoring.Component("osc")}
}

// Handle registers h for address, replacing any earlier handler.
func (r *Router) Handle(address string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[address] = h
}

// HandleFunc registers a function for address.
func (r *Router) HandleFunc(address string, f func(*Message) error) {
	r.Handle(address, HandlerFunc(f))
}

// Fallback receives messages no route matches.
func (r *Router) Fallback(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = h
}

// Dispatch routes every message in p. Handler errors are logged and the
// remaining messages still run; the count of handled messages is returned.
func (r *Router) Dispatch(p Packet) int {
	handled := 0
	for _, m := range Messages(p) {
		r.mu.RLock()
		h, ok := r.routes[m.Address]
		if !ok {
			h = r.fallback
		}
		r.mu.RUnlock()
		if h == nil {
			r.log.WithField("address", m.Address).Debug("no route")
			continue
		}
		if err := h.HandleOSC(m); err != nil {
			r.log.WithError(err).WithField("address", m.Address).Warn("handler failed")
			continue
		}
		handled++
	}
	return handled
}
