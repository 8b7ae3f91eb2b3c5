package network

import (
	"net"
	"sync/atomic"
	"time"
)

// Payload is one received datagram. It is not modified after publication.
type Payload struct {
	Data       []byte
	Addr       *net.UDPAddr
	ReceivedAt time.Time
	// Seq increases by one per datagram read by the producing receiver.
	Seq uint64
}

// FrameGate is a one-slot latest-wins mailbox between a single producer and
// a single consumer. A published payload replaces any unread one; Take hands
// each payload to exactly one caller.
type FrameGate struct {
	slot atomic.Pointer[Payload]
}

// Publish stores p as the latest payload and reports whether an unread
// payload was discarded.
func (g *FrameGate) Publish(p *Payload) (replaced bool) {
	return g.slot.Swap(p) != nil
}

// HasNew reports whether a payload arrived since the last Take.
func (g *FrameGate) HasNew() bool {
	return g.slot.Load() != nil
}

// Take claims the latest payload, or returns nil when nothing new arrived.
func (g *FrameGate) Take() *Payload {
	return g.slot.Swap(nil)
}
