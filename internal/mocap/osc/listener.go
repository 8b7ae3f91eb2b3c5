package osc

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/banshee-data/mocap.relay/internal/mocap/network"
	"github.com/banshee-data/mocap.relay/internal/mocap/record"
	"github.com/banshee-data/mocap.relay/internal/monitoring"
)

// DefaultPort is the port signaling sources send to.
const DefaultPort = 8080

// Addresses understood by Signals.
const (
	AddressSourceAngles   = "/SourceAngles/"
	AddressBinauralAngles = "/BinauralAngles/"
	AddressPosition       = "/ExampleOSCAddressOfMessageHeader/Position/"
	AddressText           = "/ExampleOSCAddressOfMessage/"
)

// Listener receives OSC datagrams on a background goroutine and hands the
// newest one to Poll, mirroring the motion-capture stream path.
type Listener struct {
	receiver *network.Receiver
	router   *Router
	log      *logrus.Entry
}

// ListenerConfig configures a Listener.
type ListenerConfig struct {
	Host          string
	Port          int
	ReadTimeout   time.Duration
	Stats         network.PacketStatsInterface
	SocketFactory network.UDPSocketFactory
}

// NewListener creates a listener that dispatches through router.
func NewListener(cfg ListenerConfig, router *Router) *Listener {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	rc := network.ReceiverConfig{
		Address:       net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		ReadTimeout:   cfg.ReadTimeout,
		Stats:         cfg.Stats,
		SocketFactory: cfg.SocketFactory,
	}
	return &Listener{
		receiver: network.NewReceiver(rc),
		router:   router,
		log:      monitoring.Component("osc").WithField("port", cfg.Port),
	}
}

// Start binds the socket.
func (l *Listener) Start(ctx context.Context) error { return l.receiver.Start(ctx) }

// Stop closes the socket. It is safe to call more than once.
func (l *Listener) Stop() error { return l.receiver.Stop() }

// LocalAddr is the bound address, or nil before Start.
func (l *Listener) LocalAddr() net.Addr { return l.receiver.LocalAddr() }

// Poll decodes and dispatches the newest datagram, if any. It reports
// whether a packet was dispatched. Malformed datagrams are dropped and
// returned as *record.DecodeError.
func (l *Listener) Poll() (bool, error) {
	p := l.receiver.Latest()
	if p == nil {
		return false, nil
	}
	pkt, err := Decode(p.Data)
	if err != nil {
		l.log.WithError(err).WithField("from", p.Addr).Warn("dropping malformed datagram")
		return false, &record.DecodeError{Err: err}
	}
	l.router.Dispatch(pkt)
	return true, nil
}

// Signals keeps the latest value of each known address.
type Signals struct {
	mu             sync.RWMutex
	sourceAngles   string
	binauralAngles string
	text           string
	position       record.Vec3
	updates        int
}

// Register installs handlers for the known addresses on r.
func (s *Signals) Register(r *Router) {
	r.HandleFunc(AddressSourceAngles, s.stringSetter(&s.sourceAngles))
	r.HandleFunc(AddressBinauralAngles, s.stringSetter(&s.binauralAngles))
	r.HandleFunc(AddressText, s.stringSetter(&s.text))
	r.HandleFunc(AddressPosition, s.setPosition)
}

func (s *Signals) stringSetter(dst *string) func(*Message) error {
	return func(m *Message) error {
		v, err := m.StringArg(0)
		if err != nil {
			return err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		*dst = v
		s.updates++
		return nil
	}
}

// setPosition reads x, y and z from the first three arguments.
func (s *Signals) setPosition(m *Message) error {
	var v [3]float64
	for i := range v {
		f, err := m.FloatArg(i)
		if err != nil {
			return err
		}
		v[i] = f
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.position = record.Vec3{X: v[0], Y: v[1], Z: v[2]}
	s.updates++
	return nil
}

// SignalState is a copy of the values held by Signals.
type SignalState struct {
	SourceAngles   string      `json:"source_angles"`
	BinauralAngles string      `json:"binaural_angles"`
	Text           string      `json:"text"`
	Position       record.Vec3 `json:"position"`
	Updates        int         `json:"updates"`
}

// State returns the current values.
func (s *Signals) State() SignalState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SignalState{
		SourceAngles:   s.sourceAngles,
		BinauralAngles: s.binauralAngles,
		Text:           s.text,
		Position:       s.position,
		Updates:        s.updates,
	}
}
