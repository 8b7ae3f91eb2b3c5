// Package network owns the datagram side of the relay: a background UDP
// receiver that hands the newest payload to a polling consumer through a
// FrameGate, and a pcap replay source that feeds the same gate.
package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/banshee-data/mocap.relay/internal/mocap/record"
	"github.com/banshee-data/mocap.relay/internal/monitoring"
)

const (
	// DefaultReadTimeout bounds how long Stop waits for an in-flight read.
	DefaultReadTimeout = 500 * time.Millisecond
	// DefaultBufferSize fits any datagram the server sends.
	DefaultBufferSize = 65536
)

// ReceiverConfig contains configuration options for the Receiver.
type ReceiverConfig struct {
	// Address to bind, such as ":22223" or "127.0.0.1:0".
	Address     string
	RcvBuf      int
	ReadTimeout time.Duration
	BufferSize  int
	// LogInterval enables periodic Stats.LogStats calls. Zero leaves stats
	// logging and resets to the owner of Stats.
	LogInterval time.Duration
	Stats       PacketStatsInterface
	// SocketFactory defaults to real sockets.
	SocketFactory UDPSocketFactory
	// Gate receives payloads; a private gate is created when nil.
	Gate *FrameGate
}

// Receiver reads datagrams on its own goroutine and publishes each one to a
// FrameGate, replacing any payload the consumer has not yet taken.
type Receiver struct {
	address     string
	rcvBuf      int
	readTimeout time.Duration
	bufferSize  int
	logInterval time.Duration
	stats       PacketStatsInterface
	factory     UDPSocketFactory
	gate        *FrameGate
	log         *logrus.Entry

	mu     sync.Mutex
	sock   UDPSocket
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReceiver creates a receiver with the provided configuration
func NewReceiver(config ReceiverConfig) *Receiver {
	r := &Receiver{
		address:     config.Address,
		rcvBuf:      config.RcvBuf,
		readTimeout: config.ReadTimeout,
		bufferSize:  config.BufferSize,
		logInterval: config.LogInterval,
		stats:       config.Stats,
		factory:     config.SocketFactory,
		gate:        config.Gate,
		log:         monitoring.Component("receiver").WithField("address", config.Address),
	}
	if r.readTimeout <= 0 {
		r.readTimeout = DefaultReadTimeout
	}
	if r.bufferSize <= 0 {
		r.bufferSize = DefaultBufferSize
	}
	if r.stats == nil {
		r.stats = &noopStats{}
	}
	if r.factory == nil {
		r.factory = NewRealUDPSocketFactory()
	}
	if r.gate == nil {
		r.gate = &FrameGate{}
	}
	return r
}

// Start binds the socket and starts the receive loop. Bind failures are
// returned as *record.TransportError.
func (r *Receiver) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sock != nil {
		return fmt.Errorf("receiver on %s already started", r.address)
	}

	addr, err := net.ResolveUDPAddr("udp", r.address)
	if err != nil {
		return &record.TransportError{Op: "resolve", Err: err}
	}
	sock, err := r.factory.ListenUDP("udp", addr)
	if err != nil {
		return &record.TransportError{Op: "bind", Err: err}
	}
	if r.rcvBuf > 0 {
		if err := sock.SetReadBuffer(r.rcvBuf); err != nil {
			r.log.WithError(err).Warnf("failed to set receive buffer to %d bytes", r.rcvBuf)
		}
	}
	r.sock = sock

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.loop(ctx, sock)
	}()
	if r.logInterval > 0 {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.logStats(ctx)
		}()
	}

	r.log.WithField("local", sock.LocalAddr()).Info("receiver started")
	return nil
}

// loop runs until ctx is cancelled or the socket is closed. Timeouts and
// transient read errors never end it.
func (r *Receiver) loop(ctx context.Context, sock UDPSocket) {
	buf := make([]byte, r.bufferSize)
	var seq uint64
	for {
		if ctx.Err() != nil {
			return
		}
		if err := sock.SetReadDeadline(time.Now().Add(r.readTimeout)); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
		}
		n, from, err := sock.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			r.stats.AddReadError()
			r.log.WithError(err).Debug("read error")
			continue
		}

		seq++
		p := &Payload{
			Data:       append([]byte(nil), buf[:n]...),
			Addr:       from,
			ReceivedAt: time.Now(),
			Seq:        seq,
		}
		r.stats.AddPacket(n)
		if r.gate.Publish(p) {
			r.stats.AddOverwritten()
		}
	}
}

func (r *Receiver) logStats(ctx context.Context) {
	ticker := time.NewTicker(r.logInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.stats.LogStats()
		}
	}
}

// Latest claims the newest unread payload, or nil.
func (r *Receiver) Latest() *Payload {
	return r.gate.Take()
}

// Gate returns the gate payloads are published to.
func (r *Receiver) Gate() *FrameGate {
	return r.gate
}

// LocalAddr returns the bound address, or nil before Start.
func (r *Receiver) LocalAddr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sock == nil {
		return nil
	}
	return r.sock.LocalAddr()
}

// Running reports whether the receive loop is active.
func (r *Receiver) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sock != nil
}

// Stop closes the socket and waits for the receive loop to exit. The
// "use of closed connection" error from an interrupted read is expected and
// not reported. Stop is safe to call more than once.
func (r *Receiver) Stop() error {
	r.mu.Lock()
	sock := r.sock
	cancel := r.cancel
	r.sock, r.cancel = nil, nil
	r.mu.Unlock()
	if sock == nil {
		return nil
	}

	cancel()
	err := sock.Close()
	r.wg.Wait()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return &record.TransportError{Op: "close", Err: err}
	}
	r.log.Info("receiver stopped")
	return nil
}
