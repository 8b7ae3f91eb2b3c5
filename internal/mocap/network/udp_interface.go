package network

import (
	"net"
	"sync"
	"time"
)

// UDPSocket defines an interface for UDP socket operations.
// This abstraction enables unit testing without real network connections.
type UDPSocket interface {
	// ReadFromUDP reads a UDP packet from the socket.
	ReadFromUDP(b []byte) (n int, addr *net.UDPAddr, err error)

	// SetReadBuffer sets the size of the operating system's receive buffer.
	SetReadBuffer(bytes int) error

	// SetReadDeadline sets the deadline for future Read calls.
	SetReadDeadline(t time.Time) error

	// Close closes the socket.
	Close() error

	// LocalAddr returns the local network address.
	LocalAddr() net.Addr
}

// UDPSocketFactory creates UDP sockets.
type UDPSocketFactory interface {
	ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error)
}

// RealUDPSocketFactory implements UDPSocketFactory using net.ListenUDP.
// *net.UDPConn satisfies UDPSocket directly.
type RealUDPSocketFactory struct{}

// NewRealUDPSocketFactory creates a new RealUDPSocketFactory.
func NewRealUDPSocketFactory() *RealUDPSocketFactory {
	return &RealUDPSocketFactory{}
}

// ListenUDP creates a new UDP socket.
func (f *RealUDPSocketFactory) ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error) {
	conn, err := net.ListenUDP(network, laddr)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// MockUDPPacket represents a packet for mock testing.
type MockUDPPacket struct {
	Data []byte
	Addr *net.UDPAddr
}

// MockUDPSocket implements UDPSocket for testing. Reads block until a packet
// is delivered, the read deadline passes, or the socket is closed, so a
// receive loop driven by it behaves like one on a real socket.
type MockUDPSocket struct {
	mu             sync.Mutex
	packets        []MockUDPPacket
	readIndex      int
	readErrors     []error
	closed         bool
	closeCh        chan struct{}
	notify         chan struct{}
	readBufferSize int
	readDeadline   time.Time

	// LocalAddress is returned by LocalAddr.
	LocalAddress *net.UDPAddr
	// SetReadBufferError is returned by SetReadBuffer if set.
	SetReadBufferError error
}

// NewMockUDPSocket creates a new MockUDPSocket with the given packets queued.
func NewMockUDPSocket(packets ...MockUDPPacket) *MockUDPSocket {
	return &MockUDPSocket{
		packets: packets,
		closeCh: make(chan struct{}),
		notify:  make(chan struct{}, 1),
		LocalAddress: &net.UDPAddr{
			IP:   net.ParseIP("127.0.0.1"),
			Port: 22223,
		},
	}
}

// Deliver queues a packet for a pending or future read.
func (m *MockUDPSocket) Deliver(data []byte, addr *net.UDPAddr) {
	m.mu.Lock()
	m.packets = append(m.packets, MockUDPPacket{Data: data, Addr: addr})
	m.mu.Unlock()
	m.wake()
}

// FailNextRead makes the next read return err.
func (m *MockUDPSocket) FailNextRead(err error) {
	m.mu.Lock()
	m.readErrors = append(m.readErrors, err)
	m.mu.Unlock()
	m.wake()
}

func (m *MockUDPSocket) wake() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued packets not yet read.
func (m *MockUDPSocket) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.packets) - m.readIndex
}

// ReadFromUDP returns the next queued packet.
func (m *MockUDPSocket) ReadFromUDP(b []byte) (n int, addr *net.UDPAddr, err error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return 0, nil, net.ErrClosed
		}
		if len(m.readErrors) > 0 {
			err := m.readErrors[0]
			m.readErrors = m.readErrors[1:]
			m.mu.Unlock()
			return 0, nil, err
		}
		if m.readIndex < len(m.packets) {
			pkt := m.packets[m.readIndex]
			m.readIndex++
			m.mu.Unlock()
			return copy(b, pkt.Data), pkt.Addr, nil
		}
		deadline := m.readDeadline
		m.mu.Unlock()

		var timer *time.Timer
		var timeout <-chan time.Time
		if !deadline.IsZero() {
			wait := time.Until(deadline)
			if wait <= 0 {
				return 0, nil, &net.OpError{Op: "read", Net: "udp", Err: &timeoutError{}}
			}
			timer = time.NewTimer(wait)
			timeout = timer.C
		}
		select {
		case <-m.notify:
		case <-m.closeCh:
		case <-timeout:
			return 0, nil, &net.OpError{Op: "read", Net: "udp", Err: &timeoutError{}}
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// SetReadBuffer records the buffer size.
func (m *MockUDPSocket) SetReadBuffer(bytes int) error {
	if m.SetReadBufferError != nil {
		return m.SetReadBufferError
	}
	m.mu.Lock()
	m.readBufferSize = bytes
	m.mu.Unlock()
	return nil
}

// ReadBufferSize returns the value recorded by SetReadBuffer.
func (m *MockUDPSocket) ReadBufferSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readBufferSize
}

// SetReadDeadline records the deadline.
func (m *MockUDPSocket) SetReadDeadline(t time.Time) error {
	m.mu.Lock()
	m.readDeadline = t
	m.mu.Unlock()
	return nil
}

// Close marks the socket as closed and releases blocked reads. A second
// Close returns net.ErrClosed like a real socket.
func (m *MockUDPSocket) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return net.ErrClosed
	}
	m.closed = true
	close(m.closeCh)
	return nil
}

// IsClosed reports whether Close was called.
func (m *MockUDPSocket) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// LocalAddr returns the mock local address.
func (m *MockUDPSocket) LocalAddr() net.Addr {
	return m.LocalAddress
}

// MockUDPSocketFactory implements UDPSocketFactory for testing.
type MockUDPSocketFactory struct {
	mu sync.Mutex
	// Socket is the socket to return from ListenUDP.
	Socket *MockUDPSocket
	// Error is returned by ListenUDP if set.
	Error error
	// ListenCalls records all ListenUDP calls.
	ListenCalls []MockListenCall
}

// MockListenCall records a call to ListenUDP.
type MockListenCall struct {
	Network string
	Addr    *net.UDPAddr
}

// NewMockUDPSocketFactory creates a new MockUDPSocketFactory.
func NewMockUDPSocketFactory(socket *MockUDPSocket) *MockUDPSocketFactory {
	return &MockUDPSocketFactory{Socket: socket}
}

// ListenUDP returns the configured mock socket.
func (f *MockUDPSocketFactory) ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ListenCalls = append(f.ListenCalls, MockListenCall{
		Network: network,
		Addr:    laddr,
	})
	if f.Error != nil {
		return nil, f.Error
	}
	return f.Socket, nil
}

// timeoutError implements net.Error for timeout simulation.
type timeoutError struct{}

func (e *timeoutError) Error() string   { return "i/o timeout" }
func (e *timeoutError) Timeout() bool   { return true }
func (e *timeoutError) Temporary() bool { return true }
