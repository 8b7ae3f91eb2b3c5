package network

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/mocap.relay/internal/mocap/record"
)

// countingStats implements PacketStatsInterface for testing
type countingStats struct {
	mu          sync.Mutex
	packets     int
	overwritten int
	readErrors  int
	logs        int
}

func (c *countingStats) AddPacket(bytes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.packets++
}

func (c *countingStats) AddOverwritten() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.overwritten++
}

func (c *countingStats) AddReadError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readErrors++
}

func (c *countingStats) LogStats() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logs++
}

func (c *countingStats) logCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logs
}

func (c *countingStats) get() (int, int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.packets, c.overwritten, c.readErrors
}

var sender = &net.UDPAddr{IP: net.ParseIP("10.0.0.9"), Port: 5000}

func newMockReceiver(t *testing.T, sock *MockUDPSocket, stats PacketStatsInterface) *Receiver {
	t.Helper()
	return NewReceiver(ReceiverConfig{
		Address:       "127.0.0.1:22223",
		RcvBuf:        1 << 20,
		ReadTimeout:   20 * time.Millisecond,
		Stats:         stats,
		SocketFactory: NewMockUDPSocketFactory(sock),
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func TestNewReceiver_Defaults(t *testing.T) {
	t.Parallel()

	r := NewReceiver(ReceiverConfig{Address: ":0"})
	assert.Equal(t, DefaultReadTimeout, r.readTimeout)
	assert.Equal(t, DefaultBufferSize, r.bufferSize)
	assert.Zero(t, r.logInterval)
	assert.NotNil(t, r.stats)
	assert.NotNil(t, r.gate)
	assert.Nil(t, r.LocalAddr())
	assert.Nil(t, r.Latest())
}

func TestReceiver_PublishesLatest(t *testing.T) {
	t.Parallel()

	sock := NewMockUDPSocket()
	stats := &countingStats{}
	r := newMockReceiver(t, sock, stats)
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()
	assert.Equal(t, 1<<20, sock.ReadBufferSize())

	sock.Deliver([]byte("first"), sender)
	sock.Deliver([]byte("second"), sender)
	// The second publish replaces the unread first payload.
	waitFor(t, func() bool {
		_, overwritten, _ := stats.get()
		return overwritten == 1
	})

	p := r.Latest()
	require.NotNil(t, p)
	assert.Equal(t, "second", string(p.Data))
	assert.Equal(t, sender, p.Addr)
	assert.Equal(t, uint64(2), p.Seq)
	assert.False(t, p.ReceivedAt.IsZero())
	assert.Nil(t, r.Latest())

	packets, _, _ := stats.get()
	assert.Equal(t, 2, packets)
	assert.Equal(t, 0, sock.Pending())
}

func TestReceiver_ReadErrorsDoNotStopLoop(t *testing.T) {
	t.Parallel()

	sock := NewMockUDPSocket()
	stats := &countingStats{}
	r := newMockReceiver(t, sock, stats)
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()

	sock.FailNextRead(errors.New("connection refused"))
	// Let at least one read deadline expire.
	time.Sleep(50 * time.Millisecond)
	sock.Deliver([]byte("after"), sender)

	waitFor(t, func() bool { return r.Gate().HasNew() })
	assert.Equal(t, "after", string(r.Latest().Data))
	_, _, readErrors := stats.get()
	assert.Equal(t, 1, readErrors)
}

func TestReceiver_PayloadIsCopied(t *testing.T) {
	t.Parallel()

	sock := NewMockUDPSocket()
	r := newMockReceiver(t, sock, nil)
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()

	sock.Deliver([]byte("aaaa"), sender)
	waitFor(t, func() bool { return r.Gate().HasNew() })
	first := r.Latest()
	sock.Deliver([]byte("bb"), sender)
	waitFor(t, func() bool { return r.Gate().HasNew() })
	assert.Equal(t, "aaaa", string(first.Data), "later reads must not reuse a published buffer")
}

func TestReceiver_BindFailure(t *testing.T) {
	t.Parallel()

	factory := NewMockUDPSocketFactory(nil)
	factory.Error = errors.New("address already in use")
	r := NewReceiver(ReceiverConfig{Address: "127.0.0.1:22223", SocketFactory: factory})

	err := r.Start(context.Background())
	require.Error(t, err)
	var te *record.TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "bind", te.Op)
	assert.False(t, r.Running())
	assert.NoError(t, r.Stop())
}

func TestReceiver_StartTwice(t *testing.T) {
	t.Parallel()

	r := newMockReceiver(t, NewMockUDPSocket(), nil)
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()
	assert.Error(t, r.Start(context.Background()))
}

func TestReceiver_StopIsIdempotent(t *testing.T) {
	t.Parallel()

	sock := NewMockUDPSocket()
	r := newMockReceiver(t, sock, nil)
	require.NoError(t, r.Start(context.Background()))

	done := make(chan error, 1)
	go func() { done <- r.Stop() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	assert.True(t, sock.IsClosed())
	assert.NoError(t, r.Stop())
	assert.False(t, r.Running())
}

func TestReceiver_ContextCancelEndsLoop(t *testing.T) {
	t.Parallel()

	sock := NewMockUDPSocket()
	r := newMockReceiver(t, sock, nil)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, r.Start(ctx))
	cancel()

	// The loop notices within one read timeout; Stop then joins it.
	require.NoError(t, r.Stop())
}

func TestReceiver_RealSocket(t *testing.T) {
	t.Parallel()

	r := NewReceiver(ReceiverConfig{Address: "127.0.0.1:0", ReadTimeout: 50 * time.Millisecond})
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()

	local := r.LocalAddr().(*net.UDPAddr)
	conn, err := net.DialUDP("udp", nil, local)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte{1, 2, 3})
	require.NoError(t, err)
	waitFor(t, func() bool { return r.Gate().HasNew() })

	p := r.Latest()
	assert.Equal(t, []byte{1, 2, 3}, p.Data)
	assert.Equal(t, conn.LocalAddr().(*net.UDPAddr).Port, p.Addr.Port)

	require.NoError(t, r.Stop())
	assert.Nil(t, r.LocalAddr())
}

func TestReceiver_StatsLoggingIsOptIn(t *testing.T) {
	t.Parallel()

	quiet := &countingStats{}
	sock := NewMockUDPSocket()
	r := newMockReceiver(t, sock, quiet)
	require.NoError(t, r.Start(context.Background()))
	sock.Deliver([]byte("frame"), sender)
	waitFor(t, func() bool {
		packets, _, _ := quiet.get()
		return packets == 1
	})
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, r.Stop())
	assert.Zero(t, quiet.logCalls())

	periodic := &countingStats{}
	r = NewReceiver(ReceiverConfig{
		Address:       "127.0.0.1:22223",
		ReadTimeout:   20 * time.Millisecond,
		LogInterval:   5 * time.Millisecond,
		Stats:         periodic,
		SocketFactory: NewMockUDPSocketFactory(NewMockUDPSocket()),
	})
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()
	waitFor(t, func() bool { return periodic.logCalls() > 0 })
}

func TestReceiver_SharedStatsKeepCountsForOwner(t *testing.T) {
	t.Parallel()

	stats := NewPacketStats("relay")
	sock := NewMockUDPSocket()
	r := newMockReceiver(t, sock, stats)
	require.NoError(t, r.Start(context.Background()))

	for range 3 {
		sock.Deliver([]byte("frame"), sender)
	}
	waitFor(t, func() bool { return sock.Pending() == 0 })
	require.NoError(t, r.Stop())
	assert.Equal(t, int64(3), stats.GetAndReset().Packets)
}
