package osc

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/mocap.relay/internal/mocap/network"
	"github.com/banshee-data/mocap.relay/internal/mocap/record"
)

// A message as produced by common senders, written out by hand.
var sourceAnglesWire = []byte{
	'/', 'S', 'o', 'u', 'r', 'c', 'e', 'A', 'n', 'g', 'l', 'e', 's', '/', 0, 0,
	',', 's', 0, 0,
	'1', '2', ' ', '4', '5', 0, 0, 0,
}

func TestDecode_HandWrittenMessage(t *testing.T) {
	t.Parallel()

	p, err := Decode(sourceAnglesWire)
	require.NoError(t, err)
	m, ok := p.(*Message)
	require.True(t, ok)
	assert.Equal(t, "/SourceAngles/", m.Address)
	s, err := m.StringArg(0)
	require.NoError(t, err)
	assert.Equal(t, "12 45", s)
}

func TestEncodeDecode_AllTags(t *testing.T) {
	t.Parallel()

	tt := NewTimetag(time.Unix(1_700_000_000, 500_000_000))
	in := &Message{Address: "/all", Args: []any{
		int32(-7), float32(1.5), "abc", []byte{1, 2, 3, 4, 5}, int64(1 << 40), 2.25, tt, true, false, nil,
	}}
	data, err := Encode(in)
	require.NoError(t, err)
	assert.Zero(t, len(data)%4)

	out, err := Decode(data)
	require.NoError(t, err)
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("decoded message (-want +got):\n%s", diff)
	}
}

func TestEncode_IntArgumentBecomesInt32(t *testing.T) {
	t.Parallel()

	data, err := Encode(&Message{Address: "/n", Args: []any{3}})
	require.NoError(t, err)
	out, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, []any{int32(3)}, out.(*Message).Args)

	_, err = Encode(&Message{Address: "/x", Args: []any{struct{}{}}})
	assert.Error(t, err)
}

func TestDecode_NestedBundle(t *testing.T) {
	t.Parallel()

	in := &Bundle{Timetag: Immediately, Elements: []Packet{
		&Message{Address: AddressSourceAngles, Args: []any{"0 90"}},
		&Bundle{Timetag: Immediately, Elements: []Packet{
			&Message{Address: AddressPosition, Args: []any{float32(1), float32(2), float32(3)}},
		}},
	}}
	data, err := Encode(in)
	require.NoError(t, err)
	out, err := Decode(data)
	require.NoError(t, err)
	if diff := cmp.Diff(Packet(in), out); diff != "" {
		t.Errorf("decoded bundle (-want +got):\n%s", diff)
	}

	msgs := Messages(out)
	require.Len(t, msgs, 2)
	assert.Equal(t, AddressPosition, msgs[1].Address)
}

func TestDecode_Malformed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, ErrShortPacket},
		{"unaligned", []byte{'/', 'a', 0}, ErrMalformed},
		{"bad lead byte", []byte{'x', 0, 0, 0}, ErrMalformed},
		{"unterminated address", []byte{'/', 'a', 'b', 'c'}, ErrShortPacket},
		{"missing comma", []byte{'/', 'a', 0, 0, 's', 0, 0, 0}, ErrMalformed},
		{"missing int", []byte{'/', 'a', 0, 0, ',', 'i', 0, 0}, ErrShortPacket},
		{"unknown tag", []byte{'/', 'a', 0, 0, ',', 'q', 0, 0}, ErrUnknownTag},
		{"bad bundle tag", []byte{'#', 'b', 'a', 'd', 0, 0, 0, 0}, ErrMalformed},
		{"bundle element overrun", append(append([]byte("#bundle\x00"), make([]byte, 8)...), 0, 0, 0, 64), ErrShortPacket},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestDecode_AddressOnly(t *testing.T) {
	t.Parallel()

	p, err := Decode([]byte{'/', 'p', 'i', 'n', 'g', 0, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, &Message{Address: "/ping"}, p)
}

func TestTimetag(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 250_000_000)
	got := NewTimetag(now).Time()
	assert.WithinDuration(t, now, got, time.Microsecond)
}

func TestArgAccessors(t *testing.T) {
	t.Parallel()

	m := &Message{Address: "/a", Args: []any{int32(2), 1.5, "s"}}
	f, err := m.FloatArg(0)
	require.NoError(t, err)
	assert.Equal(t, 2.0, f)
	f, err = m.FloatArg(1)
	require.NoError(t, err)
	assert.Equal(t, 1.5, f)
	_, err = m.FloatArg(2)
	assert.Error(t, err)
	_, err = m.FloatArg(3)
	assert.Error(t, err)
	_, err = m.StringArg(0)
	assert.Error(t, err)
}

func TestRouter_Dispatch(t *testing.T) {
	t.Parallel()

	r := NewRouter()
	var hits []string
	r.HandleFunc("/a", func(m *Message) error {
		hits = append(hits, "a")
		return nil
	})
	r.HandleFunc("/fail", func(m *Message) error { return errors.New("boom") })

	b := &Bundle{Elements: []Packet{
		&Message{Address: "/a"},
		&Message{Address: "/fail"},
		&Message{Address: "/unrouted"},
		&Message{Address: "/a"},
	}}
	assert.Equal(t, 2, r.Dispatch(b))
	assert.Equal(t, []string{"a", "a"}, hits)

	var fallback []string
	r.Fallback(HandlerFunc(func(m *Message) error {
		fallback = append(fallback, m.Address)
		return nil
	}))
	assert.Equal(t, 3, r.Dispatch(b))
	assert.Equal(t, []string{"/unrouted"}, fallback)
}

func TestSignals(t *testing.T) {
	t.Parallel()

	r := NewRouter()
	var s Signals
	s.Register(r)

	r.Dispatch(&Bundle{Elements: []Packet{
		&Message{Address: AddressSourceAngles, Args: []any{"30 60"}},
		&Message{Address: AddressBinauralAngles, Args: []any{"15"}},
		&Message{Address: AddressText, Args: []any{"hello"}},
		&Message{Address: AddressPosition, Args: []any{float32(1), float32(2), float32(3)}},
	}})
	assert.Equal(t, SignalState{
		SourceAngles:   "30 60",
		BinauralAngles: "15",
		Text:           "hello",
		Position:       record.Vec3{X: 1, Y: 2, Z: 3},
		Updates:        4,
	}, s.State())

	// A short position message is rejected without a partial update.
	r.Dispatch(&Message{Address: AddressPosition, Args: []any{float32(9), float32(9)}})
	assert.Equal(t, record.Vec3{X: 1, Y: 2, Z: 3}, s.State().Position)
}

func TestListener_Poll(t *testing.T) {
	t.Parallel()

	sock := network.NewMockUDPSocket()
	r := NewRouter()
	var s Signals
	s.Register(r)
	l := NewListener(ListenerConfig{
		Port:          9000,
		ReadTimeout:   20 * time.Millisecond,
		SocketFactory: network.NewMockUDPSocketFactory(sock),
	}, r)
	require.NoError(t, l.Start(context.Background()))
	defer l.Stop()

	from := &net.UDPAddr{IP: net.ParseIP("10.0.0.2"), Port: 5000}
	sock.Deliver([]byte{1, 2, 3}, from)
	var err error
	require.Eventually(t, func() bool {
		_, err = l.Poll()
		return err != nil
	}, 2*time.Second, 5*time.Millisecond)
	var de *record.DecodeError
	assert.ErrorAs(t, err, &de)

	sock.Deliver(sourceAnglesWire, from)
	require.Eventually(t, func() bool {
		ok, err := l.Poll()
		return ok && err == nil
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "12 45", s.State().SourceAngles)

	require.NoError(t, l.Stop())
	require.NoError(t, l.Stop())
}
