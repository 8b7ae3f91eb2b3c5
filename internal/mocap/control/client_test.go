package control_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/mocap.relay/internal/mocap/control"
	"github.com/banshee-data/mocap.relay/internal/mocap/record"
	"github.com/banshee-data/mocap.relay/internal/testutil"
)

func dial(t *testing.T, srv *testutil.FakeServer) *control.Client {
	t.Helper()
	c, err := control.Dial(context.Background(), srv.Target(),
		control.WithCommandTimeout(time.Second),
		control.WithStreamAckWait(50*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestDial_Welcome(t *testing.T) {
	t.Parallel()

	srv := (&testutil.FakeServer{}).Start(t)
	c := dial(t, srv)
	assert.Equal(t, srv.Target(), c.Target())
	assert.NoError(t, c.Err())
}

func TestDial_WrongWelcome(t *testing.T) {
	t.Parallel()

	srv := (&testutil.FakeServer{Welcome: "Hello"}).Start(t)
	_, err := control.Dial(context.Background(), srv.Target())
	var pe *record.ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "welcome", pe.Op)
	assert.ErrorIs(t, err, record.ErrUnexpectedPacket)
}

func TestDial_Refused(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	_, err = control.Dial(context.Background(), record.Target{Host: "127.0.0.1", Port: port})
	var te *record.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "dial", te.Op)
}

func TestHandshake(t *testing.T) {
	t.Parallel()

	srv := (&testutil.FakeServer{Versions: []string{"1.13"}}).Start(t)
	c := dial(t, srv)

	err := c.Handshake(context.Background(), 1, 19)
	assert.ErrorIs(t, err, record.ErrVersionRejected)
	var pe *record.ProtocolError
	assert.ErrorAs(t, err, &pe)

	require.NoError(t, c.Handshake(context.Background(), 1, 13))
	assert.Equal(t, []string{"Version 1.19", "Version 1.13"}, srv.Commands())
}

func TestSettings(t *testing.T) {
	t.Parallel()

	want3D := record.Settings3D{
		AxisUpwards: "+Z",
		Labels:      []record.LabelSetting{{Name: "Head", Color: 0x0000ff}, {Name: "Hand", Color: 0x00ff00}},
		Bones:       []record.BoneSetting{{From: "Head", To: "Hand", Color: 0xffffff}},
	}
	want6D := record.Settings6DOF{Bodies: []record.BodySetting{{Name: "Wand", Color: 0xff0000}}}
	srv := (&testutil.FakeServer{
		General:      &record.GeneralSettings{Frequency: 100, CameraCount: 4},
		Settings3D:   &want3D,
		Settings6DOF: &want6D,
	}).Start(t)
	c := dial(t, srv)
	ctx := context.Background()

	general, err := c.GeneralSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 100, general.Frequency)
	assert.Equal(t, 4, general.CameraCount)

	got3D, err := c.Settings3D(ctx)
	require.NoError(t, err)
	if diff := cmp.Diff(want3D, got3D); diff != "" {
		t.Errorf("Settings3D mismatch (-want +got):\n%s", diff)
	}

	got6D, err := c.Settings6DOF(ctx)
	require.NoError(t, err)
	if diff := cmp.Diff(want6D, got6D); diff != "" {
		t.Errorf("Settings6DOF mismatch (-want +got):\n%s", diff)
	}

	_, err = c.SettingsGaze(ctx)
	assert.ErrorIs(t, err, record.ErrCommandFailed)

	// The connection is still usable after a failed query.
	_, err = c.GeneralSettings(ctx)
	assert.NoError(t, err)
}

func TestStartStream(t *testing.T) {
	t.Parallel()

	srv := (&testutil.FakeServer{}).Start(t)
	c := dial(t, srv)
	ctx := context.Background()

	err := c.StartStream(ctx, control.RateAllFrames, []record.ComponentType{
		record.Component3D, record.Component6D, record.ComponentGazeVector,
	}, 22223)
	require.NoError(t, err)
	streaming, port := srv.Streaming()
	assert.True(t, streaming)
	assert.Equal(t, 22223, port)

	require.NoError(t, c.StopStream(ctx))
	require.Eventually(t, func() bool {
		streaming, _ := srv.Streaming()
		return !streaming
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{
		"StreamFrames AllFrames UDP:22223 3D 6D GazeVector",
		"StreamFrames Stop",
	}, srv.Commands())

	assert.Error(t, c.StartStream(ctx, control.RateAllFrames, nil, 22223))
}

func TestStartStream_ErrorReply(t *testing.T) {
	t.Parallel()

	srv := (&testutil.FakeServer{StreamError: "Camera system not running"}).Start(t)
	c := dial(t, srv)

	err := c.StartStream(context.Background(), control.RateFrequency(60), []record.ComponentType{record.Component6DEuler}, 22223)
	assert.ErrorIs(t, err, record.ErrCommandFailed)
	assert.Contains(t, err.Error(), "Camera system not running")
	assert.Equal(t, []string{"StreamFrames Frequency:60 UDP:22223 6DEuler"}, srv.Commands())
}

func TestEvents(t *testing.T) {
	t.Parallel()

	srv := (&testutil.FakeServer{}).Start(t)
	c := dial(t, srv)

	srv.SendEvent(record.EventCaptureStarted)
	srv.SendEvent(record.EventQTMShuttingDown)

	var got []record.Event
	for range 2 {
		select {
		case e := <-c.Events():
			got = append(got, e)
		case <-time.After(2 * time.Second):
			t.Fatal("event not delivered")
		}
	}
	assert.Equal(t, []record.Event{record.EventCaptureStarted, record.EventQTMShuttingDown}, got)

	// Events interleaved with commands do not disturb replies.
	srv.SendEvent(record.EventConnected)
	require.NoError(t, c.Handshake(context.Background(), 1, 19))
}

func TestConnectionDropped(t *testing.T) {
	t.Parallel()

	srv := (&testutil.FakeServer{}).Start(t)
	c := dial(t, srv)
	srv.DropConnections()

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done not closed after server hangup")
	}
	assert.Error(t, c.Err())

	err := c.Handshake(context.Background(), 1, 19)
	var te *record.TransportError
	assert.ErrorAs(t, err, &te)
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	srv := (&testutil.FakeServer{}).Start(t)
	c := dial(t, srv)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	err := c.StopStream(context.Background())
	assert.True(t, errors.Is(err, record.ErrNotConnected))
}

func TestRates(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Frequency:100", control.RateFrequency(100))
	assert.Equal(t, "FrequencyDivisor:2", control.RateFrequencyDivisor(2))
}
