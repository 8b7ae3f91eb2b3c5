package testutil

import (
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/mocap.relay/internal/mocap/record"
	"github.com/banshee-data/mocap.relay/internal/mocap/wire"
)

func TestHTTPHelpers(t *testing.T) {
	t.Parallel()

	req := NewTestRequest(http.MethodPost, "/api/snapshot")
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/api/snapshot", req.URL.Path)

	rec := NewTestRecorder()
	rec.WriteHeader(http.StatusNotFound)
	AssertStatusCode(t, rec.Code, http.StatusNotFound)
}

// exchange sends cmd and returns the reply packet.
func exchange(t *testing.T, conn net.Conn, cmd string) (record.PacketType, string) {
	t.Helper()
	_, err := conn.Write(wire.EncodeCommand(cmd))
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	typ, body, err := wire.ReadPacket(conn)
	require.NoError(t, err)
	return typ, wire.DecodeString(body)
}

func TestFakeServer_Commands(t *testing.T) {
	t.Parallel()

	srv := (&FakeServer{
		General: &record.GeneralSettings{Frequency: 120},
	}).Start(t)
	target := srv.Target()
	conn, err := net.Dial("tcp", target.String())
	require.NoError(t, err)
	defer conn.Close()

	typ, body, err := wire.ReadPacket(conn)
	require.NoError(t, err)
	assert.Equal(t, record.PacketCommand, typ)
	assert.Equal(t, "QTM RT Interface connected", wire.DecodeString(body))

	typ, text := exchange(t, conn, "Version 1.13")
	assert.Equal(t, record.PacketError, typ)
	assert.Equal(t, "Version NOT supported", text)

	typ, text = exchange(t, conn, "Version 1.19")
	assert.Equal(t, record.PacketCommand, typ)
	assert.Equal(t, "Version set to 1.19", text)

	typ, text = exchange(t, conn, "GetParameters General")
	require.Equal(t, record.PacketXML, typ)
	general, err := wire.ParseGeneralSettings([]byte(text))
	require.NoError(t, err)
	assert.Equal(t, 120, general.Frequency)

	typ, _ = exchange(t, conn, "GetParameters 6D")
	assert.Equal(t, record.PacketError, typ)

	typ, _ = exchange(t, conn, "StreamFrames AllFrames UDP 6D")
	assert.Equal(t, record.PacketError, typ, "TCP streaming is refused")

	// A successful stream request has no reply; the next command still answers.
	_, err = conn.Write(wire.EncodeCommand("StreamFrames AllFrames UDP:45000 6D"))
	require.NoError(t, err)
	typ, _ = exchange(t, conn, "Bogus")
	assert.Equal(t, record.PacketError, typ)
	streaming, port := srv.Streaming()
	assert.True(t, streaming)
	assert.Equal(t, 45000, port)

	assert.Equal(t, []string{
		"Version 1.13",
		"Version 1.19",
		"GetParameters General",
		"GetParameters 6D",
		"StreamFrames AllFrames UDP 6D",
		"StreamFrames AllFrames UDP:45000 6D",
		"Bogus",
	}, srv.Commands())

	srv.SendEvent(record.EventCaptureStarted)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	typ, body, err = wire.ReadPacket(conn)
	require.NoError(t, err)
	assert.Equal(t, record.PacketEvent, typ)
	assert.Equal(t, []byte{byte(record.EventCaptureStarted)}, body)
}

func TestFakeServer_SendFrame(t *testing.T) {
	t.Parallel()

	srv := (&FakeServer{}).Start(t)
	assert.Error(t, srv.SendFrame([]byte("frame")), "no stream yet")

	udp, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer udp.Close()
	port := udp.LocalAddr().(*net.UDPAddr).Port

	conn, err := net.Dial("tcp", srv.Target().String())
	require.NoError(t, err)
	defer conn.Close()
	_, _, err = wire.ReadPacket(conn)
	require.NoError(t, err)
	_, err = conn.Write(wire.EncodeCommand("StreamFrames AllFrames UDP:" + strconv.Itoa(port) + " 3D"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		ok, _ := srv.Streaming()
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, srv.SendFrame([]byte("frame")))
	buf := make([]byte, 64)
	require.NoError(t, udp.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := udp.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, "frame", string(buf[:n]))
}

func TestDiscoveryResponder(t *testing.T) {
	t.Parallel()

	d := NewDiscoveryResponder(t, "lab-pc, QTM 2024.1, 6 cameras", 22222)

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer conn.Close()
	replyPort := conn.LocalAddr().(*net.UDPAddr).Port

	dst, err := net.ResolveUDPAddr("udp4", d.Address())
	require.NoError(t, err)
	_, err = conn.WriteToUDP(wire.EncodeDiscoverRequest(uint16(replyPort)), dst)
	require.NoError(t, err)

	buf := make([]byte, 512)
	for range 2 {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		n, from, err := conn.ReadFromUDP(buf)
		require.NoError(t, err)
		entry, err := wire.DecodeDiscoverResponse(buf[:n], from.IP.String())
		require.NoError(t, err)
		assert.Equal(t, "lab-pc", entry.HostName)
		assert.Equal(t, 22222, entry.Port)
		assert.Equal(t, 6, entry.CameraCount)
	}
}
