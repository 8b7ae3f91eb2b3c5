package network

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedDatagram struct {
	srcPort, dstPort int
	payload          []byte
	at               time.Time
}

// writeCapture builds an Ethernet/IPv4/UDP capture in memory.
func writeCapture(t *testing.T, datagrams []capturedDatagram) []byte {
	t.Helper()
	var out bytes.Buffer
	w := pcapgo.NewWriter(&out)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))

	for _, d := range datagrams {
		eth := &layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
			DstMAC:       net.HardwareAddr{6, 7, 8, 9, 10, 11},
			EthernetType: layers.EthernetTypeIPv4,
		}
		ip := &layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    net.IPv4(192, 168, 1, 10),
			DstIP:    net.IPv4(192, 168, 1, 20),
		}
		udp := &layers.UDP{SrcPort: layers.UDPPort(d.srcPort), DstPort: layers.UDPPort(d.dstPort)}
		require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

		buf := gopacket.NewSerializeBuffer()
		opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
		require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(d.payload)))
		data := buf.Bytes()
		require.NoError(t, w.WritePacket(gopacket.CaptureInfo{
			Timestamp:     d.at,
			CaptureLength: len(data),
			Length:        len(data),
		}, data))
	}
	return out.Bytes()
}

func TestReadPCAP_FiltersByPort(t *testing.T) {
	t.Parallel()

	base := time.Unix(1_700_000_000, 0)
	capture := writeCapture(t, []capturedDatagram{
		{srcPort: 22222, dstPort: 22223, payload: []byte("one"), at: base},
		{srcPort: 22222, dstPort: 9999, payload: []byte("other"), at: base.Add(time.Millisecond)},
		{srcPort: 22222, dstPort: 22223, payload: []byte("two"), at: base.Add(2 * time.Millisecond)},
	})

	var got []*Payload
	n, err := ReadPCAP(context.Background(), bytes.NewReader(capture), 22223, func(p *Payload) error {
		got = append(got, p)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, got, 2)
	assert.Equal(t, "one", string(got[0].Data))
	assert.Equal(t, "two", string(got[1].Data))
	assert.Equal(t, uint64(2), got[1].Seq)
	assert.True(t, got[0].Addr.IP.Equal(net.IPv4(192, 168, 1, 10)))
	assert.Equal(t, 22222, got[0].Addr.Port)
	assert.True(t, got[1].ReceivedAt.Equal(base.Add(2*time.Millisecond)))

	n, err = ReadPCAP(context.Background(), bytes.NewReader(capture), 0, func(*Payload) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestReadPCAP_CallbackErrorStops(t *testing.T) {
	t.Parallel()

	capture := writeCapture(t, []capturedDatagram{
		{srcPort: 1, dstPort: 2, payload: []byte("a"), at: time.Unix(0, 0)},
		{srcPort: 1, dstPort: 2, payload: []byte("b"), at: time.Unix(0, 0)},
	})
	stop := errors.New("enough")
	n, err := ReadPCAP(context.Background(), bytes.NewReader(capture), 0, func(*Payload) error { return stop })
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 0, n)
}

func TestReadPCAP_BadHeader(t *testing.T) {
	t.Parallel()

	_, err := ReadPCAP(context.Background(), bytes.NewReader([]byte("not a capture")), 0, func(*Payload) error { return nil })
	assert.Error(t, err)
}

func TestReplayPCAP_PublishesToGate(t *testing.T) {
	t.Parallel()

	base := time.Unix(1_700_000_000, 0)
	capture := writeCapture(t, []capturedDatagram{
		{srcPort: 22222, dstPort: 22223, payload: []byte("one"), at: base},
		{srcPort: 22222, dstPort: 22223, payload: []byte("two"), at: base.Add(10 * time.Millisecond)},
	})
	path := filepath.Join(t.TempDir(), "stream.pcap")
	require.NoError(t, os.WriteFile(path, capture, 0o600))

	gate := &FrameGate{}
	stats := &countingStats{}
	start := time.Now()
	n, err := ReplayPCAP(context.Background(), path, ReplayConfig{UDPPort: 22223, Speed: 1, Gate: gate, Stats: stats})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond, "replay honours capture timing")

	p := gate.Take()
	require.NotNil(t, p)
	assert.Equal(t, "two", string(p.Data))
	packets, overwritten, _ := stats.get()
	assert.Equal(t, 2, packets)
	assert.Equal(t, 1, overwritten)

	_, err = ReplayPCAP(context.Background(), path, ReplayConfig{})
	assert.Error(t, err)
	_, err = ReplayPCAP(context.Background(), filepath.Join(t.TempDir(), "missing.pcap"), ReplayConfig{Gate: gate})
	assert.Error(t, err)
}
