package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// ReadPCAP decodes a pcap stream and calls fn with every UDP payload sent to
// udpPort (any port when zero). ReceivedAt carries the capture timestamp.
// It returns the number of payloads delivered.
func ReadPCAP(ctx context.Context, r io.Reader, udpPort int, fn func(*Payload) error) (int, error) {
	reader, err := pcapgo.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("failed to read pcap header: %w", err)
	}

	source := gopacket.NewPacketSource(reader, reader.LinkType())
	source.NoCopy = true
	var seq uint64
	delivered := 0
	for {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		packet, err := source.NextPacket()
		if errors.Is(err, io.EOF) {
			return delivered, nil
		}
		if err != nil {
			// Truncated trailing records are common in live captures.
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return delivered, nil
			}
			return delivered, fmt.Errorf("failed to read pcap record: %w", err)
		}

		udpLayer := packet.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			continue
		}
		udp, ok := udpLayer.(*layers.UDP)
		if !ok || len(udp.Payload) == 0 {
			continue
		}
		if udpPort != 0 && int(udp.DstPort) != udpPort {
			continue
		}

		from := &net.UDPAddr{Port: int(udp.SrcPort)}
		switch ip := packet.NetworkLayer().(type) {
		case *layers.IPv4:
			from.IP = ip.SrcIP
		case *layers.IPv6:
			from.IP = ip.SrcIP
		}

		seq++
		p := &Payload{
			Data:       append([]byte(nil), udp.Payload...),
			Addr:       from,
			ReceivedAt: packet.Metadata().Timestamp,
			Seq:        seq,
		}
		if err := fn(p); err != nil {
			return delivered, err
		}
		delivered++
	}
}

// ReplayConfig controls ReplayPCAP.
type ReplayConfig struct {
	UDPPort int
	// Speed scales capture timing; zero replays as fast as possible.
	Speed float64
	Gate  *FrameGate
	Stats PacketStatsInterface
}

// ReplayPCAP publishes the payloads of a capture file to cfg.Gate, pacing
// them by their capture timestamps when Speed is positive.
func ReplayPCAP(ctx context.Context, path string, cfg ReplayConfig) (int, error) {
	if cfg.Gate == nil {
		return 0, fmt.Errorf("replay needs a frame gate")
	}
	stats := cfg.Stats
	if stats == nil {
		stats = &noopStats{}
	}

	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return 0, fmt.Errorf("failed to open pcap file %s: %w", path, err)
	}
	defer f.Close()

	var first, start time.Time
	return ReadPCAP(ctx, f, cfg.UDPPort, func(p *Payload) error {
		if cfg.Speed > 0 {
			if first.IsZero() {
				first, start = p.ReceivedAt, time.Now()
			}
			due := start.Add(time.Duration(float64(p.ReceivedAt.Sub(first)) / cfg.Speed))
			if wait := time.Until(due); wait > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(wait):
				}
			}
		}
		stats.AddPacket(len(p.Data))
		if cfg.Gate.Publish(p) {
			stats.AddOverwritten()
		}
		return nil
	})
}
