package control

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"strconv"
	"time"

	"github.com/banshee-data/mocap.relay/internal/mocap/record"
	"github.com/banshee-data/mocap.relay/internal/mocap/wire"
	"github.com/banshee-data/mocap.relay/internal/monitoring"
)

const (
	minReplyPort = 1333
	maxReplyPort = 1388 // exclusive
)

// RandomReplyPort picks a discovery reply port in [1333, 1388).
func RandomReplyPort() uint16 {
	return uint16(minReplyPort + rand.IntN(maxReplyPort-minReplyPort))
}

// DiscoverConfig controls Discover.
type DiscoverConfig struct {
	// ReplyPort is where responses are received; zero picks a random port.
	ReplyPort uint16
	// BroadcastAddress defaults to 255.255.255.255:22226.
	BroadcastAddress string
	// Window is how long responses are collected; defaults to one second.
	Window time.Duration
}

// Discover broadcasts a probe and collects server responses until the window
// closes. The result does not include the synthetic localhost entry.
func Discover(ctx context.Context, cfg DiscoverConfig) ([]record.DiscoveryEntry, error) {
	if cfg.ReplyPort == 0 {
		cfg.ReplyPort = RandomReplyPort()
	}
	if cfg.BroadcastAddress == "" {
		cfg.BroadcastAddress = net.JoinHostPort(net.IPv4bcast.String(), strconv.Itoa(wire.DiscoveryPort))
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Second
	}
	log := monitoring.Component("discovery").WithField("reply_port", cfg.ReplyPort)

	dst, err := net.ResolveUDPAddr("udp4", cfg.BroadcastAddress)
	if err != nil {
		return nil, &record.TransportError{Op: "resolve", Err: err}
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: int(cfg.ReplyPort)})
	if err != nil {
		return nil, &record.TransportError{Op: "bind", Err: err}
	}
	defer conn.Close()

	if _, err := conn.WriteToUDP(wire.EncodeDiscoverRequest(cfg.ReplyPort), dst); err != nil {
		return nil, &record.TransportError{Op: "broadcast", Err: err}
	}

	deadline := time.Now().Add(cfg.Window)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, &record.TransportError{Op: "deadline", Err: err}
	}
	stop := context.AfterFunc(ctx, func() { conn.SetReadDeadline(time.Now()) })
	defer stop()

	var entries []record.DiscoveryEntry
	seen := make(map[string]bool)
	buf := make([]byte, 2048)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				break
			}
			return entries, &record.TransportError{Op: "read", Err: err}
		}
		// Our own broadcast loops back on some interfaces.
		if typ, body, err := wire.SplitHeader(buf[:n]); err == nil && typ == record.PacketDiscover && len(body) == 2 {
			continue
		}
		entry, err := wire.DecodeDiscoverResponse(buf[:n], from.IP.String())
		if err != nil {
			log.WithError(err).WithField("from", from).Debug("ignoring malformed discovery response")
			continue
		}
		key := fmt.Sprintf("%s:%d", entry.Address, entry.Port)
		if seen[key] {
			continue
		}
		seen[key] = true
		entries = append(entries, entry)
	}
	log.WithField("servers", len(entries)).Info("discovery finished")
	return entries, ctx.Err()
}
