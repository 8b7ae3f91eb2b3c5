package network

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/banshee-data/mocap.relay/internal/monitoring"
)

// PacketStatsInterface provides packet statistics management
type PacketStatsInterface interface {
	AddPacket(bytes int)
	AddOverwritten()
	AddReadError()
	LogStats()
}

// noopStats is a PacketStatsInterface implementation that does nothing.
// It is used as a safe default when no stats collector is provided.
type noopStats struct{}

func (n *noopStats) AddPacket(bytes int) {}
func (n *noopStats) AddOverwritten()     {}
func (n *noopStats) AddReadError()       {}
func (n *noopStats) LogStats()           {}

// StatsSample is one reporting interval of PacketStats.
type StatsSample struct {
	Packets     int64
	Bytes       int64
	Overwritten int64
	ReadErrors  int64
	Duration    time.Duration
}

// PacketStats tracks packet statistics with thread-safe operations
type PacketStats struct {
	mu          sync.Mutex
	name        string
	packets     int64
	bytes       int64
	overwritten int64
	readErrors  int64
	lastReset   time.Time
	log         *logrus.Entry
}

// NewPacketStats creates a new PacketStats instance labelled with name.
func NewPacketStats(name string) *PacketStats {
	return &PacketStats{
		name:      name,
		lastReset: time.Now(),
		log:       monitoring.Component("stats").WithField("source", name),
	}
}

// AddPacket increments packet count and byte count
func (ps *PacketStats) AddPacket(bytes int) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.packets++
	ps.bytes += int64(bytes)
}

// AddOverwritten counts a payload replaced before the consumer took it.
func (ps *PacketStats) AddOverwritten() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.overwritten++
}

// AddReadError counts a non-timeout socket read failure.
func (ps *PacketStats) AddReadError() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.readErrors++
}

// GetAndReset returns current stats and resets counters
func (ps *PacketStats) GetAndReset() StatsSample {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	now := time.Now()
	s := StatsSample{
		Packets:     ps.packets,
		Bytes:       ps.bytes,
		Overwritten: ps.overwritten,
		ReadErrors:  ps.readErrors,
		Duration:    now.Sub(ps.lastReset),
	}
	ps.packets, ps.bytes, ps.overwritten, ps.readErrors = 0, 0, 0, 0
	ps.lastReset = now
	return s
}

// LogStats logs per-second rates for the interval since the last call.
// Quiet intervals are not logged.
func (ps *PacketStats) LogStats() {
	s := ps.GetAndReset()
	if s.Packets == 0 && s.ReadErrors == 0 {
		return
	}
	secs := s.Duration.Seconds()
	if secs <= 0 {
		secs = 1
	}
	ps.log.WithFields(logrus.Fields{
		"packets_per_sec": float64(s.Packets) / secs,
		"kb_per_sec":      float64(s.Bytes) / secs / 1024,
		"overwritten":     s.Overwritten,
		"read_errors":     s.ReadErrors,
	}).Info("receive stats")
}
