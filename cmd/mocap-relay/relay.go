package main

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/banshee-data/mocap.relay/internal/config"
	"github.com/banshee-data/mocap.relay/internal/mocap/feed"
	"github.com/banshee-data/mocap.relay/internal/mocap/network"
	"github.com/banshee-data/mocap.relay/internal/mocap/record"
	"github.com/banshee-data/mocap.relay/internal/mocap/rtclient"
	"github.com/banshee-data/mocap.relay/internal/monitoring"
)

// relay drives one streaming session and publishes every update.
type relay struct {
	cfg    *config.RelayConfig
	client *rtclient.Client
	pub    *feed.Publisher
	stats  *network.PacketStats
	log    *logrus.Entry
}

func newRelay(cfg *config.RelayConfig, client *rtclient.Client, pub *feed.Publisher, stats *network.PacketStats) *relay {
	return &relay{
		cfg:    cfg,
		client: client,
		pub:    pub,
		stats:  stats,
		log:    monitoring.Component("relay"),
	}
}

// pickTarget returns the configured server, or the first discovered one.
// Discovery always offers localhost last.
func (r *relay) pickTarget(ctx context.Context) (record.Target, error) {
	if t, ok := r.cfg.Target(); ok {
		return t, nil
	}
	entries, err := r.client.Discover(ctx)
	if err != nil {
		r.log.WithError(err).Warn("discovery incomplete")
	}
	for _, e := range entries {
		r.log.WithField("server", e.String()).Info("discovered")
	}
	if len(entries) == 0 {
		return record.Target{}, fmt.Errorf("no tracking server found")
	}
	return entries[0].Target(), nil
}

func (r *relay) frame() feed.Frame {
	f := feed.Frame{
		Time:      time.Now(),
		SessionID: r.client.SessionID(),
		State:     r.client.State().String(),
		Snapshot:  r.client.Snapshot(),
	}
	if err := r.client.LastError(); err != nil {
		f.LastError = err.Error()
	}
	return f
}

// run connects and relays frames until ctx ends or the session does.
func (r *relay) run(ctx context.Context) error {
	target, err := r.pickTarget(ctx)
	if err != nil {
		return err
	}

	if err := r.client.Connect(ctx, target, r.cfg.GetStreamPort(), r.cfg.Capabilities()); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", target, err)
	}
	defer r.client.Disconnect()
	r.pub.Publish(r.frame())

	if hz, err := r.client.Frequency(ctx); err == nil {
		r.log.WithField("hz", hz).Info("capture frequency")
	}

	tick := time.NewTicker(r.cfg.GetTickInterval())
	defer tick.Stop()
	statsTick := time.NewTicker(r.cfg.GetStatsInterval())
	defer statsTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-statsTick.C:
			if r.stats != nil {
				r.stats.LogStats()
			}
		case <-tick.C:
			updated, err := r.client.Tick()
			if err != nil {
				r.log.WithError(err).Debug("tick")
			}
			if !r.client.IsConnected() {
				r.pub.Publish(r.frame())
				if last := r.client.LastError(); last != nil {
					return fmt.Errorf("session ended: %w", last)
				}
				return fmt.Errorf("session ended")
			}
			if updated {
				r.pub.Publish(r.frame())
			}
		}
	}
}
