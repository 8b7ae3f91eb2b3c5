// Command osc-receiver listens for OSC signaling messages and logs the
// latest value of each known address.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/banshee-data/mocap.relay/internal/config"
	"github.com/banshee-data/mocap.relay/internal/mocap/network"
	"github.com/banshee-data/mocap.relay/internal/mocap/osc"
	"github.com/banshee-data/mocap.relay/internal/monitoring"
	"github.com/banshee-data/mocap.relay/internal/version"
)

var (
	configPath  = flag.String("config", "", "Path to a JSON, YAML or TOML config file")
	host        = flag.String("host", "", "Listen address (default: all interfaces)")
	port        = flag.Int("port", 0, "UDP port (default from config, 8080)")
	pollEvery   = flag.Duration("poll", 10*time.Millisecond, "How often to poll for a new datagram")
	logEvery    = flag.Duration("log-interval", 2*time.Second, "How often to log signal state")
	logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error)")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()
	log := monitoring.Component("main")

	if *showVersion {
		fmt.Println(version.String("osc-receiver"))
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	if *port != 0 {
		cfg.OSCPort = port
	}
	if *logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}
	if err := monitoring.SetLevel(cfg.GetLogLevel()); err != nil {
		log.WithError(err).Fatal("invalid log level")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *host); err != nil {
		log.WithError(err).Fatal("receiver stopped")
	}
}

func run(ctx context.Context, cfg *config.RelayConfig, host string) error {
	router := osc.NewRouter()
	var signals osc.Signals
	signals.Register(router)

	stats := network.NewPacketStats("osc")
	l := osc.NewListener(osc.ListenerConfig{
		Host:        host,
		Port:        cfg.GetOSCPort(),
		ReadTimeout: cfg.GetReadTimeout(),
		Stats:       stats,
	}, router)
	if err := l.Start(ctx); err != nil {
		return err
	}
	defer l.Stop()

	log := monitoring.Component("osc")
	log.WithField("addr", l.LocalAddr()).Info("listening")

	poll := time.NewTicker(*pollEvery)
	defer poll.Stop()
	report := time.NewTicker(*logEvery)
	defer report.Stop()

	last := -1
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-poll.C:
			l.Poll()
		case <-report.C:
			stats.LogStats()
			s := signals.State()
			if s.Updates == last {
				continue
			}
			last = s.Updates
			log.WithFields(logrus.Fields{
				"source_angles":   s.SourceAngles,
				"binaural_angles": s.BinauralAngles,
				"text":            s.Text,
				"position":        fmt.Sprintf("(%.3f, %.3f, %.3f)", s.Position.X, s.Position.Y, s.Position.Z),
			}).Info("signals")
		}
	}
}
