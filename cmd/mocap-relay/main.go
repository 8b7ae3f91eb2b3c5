// Command mocap-relay connects to a real-time motion-capture server, converts
// each frame to the consumer's coordinate convention and serves the latest
// snapshot over gRPC and WebSocket.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/banshee-data/mocap.relay/internal/config"
	"github.com/banshee-data/mocap.relay/internal/db"
	"github.com/banshee-data/mocap.relay/internal/mocap/feed"
	"github.com/banshee-data/mocap.relay/internal/mocap/network"
	"github.com/banshee-data/mocap.relay/internal/mocap/rtclient"
	"github.com/banshee-data/mocap.relay/internal/monitoring"
	"github.com/banshee-data/mocap.relay/internal/version"
)

var (
	configPath   = flag.String("config", "", "Path to a JSON, YAML or TOML config file")
	server       = flag.String("server", "", "Tracking server host (default: discover)")
	port         = flag.Int("port", 0, "Tracking server control port")
	streamPort   = flag.Int("stream-port", 0, "Local UDP port for the frame stream")
	journalPath  = flag.String("journal", "", "Session journal database path")
	grpcListen   = flag.String("grpc-listen", "", "gRPC feed listen address")
	wsListen     = flag.String("ws-listen", "", "HTTP/WebSocket feed listen address")
	logLevel     = flag.String("log-level", "", "Log level (debug, info, warn, error)")
	jsonLogs     = flag.Bool("json-logs", false, "Write logs as JSON lines")
	discoverOnly = flag.Bool("discover", false, "List servers on the local network and exit")
	showVersion  = flag.Bool("version", false, "Print version and exit")
)

// applyFlags copies explicitly set flags over the loaded configuration.
func applyFlags(cfg *config.RelayConfig) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "server":
			cfg.ServerHost = server
		case "port":
			cfg.ServerPort = port
		case "stream-port":
			cfg.StreamPort = streamPort
		case "journal":
			cfg.JournalPath = journalPath
		case "grpc-listen":
			cfg.GRPCListen = grpcListen
		case "ws-listen":
			cfg.WSListen = wsListen
		case "log-level":
			cfg.LogLevel = logLevel
		}
	})
}

func main() {
	flag.Parse()
	log := monitoring.Component("main")

	if *showVersion {
		fmt.Println(version.String("mocap-relay"))
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	applyFlags(cfg)
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}
	monitoring.SetJSON(*jsonLogs)
	if err := monitoring.SetLevel(cfg.GetLogLevel()); err != nil {
		log.WithError(err).Fatal("invalid log level")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *discoverOnly {
		if err := discover(ctx, cfg); err != nil {
			log.WithError(err).Fatal("discovery failed")
		}
		return
	}

	if err := run(ctx, cfg); err != nil {
		log.WithError(err).Fatal("relay stopped")
	}
	log.Info("relay stopped")
}

func discover(ctx context.Context, cfg *config.RelayConfig) error {
	ctl := rtclient.NewNetControl(cfg.DiscoverConfig(), cfg.ControlOptions()...)
	entries, err := ctl.Discover(ctx)
	for _, e := range entries {
		fmt.Printf("%-24s %s:%d  %d cameras  %s\n", e.HostName, e.Address, e.Port, e.CameraCount, e.InfoText)
	}
	return err
}

func run(ctx context.Context, cfg *config.RelayConfig) error {
	clientCfg, err := cfg.ClientConfig()
	if err != nil {
		return err
	}

	stats := network.NewPacketStats("stream")
	opts := []rtclient.Option{rtclient.WithStats(stats)}

	if path := cfg.GetJournalPath(); path != "" {
		journal, err := db.Open(path)
		if err != nil {
			return err
		}
		defer journal.Close()
		if n, err := journal.CloseOpenSessions(ctx, time.Now(), "relay restarted"); err != nil {
			return err
		} else if n > 0 {
			monitoring.Component("journal").WithField("sessions", n).Warn("closed sessions left open by a previous run")
		}
		opts = append(opts, rtclient.WithJournal(journal))
	}

	ctl := rtclient.NewNetControl(cfg.DiscoverConfig(), cfg.ControlOptions()...)
	client := rtclient.New(clientCfg, ctl, opts...)

	feedCfg := feed.DefaultConfig()
	feedCfg.GRPCListen = cfg.GetGRPCListen()
	feedCfg.HTTPListen = cfg.GetWSListen()
	pub := feed.NewPublisher(feedCfg)
	if err := pub.Start(); err != nil {
		return err
	}
	defer pub.Stop()

	return newRelay(cfg, client, pub, stats).run(ctx)
}
