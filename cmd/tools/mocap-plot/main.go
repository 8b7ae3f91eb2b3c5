// Command mocap-plot replays a packet capture of a motion-capture stream and
// plots every body and marker trajectory.
//
// Usage:
//
//	mocap-plot -pcap session.pcap -port 22223 -up +Z -out plots/
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/banshee-data/mocap.relay/internal/mocap/network"
	"github.com/banshee-data/mocap.relay/internal/mocap/transform"
	"github.com/banshee-data/mocap.relay/internal/mocap/wire"
	"github.com/banshee-data/mocap.relay/internal/monitoring"
)

var (
	pcapFile  = flag.String("pcap", "", "Capture file to replay (required)")
	udpPort   = flag.Int("port", 0, "Destination UDP port of the stream (default: any)")
	sourceUp  = flag.String("up", "+Z", "Up axis of the capture (server AxisUpwards)")
	unitScale = flag.Float64("scale", transform.MillimetresPerMetre, "Server units per metre")
	outDir    = flag.String("out", ".", "Directory for the PNG files")
	maxTracks = flag.Int("max-tracks", 12, "Plot at most this many tracks (0 for all)")
)

func main() {
	flag.Parse()
	log := monitoring.Component("mocap-plot")

	if *pcapFile == "" {
		flag.Usage()
		os.Exit(2)
	}

	up, err := transform.ParseAxis(*sourceUp)
	if err != nil {
		log.WithError(err).Fatal("invalid -up")
	}
	xf, err := transform.New(transform.Source(up), transform.UnityTarget(), *unitScale)
	if err != nil {
		log.WithError(err).Fatal("invalid -scale")
	}
	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		log.WithError(err).Fatal("failed to create output directory")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	f, err := os.Open(filepath.Clean(*pcapFile))
	if err != nil {
		log.WithError(err).Fatal("failed to open capture")
	}
	defer f.Close()

	rec := newRecorder(wire.NewCodec(), xf)
	n, err := network.ReadPCAP(ctx, f, *udpPort, rec.add)
	if err != nil {
		log.WithError(err).Fatal("replay failed")
	}
	log.WithFields(logrus.Fields{
		"payloads":      n,
		"data_packets":  rec.packets,
		"decode_errors": rec.decodeErrors,
		"tracks":        len(rec.order),
	}).Info("replay complete")

	prefix := strings.TrimSuffix(filepath.Base(*pcapFile), filepath.Ext(*pcapFile))
	files, err := rec.writePlots(*outDir, prefix, *maxTracks)
	if err != nil {
		log.WithError(err).Fatal("failed to plot")
	}
	for _, file := range files {
		log.WithField("file", file).Info("wrote plot")
	}
}
