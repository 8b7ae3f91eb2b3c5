package main

import (
	"fmt"
	"image/color"
	"math"
	"path/filepath"
	"time"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/mocap.relay/internal/mocap/network"
	"github.com/banshee-data/mocap.relay/internal/mocap/record"
	"github.com/banshee-data/mocap.relay/internal/mocap/transform"
)

// track is the time series of one body or marker in target coordinates.
type track struct {
	name string
	t    []float64
	pos  []record.Vec3
}

// recorder accumulates tracks from replayed payloads.
type recorder struct {
	codec  record.Codec
	xf     transform.Transform
	tracks map[string]*track
	order  []string

	first        time.Time
	firstStamp   uint64
	packets      int
	decodeErrors int
}

func newRecorder(codec record.Codec, xf transform.Transform) *recorder {
	return &recorder{codec: codec, xf: xf, tracks: make(map[string]*track)}
}

func (r *recorder) track(name string) *track {
	tr, ok := r.tracks[name]
	if !ok {
		tr = &track{name: name}
		r.tracks[name] = tr
		r.order = append(r.order, name)
	}
	return tr
}

// seconds returns the sample time relative to the first data packet,
// preferring the server timestamp over the capture time.
func (r *recorder) seconds(p *network.Payload, pkt *record.Packet) float64 {
	if r.packets == 0 {
		r.first, r.firstStamp = p.ReceivedAt, pkt.Timestamp
	}
	if r.firstStamp != 0 && pkt.Timestamp >= r.firstStamp {
		return float64(pkt.Timestamp-r.firstStamp) / 1e6
	}
	return p.ReceivedAt.Sub(r.first).Seconds()
}

func finite(v record.Vec3) bool {
	return !math.IsNaN(v.X) && !math.IsNaN(v.Y) && !math.IsNaN(v.Z)
}

func (r *recorder) add(p *network.Payload) error {
	pkt, err := r.codec.Decode(p.Data)
	if err != nil {
		r.decodeErrors++
		return nil
	}
	if pkt.Type != record.PacketData {
		return nil
	}
	t := r.seconds(p, pkt)
	r.packets++

	for _, comp := range pkt.Components {
		switch c := comp.(type) {
		case *record.BodyComponent:
			for i, b := range c.Bodies {
				if !finite(b.Position) {
					continue
				}
				tr := r.track(fmt.Sprintf("body %d", i))
				tr.t = append(tr.t, t)
				tr.pos = append(tr.pos, r.xf.Position(b.Position))
			}
		case *record.MarkerComponent:
			for i, m := range c.Markers {
				if !finite(m.Position) {
					continue
				}
				name := fmt.Sprintf("marker %d", i)
				if !c.Labeled {
					name = fmt.Sprintf("unlabeled %d", m.ID)
				}
				tr := r.track(name)
				tr.t = append(tr.t, t)
				tr.pos = append(tr.pos, r.xf.Position(m.Position))
			}
		}
	}
	return nil
}

// component returns coordinate i (0, 1 or 2) of v.
func component(v record.Vec3, i int) float64 {
	switch i {
	case 0:
		return v.X
	case 1:
		return v.Y
	}
	return v.Z
}

var palette = []color.RGBA{
	{R: 31, G: 119, B: 180, A: 255},
	{R: 255, G: 127, B: 14, A: 255},
	{R: 44, G: 160, B: 44, A: 255},
	{R: 214, G: 39, B: 40, A: 255},
	{R: 148, G: 103, B: 189, A: 255},
	{R: 140, G: 86, B: 75, A: 255},
}

// writePlots saves <prefix>_path.png (the horizontal plane) and
// <prefix>_height.png (the up axis over time) and returns their paths.
func (r *recorder) writePlots(outDir, prefix string, maxTracks int) ([]string, error) {
	if len(r.order) == 0 {
		return nil, fmt.Errorf("no samples to plot")
	}
	up := r.xf.Target().Up.Index()
	var plane [2]int
	for i, n := 0, 0; i < 3; i++ {
		if i != up {
			plane[n] = i
			n++
		}
	}
	axis := [3]string{"X", "Y", "Z"}

	path := plot.New()
	path.Title.Text = "Trajectory"
	path.X.Label.Text = axis[plane[0]] + " (m)"
	path.Y.Label.Text = axis[plane[1]] + " (m)"

	height := plot.New()
	height.Title.Text = "Height"
	height.X.Label.Text = "Time (s)"
	height.Y.Label.Text = axis[up] + " (m)"

	names := r.order
	if maxTracks > 0 && len(names) > maxTracks {
		names = names[:maxTracks]
	}
	for i, name := range names {
		tr := r.tracks[name]
		xy := make(plotter.XYs, len(tr.pos))
		th := make(plotter.XYs, len(tr.pos))
		for j, p := range tr.pos {
			xy[j] = plotter.XY{X: component(p, plane[0]), Y: component(p, plane[1])}
			th[j] = plotter.XY{X: tr.t[j], Y: component(p, up)}
		}
		c := palette[i%len(palette)]

		pathLine, err := plotter.NewLine(xy)
		if err != nil {
			return nil, fmt.Errorf("failed to create path line for %s: %w", name, err)
		}
		pathLine.Color = c
		pathLine.Width = vg.Points(1)
		path.Add(pathLine)
		path.Legend.Add(name, pathLine)

		heightLine, err := plotter.NewLine(th)
		if err != nil {
			return nil, fmt.Errorf("failed to create height line for %s: %w", name, err)
		}
		heightLine.Color = c
		heightLine.Width = vg.Points(1)
		height.Add(heightLine)
		height.Legend.Add(name, heightLine)
	}
	path.Add(plotter.NewGrid())
	height.Add(plotter.NewGrid())

	pathFile := filepath.Join(outDir, prefix+"_path.png")
	if err := path.Save(8*vg.Inch, 8*vg.Inch, pathFile); err != nil {
		return nil, fmt.Errorf("failed to save %s: %w", pathFile, err)
	}
	heightFile := filepath.Join(outDir, prefix+"_height.png")
	if err := height.Save(14*vg.Inch, 6*vg.Inch, heightFile); err != nil {
		return nil, fmt.Errorf("failed to save %s: %w", heightFile, err)
	}
	return []string{pathFile, heightFile}, nil
}
