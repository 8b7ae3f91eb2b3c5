package rtclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/banshee-data/mocap.relay/internal/mocap/network"
	"github.com/banshee-data/mocap.relay/internal/mocap/record"
	"github.com/banshee-data/mocap.relay/internal/mocap/transform"
)

// Discover lists reachable servers. The localhost entry is always last, so
// the result is never empty; a failed broadcast is returned alongside it.
func (c *Client) Discover(ctx context.Context) ([]record.DiscoveryEntry, error) {
	entries, err := c.ctl.Discover(ctx)
	if err != nil {
		c.log.WithError(err).Warn("discovery failed")
	}
	return append(entries, record.LocalhostEntry()), err
}

// Connect negotiates a protocol version, loads settings for the requested
// capabilities and starts streaming to udpPort (zero picks a free port).
// Any failure leaves the client Disconnected with every resource released.
func (c *Client) Connect(ctx context.Context, target record.Target, udpPort int, caps Capabilities) (err error) {
	if c.State() != Disconnected {
		c.Disconnect()
	}
	c.setLastErr(nil)
	log := c.log.WithFields(logrus.Fields{"target": target.Address(), "udp_port": udpPort})

	defer func() {
		if err != nil {
			c.teardown()
			c.setState(Disconnected)
			c.setLastErr(err)
			log.WithError(err).Error("connect failed")
		}
	}()

	if !caps.any() {
		return &record.ProtocolError{Op: "connect", Err: errors.New("no data kinds requested")}
	}
	c.caps = caps
	c.target = target

	c.setState(Negotiating)
	conn, version, err := c.negotiate(ctx, target)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.version = version

	c.setState(SettingsLoading)
	loaded, err := c.loadSettings(ctx, conn, caps)
	if err != nil {
		return err
	}
	c.applySettings(loaded)
	c.components = c.streamComponents(c.caps)
	if len(c.components) == 0 {
		return &record.ProtocolError{Op: "connect", Err: errors.New("no requested data kind is available")}
	}

	rcv := network.NewReceiver(network.ReceiverConfig{
		Address:       net.JoinHostPort(c.cfg.ListenHost, strconv.Itoa(udpPort)),
		RcvBuf:        c.cfg.RcvBuf,
		ReadTimeout:   c.cfg.ReadTimeout,
		Stats:         c.stats,
		SocketFactory: c.sockets,
	})
	if err := rcv.Start(context.Background()); err != nil {
		return err
	}
	c.receiver = rcv
	if udpPort == 0 {
		if addr, ok := rcv.LocalAddr().(*net.UDPAddr); ok {
			udpPort = addr.Port
		}
	}
	c.udpPort = udpPort

	if err := conn.StartStream(ctx, c.cfg.Rate, c.components, udpPort); err != nil {
		return err
	}

	id := newSessionID()
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
	c.setState(Streaming)
	c.journalStart(ctx, id)
	if loaded.warning != nil {
		c.setLastErr(loaded.warning)
	}
	log.WithFields(logrus.Fields{
		"version":    version,
		"session":    id,
		"udp_port":   udpPort,
		"components": componentNames(c.components),
	}).Info("streaming")
	return nil
}

// negotiate dials the target at the primary version and, if the server
// refuses it, dials once more at the fallback version.
func (c *Client) negotiate(ctx context.Context, target record.Target) (Conn, Version, error) {
	var refused []string
	for _, v := range []Version{c.cfg.PrimaryVersion, c.cfg.FallbackVersion} {
		conn, err := c.ctl.Dial(ctx, target)
		if err != nil {
			return nil, Version{}, err
		}
		err = conn.Handshake(ctx, v.Major, v.Minor)
		if err == nil {
			return conn, v, nil
		}
		conn.Close()
		if !errors.Is(err, record.ErrVersionRejected) {
			return nil, Version{}, err
		}
		c.log.WithField("version", v).Warn("protocol version refused")
		refused = append(refused, v.String())
	}
	return nil, Version{}, &record.ProtocolError{
		Op:  "connect",
		Err: fmt.Errorf("%w: versions %s refused", record.ErrConnectionRejected, strings.Join(refused, ", ")),
	}
}

func (c *Client) streamComponents(caps Capabilities) []record.ComponentType {
	var out []record.ComponentType
	if caps.Markers {
		out = append(out, record.Component3D)
	}
	if caps.Bodies {
		out = append(out, c.cfg.BodyComponent)
	}
	if caps.Gaze {
		out = append(out, record.ComponentGazeVector)
	}
	return out
}

func componentNames(cs []record.ComponentType) []string {
	names := make([]string, len(cs))
	for i, ct := range cs {
		names[i] = ct.StreamName()
	}
	return names
}

// loadedSettings is the result of one settings pass. Nothing is applied to
// the client until every fatal query has succeeded.
type loadedSettings struct {
	snap    record.Snapshot
	xform   transform.Transform
	general record.GeneralSettings
	// gaze is false when gaze vectors were requested but their settings
	// could not be loaded.
	gaze bool
	// warning is a non-fatal problem found while building the schema.
	warning error
}

func (c *Client) loadSettings(ctx context.Context, conn Conn, caps Capabilities) (*loadedSettings, error) {
	general, err := conn.GeneralSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load general settings: %w", err)
	}

	// The up axis comes from the 3D settings and drives every transform.
	s3d, err := conn.Settings3D(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load 3D settings: %w", err)
	}
	up, err := transform.ParseAxis(s3d.AxisUpwards)
	if err != nil {
		return nil, &record.ProtocolError{Op: "settings 3D", Err: err}
	}
	xf, err := transform.New(transform.Source(up), c.cfg.Target, c.cfg.UnitScale)
	if err != nil {
		return nil, err
	}

	out := &loadedSettings{xform: xf, general: general, gaze: caps.Gaze}
	if caps.Markers {
		out.snap.Markers, out.snap.Bones, out.warning = buildMarkers(s3d)
		for _, e := range unresolved(out.warning) {
			c.log.WithError(e).Warn("bone references unknown marker")
		}
	}

	if caps.Bodies {
		s6d, err := conn.Settings6DOF(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load 6DOF settings: %w", err)
		}
		out.snap.Bodies = make([]record.TrackedBody, len(s6d.Bodies))
		for i, b := range s6d.Bodies {
			out.snap.Bodies[i] = record.TrackedBody{
				Name:     b.Name,
				Rotation: record.IdentityQuat,
				Color:    record.ColorFromRGB(b.Color),
			}
		}
	}

	if caps.Gaze {
		sg, err := conn.SettingsGaze(ctx)
		if err != nil {
			// Older servers have no gaze support; stream without it.
			c.log.WithError(err).Warn("failed to load gaze vector settings, gaze disabled")
			out.gaze = false
		} else {
			out.snap.GazeVectors = make([]record.GazeVector, len(sg.Vectors))
			for i, g := range sg.Vectors {
				out.snap.GazeVectors[i] = record.GazeVector{Name: g.Name}
			}
		}
	}

	c.log.WithFields(logrus.Fields{
		"up_axis":   up,
		"frequency": general.Frequency,
		"bodies":    len(out.snap.Bodies),
		"markers":   len(out.snap.Markers),
		"bones":     len(out.snap.Bones),
		"gaze":      len(out.snap.GazeVectors),
	}).Info("settings loaded")
	return out, nil
}

// buildMarkers creates the labeled marker list and resolves bone ends to
// marker indices. Unresolved ends are kept as NoMarker and reported.
func buildMarkers(s record.Settings3D) ([]record.LabeledMarker, []record.Bone, error) {
	markers := make([]record.LabeledMarker, len(s.Labels))
	index := make(map[string]int, len(s.Labels))
	for i, l := range s.Labels {
		markers[i] = record.LabeledMarker{Label: l.Name, Color: record.ColorFromRGB(l.Color)}
		if _, dup := index[l.Name]; !dup {
			index[l.Name] = i
		}
	}
	resolve := func(label string) int {
		if i, ok := index[label]; ok {
			return i
		}
		return record.NoMarker
	}

	var errs []error
	bones := make([]record.Bone, len(s.Bones))
	for i, b := range s.Bones {
		bones[i] = record.Bone{
			From:       b.From,
			To:         b.To,
			FromMarker: resolve(b.From),
			ToMarker:   resolve(b.To),
			Color:      record.ColorFromRGB(b.Color),
		}
		for _, end := range []int{bones[i].FromMarker, bones[i].ToMarker} {
			if end == record.NoMarker {
				errs = append(errs, &record.DataConsistencyError{
					Component: "bone " + b.From + "-" + b.To,
					Index:     i,
					Want:      len(markers),
					Got:       end,
					Err:       record.ErrUnresolvedBone,
				})
				break
			}
		}
	}
	return markers, bones, errors.Join(errs...)
}

func unresolved(err error) []error {
	if err == nil {
		return nil
	}
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		return j.Unwrap()
	}
	return []error{err}
}

// applySettings replaces the snapshot lists and transform. List lengths only
// change here. Gaze stays disabled once its settings fail to load.
func (c *Client) applySettings(l *loadedSettings) {
	markerIdx := make(map[string]int, len(l.snap.Markers))
	for i, m := range l.snap.Markers {
		if _, dup := markerIdx[m.Label]; !dup {
			markerIdx[m.Label] = i
		}
	}
	bodyIdx := make(map[string]int, len(l.snap.Bodies))
	for i, b := range l.snap.Bodies {
		if _, dup := bodyIdx[b.Name]; !dup {
			bodyIdx[b.Name] = i
		}
	}
	c.mu.Lock()
	c.xform = l.xform
	c.caps.Gaze = c.caps.Gaze && l.gaze
	c.snap = l.snap
	c.general = l.general
	c.markerIdx = markerIdx
	c.bodyIdx = bodyIdx
	c.mu.Unlock()
}

// Disconnect stops the stream and releases every resource. The snapshot is
// cleared. It is safe to call in any state, any number of times.
func (c *Client) Disconnect() {
	c.disconnect("disconnect")
}

func (c *Client) disconnect(reason string) {
	if c.conn == nil && c.receiver == nil && c.State() == Disconnected {
		return
	}
	if c.conn != nil && c.State() == Streaming {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CommandTimeout)
		if err := c.conn.StopStream(ctx); err != nil {
			c.log.WithError(err).Debug("stream stop not sent")
		}
		cancel()
	}
	c.journalEnd(reason)
	c.teardown()
	c.setState(Disconnected)
	c.log.WithField("reason", reason).Info("disconnected")
}

// teardown releases the receiver and command channel and clears all lists.
func (c *Client) teardown() {
	var errs []error
	if c.receiver != nil {
		errs = append(errs, c.receiver.Stop())
		c.receiver = nil
	}
	if c.conn != nil {
		errs = append(errs, c.conn.Close())
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}
	if err := errors.Join(errs...); err != nil {
		c.log.WithError(err).Warn("error releasing connection")
	}
	c.mu.Lock()
	c.snap.Clear()
	c.markerIdx = nil
	c.bodyIdx = nil
	c.general = record.GeneralSettings{}
	c.sessionID = ""
	c.mu.Unlock()
}

func (c *Client) journalStart(ctx context.Context, id string) {
	if c.journal == nil {
		return
	}
	err := c.journal.StartSession(ctx, record.Session{
		ID:         id,
		Target:     c.target,
		Version:    c.version.String(),
		UDPPort:    c.udpPort,
		Components: componentNames(c.components),
		StartedAt:  time.Now(),
	})
	if err != nil {
		c.log.WithError(err).Warn("failed to journal session start")
	}
}

func (c *Client) journalEnd(reason string) {
	id := c.SessionID()
	if c.journal == nil || id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CommandTimeout)
	defer cancel()
	if err := c.journal.EndSession(ctx, id, time.Now(), reason); err != nil {
		c.log.WithError(err).Warn("failed to journal session end")
	}
}
