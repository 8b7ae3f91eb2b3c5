package rtclient

import (
	"context"
	"fmt"

	"github.com/banshee-data/mocap.relay/internal/mocap/record"
	"github.com/banshee-data/mocap.relay/internal/mocap/transform"
)

// Tick is the consumer poll. It handles pending server events, then takes
// the newest datagram, if any, and applies it. It reports whether the
// snapshot changed. A malformed datagram is dropped and returned as a
// *record.DecodeError; the client keeps streaming.
func (c *Client) Tick() (bool, error) {
	if c.conn == nil {
		return false, nil
	}
	if err := c.pollEvents(); err != nil {
		return false, err
	}
	if c.receiver == nil {
		return false, nil
	}
	payload := c.receiver.Latest()
	if payload == nil {
		return false, nil
	}
	pkt, err := c.codec.Decode(payload.Data)
	if err != nil {
		c.log.WithError(err).WithField("bytes", len(payload.Data)).Warn("dropping malformed datagram")
		c.setLastErr(err)
		return false, err
	}
	if err := c.Process(pkt); err != nil {
		return false, err
	}
	return pkt.Type == record.PacketData, nil
}

// pollEvents drains queued server events without blocking.
func (c *Client) pollEvents() error {
	for c.conn != nil {
		select {
		case ev := <-c.conn.Events():
			if err := c.handleEvent(ev); err != nil {
				return err
			}
		case <-c.conn.Done():
			err := &record.TransportError{Op: "control", Err: record.ErrNotConnected}
			c.log.Warn("control connection lost")
			c.disconnect("control connection lost")
			c.setLastErr(err)
			return err
		default:
			return nil
		}
	}
	return nil
}

func (c *Client) handleEvent(ev record.Event) error {
	log := c.log.WithField("event", ev)
	switch {
	case ev.EndsSession():
		log.Info("server ended session")
		c.disconnect(ev.String())
		return nil
	case ev.ReloadsSettings():
		log.Info("reloading settings")
		return c.reload()
	default:
		log.Debug("server event")
		return nil
	}
}

// reload fetches the schema again. On failure the previous lists and
// transform stay in place.
func (c *Client) reload() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CommandTimeout)
	defer cancel()
	loaded, err := c.loadSettings(ctx, c.conn, c.caps)
	if err != nil {
		c.log.WithError(err).Error("settings reload failed")
		c.setLastErr(err)
		return err
	}
	c.applySettings(loaded)
	if loaded.warning != nil {
		c.setLastErr(loaded.warning)
	}
	return nil
}

// Process applies a decoded packet to the snapshot. Every component is
// checked against the loaded settings before anything is written, so a
// rejected packet leaves the snapshot untouched. Packets other than data and
// event packets are ignored.
func (c *Client) Process(pkt *record.Packet) error {
	if pkt == nil {
		return nil
	}
	switch pkt.Type {
	case record.PacketData:
	case record.PacketEvent:
		for _, comp := range pkt.Components {
			if ev, ok := comp.(*record.EventComponent); ok {
				if err := c.handleEvent(ev.Event); err != nil {
					return err
				}
			}
		}
		return nil
	default:
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, comp := range pkt.Components {
		if err := c.check(comp); err != nil {
			c.lastErr = err
			c.log.WithError(err).WithField("frame", pkt.Frame).Warn("packet does not match settings")
			return err
		}
	}
	xf := c.xform
	for _, comp := range pkt.Components {
		c.apply(xf, comp)
	}
	c.lastFrame = pkt.Frame
	return nil
}

func countError(component string, declared, got int) error {
	if got > declared {
		return &record.DataConsistencyError{
			Component: component,
			Index:     declared,
			Want:      declared,
			Got:       got,
			Err:       record.ErrIndexOutOfRange,
		}
	}
	return &record.DataConsistencyError{
		Component: component,
		Index:     got,
		Want:      declared,
		Got:       got,
		Err:       record.ErrLengthMismatch,
	}
}

// check validates one component against list lengths. Components that were
// not requested are ignored by apply, so only requested kinds are checked.
func (c *Client) check(comp record.Component) error {
	switch v := comp.(type) {
	case *record.MarkerComponent:
		if !c.caps.Markers || !v.Labeled {
			return nil
		}
		if n := len(v.Markers); n != len(c.snap.Markers) {
			return countError(v.Type.StreamName(), len(c.snap.Markers), n)
		}
	case *record.BodyComponent:
		if !c.caps.Bodies {
			return nil
		}
		if n := len(v.Bodies); n != len(c.snap.Bodies) {
			return countError(v.Type.StreamName(), len(c.snap.Bodies), n)
		}
	case *record.GazeComponent:
		if !c.caps.Gaze {
			return nil
		}
		if n := len(v.Vectors); n != len(c.snap.GazeVectors) {
			return countError(v.ComponentType().StreamName(), len(c.snap.GazeVectors), n)
		}
	case *record.EventComponent:
	default:
		return fmt.Errorf("unhandled component %T", comp)
	}
	return nil
}

func (c *Client) apply(xf transform.Transform, comp record.Component) {
	switch v := comp.(type) {
	case *record.MarkerComponent:
		if !c.caps.Markers || !v.Labeled {
			return
		}
		for i, m := range v.Markers {
			c.snap.Markers[i].Position = xf.Position(m.Position)
		}
	case *record.BodyComponent:
		if !c.caps.Bodies {
			return
		}
		for i, b := range v.Bodies {
			c.snap.Bodies[i].Position = xf.Position(b.Position)
			c.snap.Bodies[i].Rotation = xf.Rotation(b.Rotation)
		}
	case *record.GazeComponent:
		if !c.caps.Gaze {
			return
		}
		for i, g := range v.Vectors {
			if !g.Valid {
				continue
			}
			c.snap.GazeVectors[i].Position = xf.Position(g.Position)
			c.snap.GazeVectors[i].Direction = xf.Direction(g.Direction)
		}
	case *record.EventComponent:
		// Events in a data stream are handled by Process before locking.
	}
}
