package rtclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/mocap.relay/internal/mocap/record"
)

// fakeConn is an in-memory Conn.
type fakeConn struct {
	versions  []string
	general   record.GeneralSettings
	settings  record.Settings3D
	bodies    *record.Settings6DOF
	gaze      *record.SettingsGaze
	streamErr error

	mu      sync.Mutex
	started []string
	stops   int
	closed  bool

	events    chan record.Event
	done      chan struct{}
	closeOnce sync.Once
}

func (f *fakeConn) Handshake(ctx context.Context, major, minor int) error {
	v := fmt.Sprintf("%d.%d", major, minor)
	for _, ok := range f.versions {
		if ok == v {
			return nil
		}
	}
	return &record.ProtocolError{Op: "handshake", Err: fmt.Errorf("%w: %s", record.ErrVersionRejected, v)}
}

func (f *fakeConn) GeneralSettings(context.Context) (record.GeneralSettings, error) {
	return f.general, nil
}

func (f *fakeConn) Settings3D(context.Context) (record.Settings3D, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings, nil
}

func (f *fakeConn) Settings6DOF(context.Context) (record.Settings6DOF, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bodies == nil {
		return record.Settings6DOF{}, &record.ProtocolError{Op: "settings", Err: record.ErrCommandFailed}
	}
	return *f.bodies, nil
}

func (f *fakeConn) SettingsGaze(context.Context) (record.SettingsGaze, error) {
	if f.gaze == nil {
		return record.SettingsGaze{}, &record.ProtocolError{Op: "settings", Err: record.ErrCommandFailed}
	}
	return *f.gaze, nil
}

func (f *fakeConn) StartStream(ctx context.Context, rate string, components []record.ComponentType, udpPort int) error {
	if f.streamErr != nil {
		return f.streamErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, fmt.Sprintf("%s %d %v", rate, udpPort, componentNames(components)))
	return nil
}

func (f *fakeConn) StopStream(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return &record.TransportError{Op: "write", Err: record.ErrNotConnected}
	}
	f.stops++
	return nil
}

func (f *fakeConn) Events() <-chan record.Event { return f.events }
func (f *fakeConn) Done() <-chan struct{}        { return f.done }

func (f *fakeConn) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.hangup()
	return nil
}

func (f *fakeConn) hangup() { f.closeOnce.Do(func() { close(f.done) }) }

func (f *fakeConn) setBodies(s record.Settings6DOF) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bodies = &s
}

func (f *fakeConn) stats() (started []string, stops int, closed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.started...), f.stops, f.closed
}

// fakeControl hands out a fresh fakeConn per dial.
type fakeControl struct {
	template    func() *fakeConn
	dialErr     error
	entries     []record.DiscoveryEntry
	discoverErr error

	conns []*fakeConn
}

func (f *fakeControl) Dial(ctx context.Context, target record.Target) (Conn, error) {
	if f.dialErr != nil {
		return nil, f.dialErr
	}
	c := f.template()
	c.events = make(chan record.Event, 8)
	c.done = make(chan struct{})
	f.conns = append(f.conns, c)
	return c, nil
}

func (f *fakeControl) Discover(context.Context) ([]record.DiscoveryEntry, error) {
	return f.entries, f.discoverErr
}

func (f *fakeControl) last() *fakeConn {
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

// memJournal records journal calls.
type memJournal struct {
	mu      sync.Mutex
	started []record.Session
	ended   map[string]string
	fail    bool
}

func (j *memJournal) StartSession(ctx context.Context, s record.Session) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.fail {
		return errors.New("journal unavailable")
	}
	j.started = append(j.started, s)
	return nil
}

func (j *memJournal) EndSession(ctx context.Context, id string, _ time.Time, reason string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.ended == nil {
		j.ended = make(map[string]string)
	}
	j.ended[id] = reason
	return nil
}
