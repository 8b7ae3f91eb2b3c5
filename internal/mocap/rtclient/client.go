// Package rtclient is the consumer side of a real-time motion-capture stream.
//
// A Client negotiates a protocol version with the tracking server, loads the
// data schema (rigid bodies, labeled markers, bones, gaze vectors), starts a
// UDP stream and applies every received frame to a Snapshot expressed in the
// consumer's coordinate convention. The consumer drives the client by calling
// Tick once per frame of its own loop; only the datagram receiver runs on a
// separate goroutine.
package rtclient

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/banshee-data/mocap.relay/internal/mocap/network"
	"github.com/banshee-data/mocap.relay/internal/mocap/record"
	"github.com/banshee-data/mocap.relay/internal/mocap/transform"
	"github.com/banshee-data/mocap.relay/internal/mocap/wire"
	"github.com/banshee-data/mocap.relay/internal/monitoring"
)

// State is the connection state of a Client.
type State int32

const (
	Disconnected State = iota
	Negotiating
	SettingsLoading
	Streaming
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Negotiating:
		return "negotiating"
	case SettingsLoading:
		return "settings-loading"
	case Streaming:
		return "streaming"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Version is a protocol version.
type Version struct {
	Major, Minor int
}

func (v Version) String() string { return fmt.Sprintf("%d.%d", v.Major, v.Minor) }

// ParseVersion accepts "major.minor".
func ParseVersion(s string) (Version, error) {
	var v Version
	major, minor, ok := strings.Cut(strings.TrimSpace(s), ".")
	if !ok {
		return v, fmt.Errorf("invalid protocol version %q", s)
	}
	var err error
	if v.Major, err = strconv.Atoi(major); err != nil || v.Major < 0 {
		return v, fmt.Errorf("invalid protocol version %q", s)
	}
	if v.Minor, err = strconv.Atoi(minor); err != nil || v.Minor < 0 {
		return v, fmt.Errorf("invalid protocol version %q", s)
	}
	return v, nil
}

var (
	DefaultPrimaryVersion  = Version{Major: 1, Minor: 19}
	DefaultFallbackVersion = Version{Major: 1, Minor: 13}
)

// Capabilities selects the data kinds to stream.
type Capabilities struct {
	Bodies  bool
	Markers bool
	Gaze    bool
}

func (c Capabilities) any() bool { return c.Bodies || c.Markers || c.Gaze }

// Conn is a live command channel to a tracking server.
type Conn interface {
	Handshake(ctx context.Context, major, minor int) error
	GeneralSettings(ctx context.Context) (record.GeneralSettings, error)
	Settings3D(ctx context.Context) (record.Settings3D, error)
	Settings6DOF(ctx context.Context) (record.Settings6DOF, error)
	SettingsGaze(ctx context.Context) (record.SettingsGaze, error)
	StartStream(ctx context.Context, rate string, components []record.ComponentType, udpPort int) error
	StopStream(ctx context.Context) error
	Events() <-chan record.Event
	Done() <-chan struct{}
	Close() error
}

// Control opens command channels and finds servers.
type Control interface {
	Dial(ctx context.Context, target record.Target) (Conn, error)
	Discover(ctx context.Context) ([]record.DiscoveryEntry, error)
}

// Journal records the lifetime of each streaming session.
type Journal interface {
	StartSession(ctx context.Context, s record.Session) error
	EndSession(ctx context.Context, id string, endedAt time.Time, reason string) error
}

// Config holds the settings a Client needs for every connection.
type Config struct {
	// Target is the consumer's coordinate convention.
	Target transform.Convention
	// UnitScale is the number of server units per consumer unit.
	UnitScale float64

	PrimaryVersion  Version
	FallbackVersion Version

	// Rate is the StreamFrames rate argument, such as "AllFrames".
	Rate string
	// BodyComponent is Component6D or Component6DEuler.
	BodyComponent record.ComponentType

	// ListenHost is the local address the stream socket binds to.
	ListenHost  string
	ReadTimeout time.Duration
	RcvBuf      int

	// CommandTimeout bounds commands the client issues on its own, such as
	// settings reloads and stream stop.
	CommandTimeout time.Duration
}

// DefaultConfig streams all frames to a Unity-style convention in metres.
func DefaultConfig() Config {
	return Config{
		Target:          transform.UnityTarget(),
		UnitScale:       transform.MillimetresPerMetre,
		PrimaryVersion:  DefaultPrimaryVersion,
		FallbackVersion: DefaultFallbackVersion,
		Rate:            "AllFrames",
		BodyComponent:   record.Component6D,
		ReadTimeout:     network.DefaultReadTimeout,
		CommandTimeout:  3 * time.Second,
	}
}

// Option configures a Client.
type Option func(*Client)

// WithCodec replaces the default binary codec.
func WithCodec(codec record.Codec) Option {
	return func(c *Client) { c.codec = codec }
}

// WithJournal records session start and end.
func WithJournal(j Journal) Option {
	return func(c *Client) { c.journal = j }
}

// WithSocketFactory replaces the UDP socket factory used by the receiver.
func WithSocketFactory(f network.UDPSocketFactory) Option {
	return func(c *Client) { c.sockets = f }
}

// WithStats counts datagrams received by the stream socket.
func WithStats(s network.PacketStatsInterface) Option {
	return func(c *Client) { c.stats = s }
}

// Client is a streaming protocol client. Connect, Tick, Process and
// Disconnect must be called from a single goroutine. Frequency, Transform and
// the snapshot and state accessors are safe from any goroutine.
type Client struct {
	cfg     Config
	ctl     Control
	codec   record.Codec
	journal Journal
	sockets network.UDPSocketFactory
	stats   network.PacketStatsInterface
	log     *logrus.Entry

	receiver   *network.Receiver
	caps       Capabilities
	components []record.ComponentType
	target     record.Target
	udpPort    int
	version    Version
	markerIdx  map[string]int
	bodyIdx    map[string]int

	// mu guards the fields below. conn and xform are written only by the
	// consumer goroutine, which may read them without locking.
	mu        sync.RWMutex
	conn      Conn
	xform     transform.Transform
	state     State
	snap      record.Snapshot
	general   record.GeneralSettings
	lastFrame uint32
	lastErr   error
	sessionID string
}

// New creates a disconnected client.
func New(cfg Config, ctl Control, opts ...Option) *Client {
	def := DefaultConfig()
	if cfg.UnitScale == 0 {
		cfg.UnitScale = def.UnitScale
	}
	if cfg.PrimaryVersion == (Version{}) {
		cfg.PrimaryVersion = def.PrimaryVersion
	}
	if cfg.FallbackVersion == (Version{}) {
		cfg.FallbackVersion = def.FallbackVersion
	}
	if cfg.Rate == "" {
		cfg.Rate = def.Rate
	}
	if cfg.BodyComponent == 0 {
		cfg.BodyComponent = def.BodyComponent
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = def.CommandTimeout
	}
	c := &Client{
		cfg:   cfg,
		ctl:   ctl,
		codec: wire.NewCodec(),
		log:   monitoring.Component("rtclient"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the connection state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		c.log.WithFields(logrus.Fields{"from": prev, "to": s}).Debug("state change")
	}
}

// IsConnected reports whether a command channel is open.
func (c *Client) IsConnected() bool { return c.State() != Disconnected }

// IsStreaming reports whether frames are being received.
func (c *Client) IsStreaming() bool { return c.State() == Streaming }

// LastFrame is the frame number of the most recently applied packet.
func (c *Client) LastFrame() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastFrame
}

// LastError returns the most recent failure, including non-fatal ones such
// as unresolved bone references. It is cleared by a successful Connect.
func (c *Client) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

func (c *Client) setLastErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastErr = err
}

// SessionID identifies the current streaming session, or is empty.
func (c *Client) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// Snapshot returns a deep copy of the current data.
func (c *Client) Snapshot() record.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap.Clone()
}

// Body looks up a rigid body by name.
func (c *Client) Body(name string) (record.TrackedBody, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if i, ok := c.bodyIdx[name]; ok {
		return c.snap.Bodies[i], true
	}
	return record.TrackedBody{}, false
}

// Marker looks up a labeled marker.
func (c *Client) Marker(label string) (record.LabeledMarker, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if i, ok := c.markerIdx[label]; ok {
		return c.snap.Markers[i], true
	}
	return record.LabeledMarker{}, false
}

// Frequency returns the server's capture frequency in Hz. When not streaming
// it returns record.ErrNotConnected.
func (c *Client) Frequency(ctx context.Context) (int, error) {
	if c.State() != Streaming {
		return 0, &record.ProtocolError{Op: "frequency", Err: record.ErrNotConnected}
	}
	c.mu.RLock()
	freq, conn := c.general.Frequency, c.conn
	c.mu.RUnlock()
	if freq > 0 {
		return freq, nil
	}
	if conn == nil {
		return 0, &record.ProtocolError{Op: "frequency", Err: record.ErrNotConnected}
	}
	general, err := conn.GeneralSettings(ctx)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	if c.conn == conn {
		c.general = general
	}
	c.mu.Unlock()
	return general.Frequency, nil
}

// Transform returns the transform derived at the last settings load.
func (c *Client) Transform() transform.Transform {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.xform
}

func newSessionID() string { return uuid.NewString() }
