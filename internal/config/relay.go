// Package config loads the relay configuration.
//
// Every field is optional: a nil field means "use the default", which the
// Get* accessors supply. Values come from a config file (JSON, YAML or TOML,
// chosen by extension) overlaid with MOCAP_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/banshee-data/mocap.relay/internal/mocap/control"
	"github.com/banshee-data/mocap.relay/internal/mocap/record"
	"github.com/banshee-data/mocap.relay/internal/mocap/rtclient"
	"github.com/banshee-data/mocap.relay/internal/mocap/transform"
)

// EnvPrefix prefixes environment overrides, e.g. MOCAP_SERVER_HOST.
const EnvPrefix = "MOCAP"

// RelayConfig is the relay configuration.
type RelayConfig struct {
	// Tracking server
	ServerHost      *string `json:"server_host,omitempty" mapstructure:"server_host"`
	ServerPort      *int    `json:"server_port,omitempty" mapstructure:"server_port"`
	ProtocolVersion *string `json:"protocol_version,omitempty" mapstructure:"protocol_version"`
	FallbackVersion *string `json:"fallback_version,omitempty" mapstructure:"fallback_version"`
	CommandTimeout  *string `json:"command_timeout,omitempty" mapstructure:"command_timeout"` // duration string like "3s"

	// Stream
	StreamPort    *int    `json:"stream_port,omitempty" mapstructure:"stream_port"`
	StreamRate    *string `json:"stream_rate,omitempty" mapstructure:"stream_rate"`
	StreamBodies  *bool   `json:"stream_bodies,omitempty" mapstructure:"stream_bodies"`
	StreamMarkers *bool   `json:"stream_markers,omitempty" mapstructure:"stream_markers"`
	StreamGaze    *bool   `json:"stream_gaze,omitempty" mapstructure:"stream_gaze"`
	BodyComponent *string `json:"body_component,omitempty" mapstructure:"body_component"`
	ReadTimeout   *string `json:"read_timeout,omitempty" mapstructure:"read_timeout"`
	RcvBuf        *int    `json:"rcvbuf,omitempty" mapstructure:"rcvbuf"`
	TickInterval  *string `json:"tick_interval,omitempty" mapstructure:"tick_interval"`

	// Discovery
	DiscoveryWindow  *string `json:"discovery_window,omitempty" mapstructure:"discovery_window"`
	ReplyPort        *int    `json:"reply_port,omitempty" mapstructure:"reply_port"`
	BroadcastAddress *string `json:"broadcast_address,omitempty" mapstructure:"broadcast_address"`

	// Consumer coordinates
	TargetUpAxis     *string  `json:"target_up_axis,omitempty" mapstructure:"target_up_axis"`
	TargetHandedness *string  `json:"target_handedness,omitempty" mapstructure:"target_handedness"`
	TargetMirrorAxis *string  `json:"target_mirror_axis,omitempty" mapstructure:"target_mirror_axis"`
	UnitScale        *float64 `json:"unit_scale,omitempty" mapstructure:"unit_scale"`

	// Sinks and diagnostics
	JournalPath   *string `json:"journal_path,omitempty" mapstructure:"journal_path"`
	GRPCListen    *string `json:"grpc_listen,omitempty" mapstructure:"grpc_listen"`
	WSListen      *string `json:"ws_listen,omitempty" mapstructure:"ws_listen"`
	LogLevel      *string `json:"log_level,omitempty" mapstructure:"log_level"`
	OSCPort       *int    `json:"osc_port,omitempty" mapstructure:"osc_port"`
	StatsInterval *string `json:"stats_interval,omitempty" mapstructure:"stats_interval"`
}

// keys lists every configuration key, for environment binding.
var keys = []string{
	"server_host", "server_port", "protocol_version", "fallback_version", "command_timeout",
	"stream_port", "stream_rate", "stream_bodies", "stream_markers", "stream_gaze",
	"body_component", "read_timeout", "rcvbuf", "tick_interval",
	"discovery_window", "reply_port", "broadcast_address",
	"target_up_axis", "target_handedness", "target_mirror_axis", "unit_scale",
	"journal_path", "grpc_listen", "ws_listen", "log_level", "osc_port", "stats_interval",
}

// Helper functions to create pointers
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }
func ptrFloat64(v float64) *float64 { return &v }

// Load reads path (if non-empty) and applies environment overrides, then
// validates the result.
func Load(path string) (*RelayConfig, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, k := range keys {
		if err := v.BindEnv(k); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", k, err)
		}
	}

	if path != "" {
		cleanPath := filepath.Clean(path)
		fileInfo, err := os.Stat(cleanPath)
		if err != nil {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
		const maxFileSize = 1 * 1024 * 1024 // 1MB
		if fileInfo.Size() > maxFileSize {
			return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
		}
		v.SetConfigFile(cleanPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &RelayConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func checkDuration(name string, s *string) error {
	if s == nil || *s == "" {
		return nil
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return fmt.Errorf("invalid %s '%s': %w", name, *s, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s must be positive, got %s", name, *s)
	}
	return nil
}

func checkPort(name string, p *int, allowZero bool) error {
	if p == nil {
		return nil
	}
	if *p < 0 || *p > 65535 || (*p == 0 && !allowZero) {
		return fmt.Errorf("%s out of range: %d", name, *p)
	}
	return nil
}

// Validate checks that the configuration values are valid.
func (c *RelayConfig) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	add(checkPort("server_port", c.ServerPort, false))
	add(checkPort("stream_port", c.StreamPort, true))
	add(checkPort("osc_port", c.OSCPort, false))
	if c.ReplyPort != nil && *c.ReplyPort != 0 {
		add(checkPort("reply_port", c.ReplyPort, false))
	}

	for name, s := range map[string]*string{
		"command_timeout":  c.CommandTimeout,
		"read_timeout":     c.ReadTimeout,
		"tick_interval":    c.TickInterval,
		"discovery_window": c.DiscoveryWindow,
		"stats_interval":   c.StatsInterval,
	} {
		add(checkDuration(name, s))
	}

	if _, err := rtclient.ParseVersion(c.GetProtocolVersion()); err != nil {
		add(fmt.Errorf("protocol_version: %w", err))
	}
	if _, err := rtclient.ParseVersion(c.GetFallbackVersion()); err != nil {
		add(fmt.Errorf("fallback_version: %w", err))
	}
	if _, err := c.bodyComponent(); err != nil {
		add(err)
	}
	if _, err := c.targetConvention(); err != nil {
		add(err)
	}
	if c.UnitScale != nil && !(*c.UnitScale > 0) {
		add(fmt.Errorf("unit_scale must be positive, got %v", *c.UnitScale))
	}
	if c.RcvBuf != nil && *c.RcvBuf < 0 {
		add(fmt.Errorf("rcvbuf must be non-negative, got %d", *c.RcvBuf))
	}
	if !c.GetStreamBodies() && !c.GetStreamMarkers() && !c.GetStreamGaze() {
		add(errors.New("at least one of stream_bodies, stream_markers or stream_gaze must be enabled"))
	}
	if c.BroadcastAddress != nil && *c.BroadcastAddress != "" {
		if _, _, err := net.SplitHostPort(*c.BroadcastAddress); err != nil {
			add(fmt.Errorf("invalid broadcast_address: %w", err))
		}
	}
	return errors.Join(errs...)
}

func durationOr(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil || d <= 0 {
		return def // default on parse error
	}
	return d
}

// GetServerHost returns the server host; empty means "discover".
func (c *RelayConfig) GetServerHost() string {
	if c.ServerHost == nil {
		return ""
	}
	return *c.ServerHost
}

// GetServerPort returns the control port or the standard base port.
func (c *RelayConfig) GetServerPort() int {
	if c.ServerPort == nil {
		return record.StandardBasePort
	}
	return *c.ServerPort
}

// GetProtocolVersion returns the preferred protocol version.
func (c *RelayConfig) GetProtocolVersion() string {
	if c.ProtocolVersion == nil {
		return rtclient.DefaultPrimaryVersion.String()
	}
	return *c.ProtocolVersion
}

// GetFallbackVersion returns the version tried after a rejection.
func (c *RelayConfig) GetFallbackVersion() string {
	if c.FallbackVersion == nil {
		return rtclient.DefaultFallbackVersion.String()
	}
	return *c.FallbackVersion
}

// GetCommandTimeout returns the command reply timeout.
func (c *RelayConfig) GetCommandTimeout() time.Duration {
	return durationOr(c.CommandTimeout, 3*time.Second)
}

// GetStreamPort returns the local stream port; 0 picks a free port.
func (c *RelayConfig) GetStreamPort() int {
	if c.StreamPort == nil {
		return 0
	}
	return *c.StreamPort
}

// GetStreamRate returns the StreamFrames rate argument.
func (c *RelayConfig) GetStreamRate() string {
	if c.StreamRate == nil || *c.StreamRate == "" {
		return "AllFrames"
	}
	return *c.StreamRate
}

// GetStreamBodies returns whether rigid bodies are streamed (default true).
func (c *RelayConfig) GetStreamBodies() bool {
	if c.StreamBodies == nil {
		return true
	}
	return *c.StreamBodies
}

// GetStreamMarkers returns whether labeled markers are streamed (default true).
func (c *RelayConfig) GetStreamMarkers() bool {
	if c.StreamMarkers == nil {
		return true
	}
	return *c.StreamMarkers
}

// GetStreamGaze returns whether gaze vectors are streamed (default false).
func (c *RelayConfig) GetStreamGaze() bool {
	if c.StreamGaze == nil {
		return false
	}
	return *c.StreamGaze
}

// GetBodyComponent returns the body component token.
func (c *RelayConfig) GetBodyComponent() string {
	if c.BodyComponent == nil || *c.BodyComponent == "" {
		return record.Component6D.StreamName()
	}
	return *c.BodyComponent
}

func (c *RelayConfig) bodyComponent() (record.ComponentType, error) {
	ct, err := record.ParseComponentType(c.GetBodyComponent())
	if err != nil {
		return 0, fmt.Errorf("body_component: %w", err)
	}
	switch ct {
	case record.Component6D, record.Component6DEuler, record.Component6DResidual, record.Component6DEulerResidual:
		return ct, nil
	}
	return 0, fmt.Errorf("body_component %q is not a rigid body component", c.GetBodyComponent())
}

// GetReadTimeout returns the stream socket read timeout.
func (c *RelayConfig) GetReadTimeout() time.Duration {
	return durationOr(c.ReadTimeout, 500*time.Millisecond)
}

// GetRcvBuf returns the socket receive buffer size; 0 keeps the OS default.
func (c *RelayConfig) GetRcvBuf() int {
	if c.RcvBuf == nil {
		return 1 << 20
	}
	return *c.RcvBuf
}

// GetTickInterval returns how often the relay polls for a frame.
func (c *RelayConfig) GetTickInterval() time.Duration {
	return durationOr(c.TickInterval, 10*time.Millisecond)
}

// GetDiscoveryWindow returns how long discovery collects responses.
func (c *RelayConfig) GetDiscoveryWindow() time.Duration {
	return durationOr(c.DiscoveryWindow, time.Second)
}

// GetReplyPort returns the discovery reply port; 0 picks a random one.
func (c *RelayConfig) GetReplyPort() int {
	if c.ReplyPort == nil {
		return 0
	}
	return *c.ReplyPort
}

// GetBroadcastAddress returns the discovery destination.
func (c *RelayConfig) GetBroadcastAddress() string {
	if c.BroadcastAddress == nil {
		return ""
	}
	return *c.BroadcastAddress
}

// GetUnitScale returns server units per consumer unit.
func (c *RelayConfig) GetUnitScale() float64 {
	if c.UnitScale == nil {
		return transform.MillimetresPerMetre
	}
	return *c.UnitScale
}

func (c *RelayConfig) targetConvention() (transform.Convention, error) {
	conv := transform.UnityTarget()
	var err error
	if c.TargetUpAxis != nil && *c.TargetUpAxis != "" {
		if conv.Up, err = transform.ParseAxis(*c.TargetUpAxis); err != nil {
			return conv, fmt.Errorf("target_up_axis: %w", err)
		}
	}
	if c.TargetHandedness != nil && *c.TargetHandedness != "" {
		if conv.Handedness, err = transform.ParseHandedness(*c.TargetHandedness); err != nil {
			return conv, fmt.Errorf("target_handedness: %w", err)
		}
	}
	if c.TargetMirrorAxis != nil && *c.TargetMirrorAxis != "" {
		if conv.Mirror, err = transform.ParseAxis(*c.TargetMirrorAxis); err != nil {
			return conv, fmt.Errorf("target_mirror_axis: %w", err)
		}
	}
	return conv, nil
}

// GetJournalPath returns the session journal path; empty disables it.
func (c *RelayConfig) GetJournalPath() string {
	if c.JournalPath == nil {
		return "mocap-relay.db"
	}
	return *c.JournalPath
}

// GetGRPCListen returns the gRPC feed address; empty disables it.
func (c *RelayConfig) GetGRPCListen() string {
	if c.GRPCListen == nil {
		return "localhost:50061"
	}
	return *c.GRPCListen
}

// GetWSListen returns the WebSocket/HTTP feed address; empty disables it.
func (c *RelayConfig) GetWSListen() string {
	if c.WSListen == nil {
		return "localhost:8090"
	}
	return *c.WSListen
}

// GetLogLevel returns the log level name.
func (c *RelayConfig) GetLogLevel() string {
	if c.LogLevel == nil || *c.LogLevel == "" {
		return "info"
	}
	return *c.LogLevel
}

// GetOSCPort returns the OSC listen port.
func (c *RelayConfig) GetOSCPort() int {
	if c.OSCPort == nil {
		return 8080
	}
	return *c.OSCPort
}

// GetStatsInterval returns how often packet statistics are logged.
func (c *RelayConfig) GetStatsInterval() time.Duration {
	return durationOr(c.StatsInterval, 10*time.Second)
}

// Target returns the configured server address, or false when the relay
// should discover one.
func (c *RelayConfig) Target() (record.Target, bool) {
	if c.GetServerHost() == "" {
		return record.Target{}, false
	}
	return record.Target{Host: c.GetServerHost(), Port: c.GetServerPort()}, true
}

// Capabilities returns the requested stream components.
func (c *RelayConfig) Capabilities() rtclient.Capabilities {
	return rtclient.Capabilities{
		Bodies:  c.GetStreamBodies(),
		Markers: c.GetStreamMarkers(),
		Gaze:    c.GetStreamGaze(),
	}
}

// ClientConfig builds the streaming client configuration. Call Validate first.
func (c *RelayConfig) ClientConfig() (rtclient.Config, error) {
	cfg := rtclient.DefaultConfig()
	var err error
	if cfg.Target, err = c.targetConvention(); err != nil {
		return cfg, err
	}
	if cfg.PrimaryVersion, err = rtclient.ParseVersion(c.GetProtocolVersion()); err != nil {
		return cfg, err
	}
	if cfg.FallbackVersion, err = rtclient.ParseVersion(c.GetFallbackVersion()); err != nil {
		return cfg, err
	}
	if cfg.BodyComponent, err = c.bodyComponent(); err != nil {
		return cfg, err
	}
	cfg.UnitScale = c.GetUnitScale()
	cfg.Rate = c.GetStreamRate()
	cfg.ReadTimeout = c.GetReadTimeout()
	cfg.RcvBuf = c.GetRcvBuf()
	cfg.CommandTimeout = c.GetCommandTimeout()
	return cfg, nil
}

// DiscoverConfig builds the discovery probe configuration.
func (c *RelayConfig) DiscoverConfig() control.DiscoverConfig {
	return control.DiscoverConfig{
		ReplyPort:        uint16(c.GetReplyPort()),
		BroadcastAddress: c.GetBroadcastAddress(),
		Window:           c.GetDiscoveryWindow(),
	}
}

// ControlOptions builds the control connection options.
func (c *RelayConfig) ControlOptions() []control.Option {
	return []control.Option{
		control.WithCommandTimeout(c.GetCommandTimeout()),
	}
}
