// Package control implements the command side of the real-time protocol: a
// TCP client for version negotiation, settings queries and stream control,
// and the UDP discovery broadcast.
package control

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/banshee-data/mocap.relay/internal/mocap/record"
	"github.com/banshee-data/mocap.relay/internal/mocap/wire"
	"github.com/banshee-data/mocap.relay/internal/monitoring"
)

const (
	// WelcomeMessage is the first packet a server sends on a new connection.
	WelcomeMessage = "QTM RT Interface connected"

	defaultDialTimeout    = 5 * time.Second
	defaultCommandTimeout = 3 * time.Second
	defaultStreamAckWait  = 100 * time.Millisecond
	defaultEventBuffer    = 32
)

// Stream rates accepted by StartStream.
const (
	RateAllFrames = "AllFrames"
)

// RateFrequency streams at a fixed frequency in Hz.
func RateFrequency(hz int) string { return fmt.Sprintf("Frequency:%d", hz) }

// RateFrequencyDivisor streams every n-th frame.
func RateFrequencyDivisor(n int) string { return fmt.Sprintf("FrequencyDivisor:%d", n) }

type packet struct {
	typ  record.PacketType
	body []byte
}

// Option configures a Client.
type Option func(*Client)

// WithCommandTimeout bounds the wait for each command reply.
func WithCommandTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.commandTimeout = d
		}
	}
}

// WithDialTimeout bounds the TCP connect and the welcome message.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.dialTimeout = d
		}
	}
}

// WithStreamAckWait sets how long StartStream waits for an error reply
// before treating the silent server as having accepted the command.
func WithStreamAckWait(d time.Duration) Option {
	return func(c *Client) {
		if d >= 0 {
			c.streamAckWait = d
		}
	}
}

// Client is a connection to a server's command port. A reader goroutine
// separates event packets from command replies; commands are serialised.
type Client struct {
	conn           net.Conn
	target         record.Target
	dialTimeout    time.Duration
	commandTimeout time.Duration
	streamAckWait  time.Duration
	log            *logrus.Entry

	cmdMu     sync.Mutex
	responses chan packet
	events    chan record.Event
	done      chan struct{}
	closeOnce sync.Once

	errMu   sync.Mutex
	readErr error
}

// Dial connects to target and waits for the welcome message.
func Dial(ctx context.Context, target record.Target, opts ...Option) (*Client, error) {
	c := &Client{
		target:         target,
		dialTimeout:    defaultDialTimeout,
		commandTimeout: defaultCommandTimeout,
		streamAckWait:  defaultStreamAckWait,
		responses:      make(chan packet, 8),
		events:         make(chan record.Event, defaultEventBuffer),
		done:           make(chan struct{}),
		log:            monitoring.Component("control").WithField("target", target.Address()),
	}
	for _, opt := range opts {
		opt(c)
	}

	d := net.Dialer{Timeout: c.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", target.Address())
	if err != nil {
		return nil, &record.TransportError{Op: "dial", Err: err}
	}
	c.conn = conn
	go c.readLoop()

	ctx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()
	welcome, err := c.await(ctx)
	if err != nil {
		c.Close()
		return nil, err
	}
	if welcome.typ != record.PacketCommand || wire.DecodeString(welcome.body) != WelcomeMessage {
		c.Close()
		return nil, &record.ProtocolError{
			Op:  "welcome",
			Err: fmt.Errorf("%w: %s %q", record.ErrUnexpectedPacket, welcome.typ, wire.DecodeString(welcome.body)),
		}
	}
	c.log.Debug("connected")
	return c, nil
}

func (c *Client) readLoop() {
	defer c.closeDone()
	for {
		typ, body, err := wire.ReadPacket(c.conn)
		if err != nil {
			c.setErr(err)
			return
		}
		switch typ {
		case record.PacketEvent:
			if len(body) == 0 {
				continue
			}
			ev := record.Event(body[0])
			select {
			case c.events <- ev:
			default:
				c.log.WithField("event", ev).Warn("event buffer full, dropping event")
			}
		case record.PacketNone:
		default:
			select {
			case c.responses <- packet{typ: typ, body: body}:
			case <-c.done:
				return
			}
		}
	}
}

func (c *Client) setErr(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.readErr == nil {
		c.readErr = err
	}
}

// Err returns the error that ended the connection, if any.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.readErr
}

func (c *Client) closedErr() error {
	if err := c.Err(); err != nil {
		return err
	}
	return net.ErrClosed
}

func (c *Client) closeDone() {
	c.closeOnce.Do(func() { close(c.done) })
}

// await returns the next command reply.
func (c *Client) await(ctx context.Context) (packet, error) {
	select {
	case p := <-c.responses:
		return p, nil
	case <-c.done:
		return packet{}, &record.TransportError{Op: "read", Err: c.closedErr()}
	case <-ctx.Done():
		return packet{}, &record.TransportError{Op: "read", Err: ctx.Err()}
	}
}

func (c *Client) send(cmd string) error {
	select {
	case <-c.done:
		return &record.TransportError{Op: "write", Err: record.ErrNotConnected}
	default:
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.commandTimeout)); err != nil {
		return &record.TransportError{Op: "write", Err: err}
	}
	if _, err := c.conn.Write(wire.EncodeCommand(cmd)); err != nil {
		return &record.TransportError{Op: "write", Err: err}
	}
	return nil
}

// drain discards replies left over from an earlier timed-out command.
func (c *Client) drain() {
	for {
		select {
		case p := <-c.responses:
			c.log.WithField("type", p.typ).Debug("discarding stale reply")
		default:
			return
		}
	}
}

// Command sends cmd and returns the reply packet.
func (c *Client) Command(ctx context.Context, cmd string) (record.PacketType, string, error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	c.drain()
	if err := c.send(cmd); err != nil {
		return 0, "", err
	}
	ctx, cancel := context.WithTimeout(ctx, c.commandTimeout)
	defer cancel()
	p, err := c.await(ctx)
	if err != nil {
		return 0, "", err
	}
	return p.typ, wire.DecodeString(p.body), nil
}

// Handshake requests protocol version major.minor. A refusal is reported as
// a *record.ProtocolError wrapping record.ErrVersionRejected.
func (c *Client) Handshake(ctx context.Context, major, minor int) error {
	version := fmt.Sprintf("%d.%d", major, minor)
	typ, text, err := c.Command(ctx, "Version "+version)
	if err != nil {
		return err
	}
	if typ == record.PacketCommand && strings.HasPrefix(text, "Version set to "+version) {
		c.log.WithField("version", version).Info("protocol version accepted")
		return nil
	}
	return &record.ProtocolError{Op: "handshake", Err: fmt.Errorf("%w: %s: %s", record.ErrVersionRejected, version, text)}
}

// Parameters fetches a settings document for the named sections.
func (c *Client) Parameters(ctx context.Context, sections ...string) ([]byte, error) {
	typ, text, err := c.Command(ctx, "GetParameters "+strings.Join(sections, " "))
	if err != nil {
		return nil, err
	}
	switch typ {
	case record.PacketXML:
		return []byte(text), nil
	case record.PacketError:
		return nil, &record.ProtocolError{Op: "settings", Err: fmt.Errorf("%w: %s", record.ErrCommandFailed, text)}
	default:
		return nil, &record.ProtocolError{Op: "settings", Err: fmt.Errorf("%w: %s", record.ErrUnexpectedPacket, typ)}
	}
}

func settings[T any](ctx context.Context, c *Client, section string, parse func([]byte) (T, error)) (T, error) {
	var zero T
	doc, err := c.Parameters(ctx, section)
	if err != nil {
		return zero, err
	}
	s, err := parse(doc)
	if err != nil {
		return zero, &record.ProtocolError{Op: "settings " + section, Err: err}
	}
	return s, nil
}

// GeneralSettings fetches the general parameters.
func (c *Client) GeneralSettings(ctx context.Context) (record.GeneralSettings, error) {
	return settings(ctx, c, "General", wire.ParseGeneralSettings)
}

// Settings3D fetches the labeled marker schema and up axis.
func (c *Client) Settings3D(ctx context.Context) (record.Settings3D, error) {
	return settings(ctx, c, "3D", wire.ParseSettings3D)
}

// Settings6DOF fetches the rigid body schema.
func (c *Client) Settings6DOF(ctx context.Context) (record.Settings6DOF, error) {
	return settings(ctx, c, "6D", wire.ParseSettings6DOF)
}

// SettingsGaze fetches the gaze vector schema.
func (c *Client) SettingsGaze(ctx context.Context) (record.SettingsGaze, error) {
	return settings(ctx, c, "GazeVector", wire.ParseSettingsGaze)
}

// StartStream asks the server to stream components to udpPort on this host.
// The server only replies on failure, so a short silence counts as success.
func (c *Client) StartStream(ctx context.Context, rate string, components []record.ComponentType, udpPort int) error {
	if len(components) == 0 {
		return &record.ProtocolError{Op: "stream", Err: errors.New("no components requested")}
	}
	names := make([]string, 0, len(components))
	for _, ct := range components {
		names = append(names, ct.StreamName())
	}
	cmd := fmt.Sprintf("StreamFrames %s UDP:%d %s", rate, udpPort, strings.Join(names, " "))

	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	c.drain()
	if err := c.send(cmd); err != nil {
		return err
	}
	timer := time.NewTimer(c.streamAckWait)
	defer timer.Stop()
	select {
	case p := <-c.responses:
		if p.typ == record.PacketError {
			return &record.ProtocolError{Op: "stream", Err: fmt.Errorf("%w: %s", record.ErrCommandFailed, wire.DecodeString(p.body))}
		}
		c.log.WithField("type", p.typ).Debug("unexpected reply to stream command")
	case <-c.done:
		return &record.TransportError{Op: "read", Err: c.closedErr()}
	case <-ctx.Done():
		return &record.TransportError{Op: "read", Err: ctx.Err()}
	case <-timer.C:
	}
	c.log.WithField("command", cmd).Info("stream started")
	return nil
}

// StopStream asks the server to stop streaming. There is no reply.
func (c *Client) StopStream(ctx context.Context) error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	return c.send("StreamFrames Stop")
}

// Events delivers server events in arrival order. Events arriving while the
// buffer is full are dropped.
func (c *Client) Events() <-chan record.Event { return c.events }

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Target returns the server address.
func (c *Client) Target() record.Target { return c.target }

// Close ends the connection. It is safe to call more than once.
func (c *Client) Close() error {
	c.closeDone()
	err := c.conn.Close()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return &record.TransportError{Op: "close", Err: err}
	}
	return nil
}
