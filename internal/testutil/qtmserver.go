package testutil

import (
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/banshee-data/mocap.relay/internal/mocap/record"
	"github.com/banshee-data/mocap.relay/internal/mocap/wire"
)

// FakeServer is an in-process real-time protocol server listening on the
// loopback interface. Configure the exported fields before calling Start.
type FakeServer struct {
	// Welcome replaces the greeting when set.
	Welcome string
	// Versions lists the protocol versions the server accepts. Defaults to 1.19.
	Versions []string

	General      *record.GeneralSettings
	Settings3D   *record.Settings3D
	Settings6DOF *record.Settings6DOF
	SettingsGaze *record.SettingsGaze

	// StreamError, when set, is returned as an error packet for StreamFrames.
	StreamError string

	ln net.Listener
	wg sync.WaitGroup

	mu         sync.Mutex
	conns      []net.Conn
	commands   []string
	streamPort int
	streaming  bool
	closed     bool
}

// Start begins accepting connections. The server is closed when the test ends.
func (s *FakeServer) Start(t testing.TB) *FakeServer {
	t.Helper()
	if s.Welcome == "" {
		s.Welcome = "QTM RT Interface connected"
	}
	if len(s.Versions) == 0 {
		s.Versions = []string{"1.19"}
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s.ln = ln
	s.wg.Add(1)
	go s.acceptLoop()
	t.Cleanup(s.Close)
	return s
}

// Target is the address clients should dial.
func (s *FakeServer) Target() record.Target {
	addr := s.ln.Addr().(*net.TCPAddr)
	return record.Target{Host: "127.0.0.1", Port: addr.Port}
}

// Commands returns every command received so far.
func (s *FakeServer) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Streaming reports whether a stream is active and the UDP port it targets.
func (s *FakeServer) Streaming() (bool, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streaming, s.streamPort
}

// SendEvent pushes an event packet to every connected client.
func (s *FakeServer) SendEvent(e record.Event) {
	s.broadcast(wire.EncodeEvent(e))
}

// SendFrame delivers a datagram to the active stream port.
func (s *FakeServer) SendFrame(data []byte) error {
	ok, port := s.Streaming()
	if !ok {
		return errors.New("not streaming")
	}
	conn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Write(data)
	return err
}

// DropConnections closes every client connection without closing the listener.
func (s *FakeServer) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
}

// Close stops the server.
func (s *FakeServer) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.ln.Close()
	s.DropConnections()
	s.wg.Wait()
}

func (s *FakeServer) broadcast(pkt []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Write(pkt)
	}
}

func (s *FakeServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *FakeServer) serve(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()
	if _, err := conn.Write(wire.EncodeCommand(s.Welcome)); err != nil {
		return
	}
	for {
		typ, body, err := wire.ReadPacket(conn)
		if err != nil {
			return
		}
		if typ != record.PacketCommand {
			continue
		}
		cmd := wire.DecodeString(body)
		s.mu.Lock()
		s.commands = append(s.commands, cmd)
		s.mu.Unlock()
		if reply := s.handle(cmd); reply != nil {
			if _, err := conn.Write(reply); err != nil {
				return
			}
		}
	}
}

func (s *FakeServer) handle(cmd string) []byte {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return wire.EncodeString(record.PacketError, "Parse error")
	}
	switch fields[0] {
	case "Version":
		if len(fields) == 2 {
			for _, v := range s.Versions {
				if v == fields[1] {
					return wire.EncodeCommand("Version set to " + v)
				}
			}
		}
		return wire.EncodeString(record.PacketError, "Version NOT supported")
	case "GetParameters":
		if len(fields) != 2 {
			return wire.EncodeString(record.PacketError, "Parse error")
		}
		var doc []byte
		switch fields[1] {
		case "General":
			if s.General != nil {
				doc = wire.MarshalGeneralSettings(*s.General)
			}
		case "3D":
			if s.Settings3D != nil {
				doc = wire.MarshalSettings3D(*s.Settings3D)
			}
		case "6D":
			if s.Settings6DOF != nil {
				doc = wire.MarshalSettings6DOF(*s.Settings6DOF)
			}
		case "GazeVector":
			if s.SettingsGaze != nil {
				doc = wire.MarshalSettingsGaze(*s.SettingsGaze)
			}
		}
		if doc == nil {
			return wire.EncodeString(record.PacketError, "Parameters not available")
		}
		return wire.EncodeString(record.PacketXML, string(doc))
	case "StreamFrames":
		if len(fields) == 2 && fields[1] == "Stop" {
			s.mu.Lock()
			s.streaming = false
			s.mu.Unlock()
			return nil
		}
		if s.StreamError != "" {
			return wire.EncodeString(record.PacketError, s.StreamError)
		}
		for _, f := range fields[1:] {
			if port, ok := strings.CutPrefix(f, "UDP:"); ok {
				p, err := strconv.Atoi(port)
				if err != nil {
					return wire.EncodeString(record.PacketError, "Parse error")
				}
				s.mu.Lock()
				s.streaming = true
				s.streamPort = p
				s.mu.Unlock()
				return nil
			}
		}
		return wire.EncodeString(record.PacketError, "TCP streaming not supported")
	default:
		return wire.EncodeString(record.PacketError, "Parse error")
	}
}

// DiscoveryResponder answers discovery probes on a loopback UDP port.
type DiscoveryResponder struct {
	conn *net.UDPConn
	wg   sync.WaitGroup
}

// NewDiscoveryResponder replies to every probe with text and basePort until
// the test ends.
func NewDiscoveryResponder(t testing.TB, text string, basePort uint16) *DiscoveryResponder {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	d := &DiscoveryResponder{conn: conn}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		buf := make([]byte, 512)
		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			port, err := wire.DecodeDiscoverRequest(buf[:n])
			if err != nil {
				continue
			}
			reply := wire.EncodeDiscoverResponse(text, basePort)
			// Answer twice so callers can check duplicates are collapsed.
			for range 2 {
				conn.WriteToUDP(reply, &net.UDPAddr{IP: from.IP, Port: int(port)})
			}
		}
	}()
	t.Cleanup(func() {
		conn.Close()
		d.wg.Wait()
	})
	return d
}

// Address is the probe destination.
func (d *DiscoveryResponder) Address() string {
	return d.conn.LocalAddr().String()
}
