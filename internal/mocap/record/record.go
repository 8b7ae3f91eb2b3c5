// Package record defines the typed records that a wire codec produces from raw
// motion-capture payloads, and the consumer-visible snapshot they are applied to.
package record

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// StandardBasePort is the default control port of a tracking server.
const StandardBasePort = 22222

// Vec3 is a position or direction in either source or target coordinates.
type Vec3 struct {
	X, Y, Z float64
}

// Quat is a rotation quaternion with the vector part first.
type Quat struct {
	X, Y, Z, W float64
}

// IdentityQuat is the zero rotation.
var IdentityQuat = Quat{W: 1}

// Color is a normalised RGBA colour.
type Color struct {
	R, G, B, A float64
}

// ColorFromRGB unpacks a server colour word (red in the low byte) into a
// normalised opaque colour.
func ColorFromRGB(rgb uint32) Color {
	return Color{
		R: float64(rgb&0xFF) / 255,
		G: float64((rgb>>8)&0xFF) / 255,
		B: float64((rgb>>16)&0xFF) / 255,
		A: 1,
	}
}

// TrackedBody is a rigid body with six degrees of freedom.
type TrackedBody struct {
	Name     string
	Position Vec3
	Rotation Quat
	Color    Color
}

// LabeledMarker is a single named point.
type LabeledMarker struct {
	Label    string
	Position Vec3
	Color    Color
}

// NoMarker marks a bone end that does not resolve to a labeled marker.
const NoMarker = -1

// Bone connects two labeled markers. FromMarker and ToMarker index into
// Snapshot.Markers, or hold NoMarker.
type Bone struct {
	From       string
	To         string
	FromMarker int
	ToMarker   int
	Color      Color
}

// GazeVector is an eye-tracking origin and look direction.
type GazeVector struct {
	Name      string
	Position  Vec3
	Direction Vec3
}

// Snapshot is the consumer-visible state of a stream.
type Snapshot struct {
	Bodies      []TrackedBody
	Markers     []LabeledMarker
	Bones       []Bone
	GazeVectors []GazeVector
}

// Clear empties every list.
func (s *Snapshot) Clear() {
	s.Bodies = nil
	s.Markers = nil
	s.Bones = nil
	s.GazeVectors = nil
}

// Clone returns a deep copy that shares no backing arrays with s.
func (s *Snapshot) Clone() Snapshot {
	return Snapshot{
		Bodies:      append([]TrackedBody(nil), s.Bodies...),
		Markers:     append([]LabeledMarker(nil), s.Markers...),
		Bones:       append([]Bone(nil), s.Bones...),
		GazeVectors: append([]GazeVector(nil), s.GazeVectors...),
	}
}

// IsEmpty reports whether all lists are empty.
func (s Snapshot) IsEmpty() bool {
	return len(s.Bodies) == 0 && len(s.Markers) == 0 && len(s.Bones) == 0 && len(s.GazeVectors) == 0
}

// Target addresses a tracking server's control port.
type Target struct {
	Host string
	Port int
}

// Address returns host:port.
func (t Target) Address() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

func (t Target) String() string { return t.Address() }

// DiscoveryEntry is one server found by a broadcast probe.
type DiscoveryEntry struct {
	HostName    string
	Address     string
	Port        int
	CameraCount int
	InfoText    string
}

// Target returns the control address of the discovered server.
func (d DiscoveryEntry) Target() Target {
	return Target{Host: d.Address, Port: d.Port}
}

func (d DiscoveryEntry) String() string {
	return fmt.Sprintf("%s (%s:%d, %d cameras)", d.HostName, d.Address, d.Port, d.CameraCount)
}

// LocalhostEntry is appended to every discovery result.
func LocalhostEntry() DiscoveryEntry {
	return DiscoveryEntry{
		HostName: "Localhost",
		Address:  "127.0.0.1",
		Port:     StandardBasePort,
	}
}

// Session describes one connection to a tracking server, from stream start
// to disconnect. It is what the session journal persists.
type Session struct {
	ID         string
	Target     Target
	Version    string
	UDPPort    int
	Components []string
	StartedAt  time.Time
	EndedAt    time.Time
	EndReason  string
}
