package record

import "fmt"

// PacketType identifies a framed message on either transport.
type PacketType uint32

const (
	PacketError    PacketType = 0
	PacketCommand  PacketType = 1
	PacketXML      PacketType = 2
	PacketData     PacketType = 3
	PacketNone     PacketType = 4
	PacketC3D      PacketType = 5
	PacketEvent    PacketType = 6
	PacketDiscover PacketType = 7
	PacketQTMFile  PacketType = 8
)

func (p PacketType) String() string {
	switch p {
	case PacketError:
		return "error"
	case PacketCommand:
		return "command"
	case PacketXML:
		return "xml"
	case PacketData:
		return "data"
	case PacketNone:
		return "none"
	case PacketC3D:
		return "c3d"
	case PacketEvent:
		return "event"
	case PacketDiscover:
		return "discover"
	case PacketQTMFile:
		return "qtmfile"
	default:
		return fmt.Sprintf("packet(%d)", uint32(p))
	}
}

// ComponentType identifies a data component inside a data packet.
type ComponentType uint32

const (
	Component3D              ComponentType = 1
	Component3DNoLabels      ComponentType = 2
	Component6D              ComponentType = 5
	Component6DEuler         ComponentType = 6
	Component3DResidual      ComponentType = 9
	Component6DResidual      ComponentType = 11
	Component6DEulerResidual ComponentType = 12
	ComponentGazeVector      ComponentType = 16
)

// StreamName is the token used for the component in stream commands.
func (c ComponentType) StreamName() string {
	switch c {
	case Component3D:
		return "3D"
	case Component3DNoLabels:
		return "3DNoLabels"
	case Component6D:
		return "6D"
	case Component6DEuler:
		return "6DEuler"
	case Component3DResidual:
		return "3DRes"
	case Component6DResidual:
		return "6DRes"
	case Component6DEulerResidual:
		return "6DEulerRes"
	case ComponentGazeVector:
		return "GazeVector"
	default:
		return ""
	}
}

func (c ComponentType) String() string {
	if n := c.StreamName(); n != "" {
		return n
	}
	return fmt.Sprintf("component(%d)", uint32(c))
}

// ParseComponentType accepts the stream command token for a component.
func ParseComponentType(s string) (ComponentType, error) {
	for _, c := range []ComponentType{
		Component3D, Component3DNoLabels, Component6D, Component6DEuler,
		Component3DResidual, Component6DResidual, Component6DEulerResidual, ComponentGazeVector,
	} {
		if c.StreamName() == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown component type %q", s)
}

// Event is a server notification carried in an event packet.
type Event uint8

const (
	EventConnected           Event = 1
	EventConnectionClosed    Event = 2
	EventCaptureStarted      Event = 3
	EventCaptureStopped      Event = 4
	EventCaptureFetching     Event = 5
	EventCalibrationStarted  Event = 6
	EventCalibrationStopped  Event = 7
	EventRTFromFileStarted   Event = 8
	EventRTFromFileStopped   Event = 9
	EventWaitingForTrigger   Event = 10
	EventCameraSettings      Event = 11
	EventQTMShuttingDown     Event = 12
	EventCaptureSaved        Event = 13
	EventReprocessingStarted Event = 14
	EventReprocessingStopped Event = 15
	EventTrigger             Event = 16
)

var eventNames = map[Event]string{
	EventConnected:           "Connected",
	EventConnectionClosed:    "ConnectionClosed",
	EventCaptureStarted:      "CaptureStarted",
	EventCaptureStopped:      "CaptureStopped",
	EventCaptureFetching:     "CaptureFetching",
	EventCalibrationStarted:  "CalibrationStarted",
	EventCalibrationStopped:  "CalibrationStopped",
	EventRTFromFileStarted:   "RTFromFileStarted",
	EventRTFromFileStopped:   "RTFromFileStopped",
	EventWaitingForTrigger:   "WaitingForTrigger",
	EventCameraSettings:      "CameraSettingsChanged",
	EventQTMShuttingDown:     "QTMShuttingDown",
	EventCaptureSaved:        "CaptureSaved",
	EventReprocessingStarted: "ReprocessingStarted",
	EventReprocessingStopped: "ReprocessingStopped",
	EventTrigger:             "Trigger",
}

func (e Event) String() string {
	if n, ok := eventNames[e]; ok {
		return n
	}
	return fmt.Sprintf("event(%d)", uint8(e))
}

// ReloadsSettings reports whether the data schema may have changed.
func (e Event) ReloadsSettings() bool {
	switch e {
	case EventConnected, EventCaptureStarted, EventCalibrationStarted, EventRTFromFileStarted:
		return true
	}
	return false
}

// EndsSession reports whether the server is going away.
func (e Event) EndsSession() bool {
	return e == EventConnectionClosed || e == EventQTMShuttingDown
}

// Component is one decoded record of a packet. The set of implementations is
// closed: MarkerComponent, BodyComponent, GazeComponent and EventComponent.
type Component interface {
	ComponentType() ComponentType
	isComponent()
}

// MarkerSample is one raw 3D point in source units.
type MarkerSample struct {
	Position Vec3
	ID       uint32
	Residual float64
}

// MarkerComponent carries 3D points, labeled in settings order unless
// Labeled is false.
type MarkerComponent struct {
	Type    ComponentType
	Labeled bool
	Markers []MarkerSample
}

// BodySample is one raw rigid body in source units.
type BodySample struct {
	Position Vec3
	Rotation Quat
	Residual float64
}

// BodyComponent carries rigid bodies in settings order.
type BodyComponent struct {
	Type   ComponentType
	Bodies []BodySample
}

// GazeSample is the latest sample of one gaze vector. Valid is false when
// the vector carried no samples in this packet.
type GazeSample struct {
	Position  Vec3
	Direction Vec3
	Valid     bool
}

// GazeComponent carries gaze vectors in settings order.
type GazeComponent struct {
	Vectors []GazeSample
}

// EventComponent is the body of an event packet.
type EventComponent struct {
	Event Event
}

func (c *MarkerComponent) ComponentType() ComponentType { return c.Type }
func (c *BodyComponent) ComponentType() ComponentType   { return c.Type }
func (c *GazeComponent) ComponentType() ComponentType   { return ComponentGazeVector }
func (c *EventComponent) ComponentType() ComponentType  { return 0 }

func (*MarkerComponent) isComponent() {}
func (*BodyComponent) isComponent()   {}
func (*GazeComponent) isComponent()   {}
func (*EventComponent) isComponent()  {}

// Packet is a decoded payload.
type Packet struct {
	Type       PacketType
	Timestamp  uint64 // microseconds
	Frame      uint32
	Components []Component
}

// Codec turns a raw datagram into a typed packet.
type Codec interface {
	Decode(data []byte) (*Packet, error)
}

// CodecFunc adapts a function to Codec.
type CodecFunc func(data []byte) (*Packet, error)

// Decode calls f.
func (f CodecFunc) Decode(data []byte) (*Packet, error) { return f(data) }
