package record

import (
	"errors"
	"fmt"
)

var (
	// ErrVersionRejected is returned when the server refuses a protocol version.
	ErrVersionRejected = errors.New("protocol version rejected")
	// ErrConnectionRejected is returned when neither the primary nor the
	// fallback protocol version was accepted.
	ErrConnectionRejected = errors.New("connection rejected")
	// ErrNotConnected is returned by operations that need a live control channel.
	ErrNotConnected = errors.New("not connected")
	// ErrCommandFailed is returned when the server answers a command with an
	// error packet.
	ErrCommandFailed = errors.New("command failed")

	// ErrIndexOutOfRange marks live data referencing an entry the settings
	// did not declare.
	ErrIndexOutOfRange = errors.New("index out of range")
	// ErrLengthMismatch marks live data carrying fewer entries than declared.
	ErrLengthMismatch = errors.New("length mismatch")
	// ErrUnresolvedBone marks a bone whose end label is not a known marker.
	ErrUnresolvedBone = errors.New("unresolved bone reference")

	// ErrShortBuffer marks a payload that ends before a declared field.
	ErrShortBuffer = errors.New("short buffer")
	// ErrBadSize marks a size field that disagrees with the payload.
	ErrBadSize = errors.New("bad size field")
	// ErrUnexpectedPacket marks a packet type that is not valid where it arrived.
	ErrUnexpectedPacket = errors.New("unexpected packet type")
)

// TransportError wraps socket bind, dial, read and write failures.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError wraps handshake and settings failures.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// DataConsistencyError reports live data that disagrees with the loaded
// settings. Index is the offending entry, Want the declared count and Got the
// count or reference seen.
type DataConsistencyError struct {
	Component string
	Index     int
	Want      int
	Got       int
	Err       error
}

func (e *DataConsistencyError) Error() string {
	switch {
	case errors.Is(e.Err, ErrIndexOutOfRange):
		return fmt.Sprintf("%s: index %d out of range (declared %d)", e.Component, e.Index, e.Want)
	case errors.Is(e.Err, ErrLengthMismatch):
		return fmt.Sprintf("%s: got %d entries, declared %d", e.Component, e.Got, e.Want)
	default:
		return fmt.Sprintf("%s[%d]: %v", e.Component, e.Index, e.Err)
	}
}

func (e *DataConsistencyError) Unwrap() error { return e.Err }

// DecodeError reports a malformed payload.
type DecodeError struct {
	Offset int
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode at offset %d: %v", e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
