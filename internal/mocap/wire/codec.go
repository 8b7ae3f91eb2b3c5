// Package wire implements the little-endian binary framing of the tracking
// server's real-time protocol: data, event, discovery, command and XML packets.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/banshee-data/mocap.relay/internal/mocap/record"
)

const (
	// HeaderSize is the size of the packet header: size u32, type u32.
	HeaderSize = 8
	// ComponentHeaderSize is the size of a data component header.
	ComponentHeaderSize = 8
	// dataPrefixSize covers timestamp u64, frame u32, component count u32.
	dataPrefixSize = 16
	// MaxPacketSize bounds packets read from a stream.
	MaxPacketSize = 16 << 20
)

var le = binary.LittleEndian

// Codec decodes data and event packets. It implements record.Codec.
type Codec struct{}

// NewCodec returns the default codec.
func NewCodec() *Codec { return &Codec{} }

// Decode parses one packet. Data packets are validated in full before any
// component is returned; unknown component types are skipped by size.
func (c *Codec) Decode(data []byte) (*record.Packet, error) {
	typ, body, err := SplitHeader(data)
	if err != nil {
		return nil, err
	}
	switch typ {
	case record.PacketData:
		return decodeData(body)
	case record.PacketEvent:
		if len(body) < 1 {
			return nil, &record.DecodeError{Offset: HeaderSize, Err: record.ErrShortBuffer}
		}
		return &record.Packet{
			Type:       record.PacketEvent,
			Components: []record.Component{&record.EventComponent{Event: record.Event(body[0])}},
		}, nil
	case record.PacketNone:
		return &record.Packet{Type: record.PacketNone}, nil
	default:
		return nil, &record.DecodeError{Offset: 4, Err: fmt.Errorf("%w: %s", record.ErrUnexpectedPacket, typ)}
	}
}

// SplitHeader validates the packet header and returns the type and body.
func SplitHeader(data []byte) (record.PacketType, []byte, error) {
	if len(data) < HeaderSize {
		return 0, nil, &record.DecodeError{Offset: len(data), Err: record.ErrShortBuffer}
	}
	size := le.Uint32(data[0:4])
	if size < HeaderSize || int(size) > len(data) {
		return 0, nil, &record.DecodeError{Offset: 0, Err: fmt.Errorf("%w: size %d, have %d bytes", record.ErrBadSize, size, len(data))}
	}
	return record.PacketType(le.Uint32(data[4:8])), data[HeaderSize:size], nil
}

// ReadPacket reads one framed packet from a stream transport.
func ReadPacket(r io.Reader) (record.PacketType, []byte, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	size := le.Uint32(hdr[0:4])
	if size < HeaderSize || size > MaxPacketSize {
		return 0, nil, &record.DecodeError{Offset: 0, Err: fmt.Errorf("%w: size %d", record.ErrBadSize, size)}
	}
	body := make([]byte, size-HeaderSize)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	return record.PacketType(le.Uint32(hdr[4:8])), body, nil
}

// reader walks a byte slice, remembering the first short read.
type reader struct {
	buf  []byte
	off  int
	base int
	err  error
}

func (r *reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if len(r.buf)-r.off < n {
		r.err = &record.DecodeError{Offset: r.base + r.off, Err: record.ErrShortBuffer}
		return false
	}
	return true
}

func (r *reader) u16() uint16 {
	if !r.need(2) {
		return 0
	}
	v := le.Uint16(r.buf[r.off:])
	r.off += 2
	return v
}

func (r *reader) u32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := le.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *reader) u64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := le.Uint64(r.buf[r.off:])
	r.off += 8
	return v
}

func (r *reader) f32() float64 {
	return float64(math.Float32frombits(r.u32()))
}

func (r *reader) vec3() record.Vec3 {
	return record.Vec3{X: r.f32(), Y: r.f32(), Z: r.f32()}
}

func decodeData(body []byte) (*record.Packet, error) {
	r := &reader{buf: body, base: HeaderSize}
	pkt := &record.Packet{
		Type:      record.PacketData,
		Timestamp: r.u64(),
		Frame:     r.u32(),
	}
	count := r.u32()
	if r.err != nil {
		return nil, r.err
	}
	for i := uint32(0); i < count; i++ {
		start := r.off
		size := r.u32()
		ctype := record.ComponentType(r.u32())
		if r.err != nil {
			return nil, r.err
		}
		if size < ComponentHeaderSize || int(size) > len(body)-start {
			return nil, &record.DecodeError{
				Offset: HeaderSize + start,
				Err:    fmt.Errorf("%w: component %s size %d, %d bytes left", record.ErrBadSize, ctype, size, len(body)-start),
			}
		}
		cr := &reader{buf: body[start+ComponentHeaderSize : start+int(size)], base: HeaderSize + start + ComponentHeaderSize}
		comp, err := decodeComponent(ctype, cr)
		if err != nil {
			return nil, err
		}
		if comp != nil {
			pkt.Components = append(pkt.Components, comp)
		}
		r.off = start + int(size)
	}
	return pkt, nil
}

func decodeComponent(ctype record.ComponentType, r *reader) (record.Component, error) {
	switch ctype {
	case record.Component3D, record.Component3DResidual, record.Component3DNoLabels:
		return decodeMarkers(ctype, r)
	case record.Component6D, record.Component6DResidual, record.Component6DEuler, record.Component6DEulerResidual:
		return decodeBodies(ctype, r)
	case record.ComponentGazeVector:
		return decodeGaze(r)
	default:
		return nil, nil
	}
}

func decodeMarkers(ctype record.ComponentType, r *reader) (record.Component, error) {
	n := r.u32()
	r.u16() // 2D drop rate
	r.u16() // 2D out of sync rate
	item := 12
	switch ctype {
	case record.Component3DResidual, record.Component3DNoLabels:
		item = 16
	}
	if r.err == nil && uint64(n)*uint64(item) > uint64(len(r.buf)-r.off) {
		return nil, &record.DecodeError{Offset: r.base + r.off, Err: fmt.Errorf("%w: %d markers", record.ErrShortBuffer, n)}
	}
	c := &record.MarkerComponent{Type: ctype, Labeled: ctype != record.Component3DNoLabels}
	if r.err == nil {
		c.Markers = make([]record.MarkerSample, n)
	}
	for i := range c.Markers {
		m := &c.Markers[i]
		m.Position = r.vec3()
		switch ctype {
		case record.Component3DResidual:
			m.Residual = r.f32()
		case record.Component3DNoLabels:
			m.ID = r.u32()
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	return c, nil
}

func decodeBodies(ctype record.ComponentType, r *reader) (record.Component, error) {
	n := r.u32()
	r.u16()
	r.u16()
	var item int
	switch ctype {
	case record.Component6D:
		item = 48
	case record.Component6DResidual:
		item = 52
	case record.Component6DEuler:
		item = 24
	case record.Component6DEulerResidual:
		item = 28
	}
	if r.err == nil && uint64(n)*uint64(item) > uint64(len(r.buf)-r.off) {
		return nil, &record.DecodeError{Offset: r.base + r.off, Err: fmt.Errorf("%w: %d bodies", record.ErrShortBuffer, n)}
	}
	c := &record.BodyComponent{Type: ctype}
	if r.err == nil {
		c.Bodies = make([]record.BodySample, n)
	}
	for i := range c.Bodies {
		b := &c.Bodies[i]
		b.Position = r.vec3()
		switch ctype {
		case record.Component6D, record.Component6DResidual:
			var m [9]float64
			for k := range m {
				m[k] = r.f32()
			}
			b.Rotation = QuatFromMatrix(m)
		default:
			b.Rotation = QuatFromEuler(r.f32(), r.f32(), r.f32())
		}
		if ctype == record.Component6DResidual || ctype == record.Component6DEulerResidual {
			b.Residual = r.f32()
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	return c, nil
}

func decodeGaze(r *reader) (record.Component, error) {
	n := r.u32()
	if r.err != nil {
		return nil, r.err
	}
	// Each vector needs at least its sample count.
	if uint64(n)*4 > uint64(len(r.buf)-r.off) {
		return nil, &record.DecodeError{Offset: r.base + r.off, Err: fmt.Errorf("%w: %d gaze vectors", record.ErrShortBuffer, n)}
	}
	c := &record.GazeComponent{Vectors: make([]record.GazeSample, n)}
	for i := range c.Vectors {
		samples := r.u32()
		if samples == 0 {
			continue
		}
		r.u32() // sample number
		if r.err == nil && uint64(samples)*24 > uint64(len(r.buf)-r.off) {
			return nil, &record.DecodeError{Offset: r.base + r.off, Err: fmt.Errorf("%w: %d gaze samples", record.ErrShortBuffer, samples)}
		}
		var g record.GazeSample
		for s := uint32(0); s < samples; s++ {
			g.Direction = r.vec3()
			g.Position = r.vec3()
		}
		g.Valid = r.err == nil
		c.Vectors[i] = g
	}
	if r.err != nil {
		return nil, r.err
	}
	return c, nil
}
