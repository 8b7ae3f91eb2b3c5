package wire

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/banshee-data/mocap.relay/internal/mocap/record"
)

// EncodePacket frames a body with the packet header.
func EncodePacket(typ record.PacketType, body []byte) []byte {
	out := make([]byte, HeaderSize+len(body))
	le.PutUint32(out[0:4], uint32(len(out)))
	le.PutUint32(out[4:8], uint32(typ))
	copy(out[HeaderSize:], body)
	return out
}

// EncodeString frames a NUL-terminated string, as used by command, XML and
// error packets.
func EncodeString(typ record.PacketType, s string) []byte {
	body := make([]byte, len(s)+1)
	copy(body, s)
	return EncodePacket(typ, body)
}

// EncodeCommand frames a text command.
func EncodeCommand(cmd string) []byte {
	return EncodeString(record.PacketCommand, cmd)
}

// EncodeEvent frames a one-byte event packet.
func EncodeEvent(e record.Event) []byte {
	return EncodePacket(record.PacketEvent, []byte{byte(e)})
}

// DecodeString returns the text of a command, XML or error packet body with
// the trailing NUL removed.
func DecodeString(body []byte) string {
	if i := bytes.IndexByte(body, 0); i >= 0 {
		body = body[:i]
	}
	return string(body)
}

// DataBuilder assembles a data packet. It is used by replay fixtures and
// test servers.
type DataBuilder struct {
	Timestamp  uint64
	Frame      uint32
	components [][]byte
}

// NewDataBuilder starts a data packet for the given frame.
func NewDataBuilder(frame uint32, timestamp uint64) *DataBuilder {
	return &DataBuilder{Frame: frame, Timestamp: timestamp}
}

func putF32(b *bytes.Buffer, v float64) {
	_ = binary.Write(b, le, math.Float32bits(float32(v)))
}

func putVec(b *bytes.Buffer, v record.Vec3) {
	putF32(b, v.X)
	putF32(b, v.Y)
	putF32(b, v.Z)
}

func (d *DataBuilder) add(ctype record.ComponentType, data []byte) *DataBuilder {
	c := make([]byte, ComponentHeaderSize+len(data))
	le.PutUint32(c[0:4], uint32(len(c)))
	le.PutUint32(c[4:8], uint32(ctype))
	copy(c[ComponentHeaderSize:], data)
	d.components = append(d.components, c)
	return d
}

// Markers adds a labeled 3D component.
func (d *DataBuilder) Markers(points ...record.Vec3) *DataBuilder {
	var b bytes.Buffer
	_ = binary.Write(&b, le, uint32(len(points)))
	_ = binary.Write(&b, le, uint32(0)) // drop and sync rates
	for _, p := range points {
		putVec(&b, p)
	}
	return d.add(record.Component3D, b.Bytes())
}

// Bodies6D adds a 6D component; rotations are column-major matrices.
func (d *DataBuilder) Bodies6D(positions []record.Vec3, rotations [][9]float64) *DataBuilder {
	var b bytes.Buffer
	_ = binary.Write(&b, le, uint32(len(positions)))
	_ = binary.Write(&b, le, uint32(0))
	for i, p := range positions {
		putVec(&b, p)
		for _, v := range rotations[i] {
			putF32(&b, v)
		}
	}
	return d.add(record.Component6D, b.Bytes())
}

// BodiesEuler adds a 6D Euler component; angles are degrees.
func (d *DataBuilder) BodiesEuler(positions []record.Vec3, angles []record.Vec3) *DataBuilder {
	var b bytes.Buffer
	_ = binary.Write(&b, le, uint32(len(positions)))
	_ = binary.Write(&b, le, uint32(0))
	for i, p := range positions {
		putVec(&b, p)
		putVec(&b, angles[i])
	}
	return d.add(record.Component6DEuler, b.Bytes())
}

// Gaze adds a gaze vector component with one sample per vector.
func (d *DataBuilder) Gaze(samples ...record.GazeSample) *DataBuilder {
	var b bytes.Buffer
	_ = binary.Write(&b, le, uint32(len(samples)))
	for i, s := range samples {
		if !s.Valid {
			_ = binary.Write(&b, le, uint32(0))
			continue
		}
		_ = binary.Write(&b, le, uint32(1))
		_ = binary.Write(&b, le, uint32(i))
		putVec(&b, s.Direction)
		putVec(&b, s.Position)
	}
	return d.add(record.ComponentGazeVector, b.Bytes())
}

// Raw adds an arbitrary component.
func (d *DataBuilder) Raw(ctype record.ComponentType, data []byte) *DataBuilder {
	return d.add(ctype, data)
}

// Bytes returns the framed data packet.
func (d *DataBuilder) Bytes() []byte {
	var b bytes.Buffer
	_ = binary.Write(&b, le, d.Timestamp)
	_ = binary.Write(&b, le, d.Frame)
	_ = binary.Write(&b, le, uint32(len(d.components)))
	for _, c := range d.components {
		b.Write(c)
	}
	return EncodePacket(record.PacketData, b.Bytes())
}
