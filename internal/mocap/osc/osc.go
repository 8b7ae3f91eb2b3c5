// Package osc decodes Open Sound Control 1.0 packets and routes their
// messages by address.
//
// A packet is either a single Message or a Bundle of packets. All values are
// big-endian and every field is padded to a multiple of four bytes.
package osc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	ErrShortPacket = errors.New("osc: short packet")
	ErrMalformed   = errors.New("osc: malformed packet")
	ErrUnknownTag  = errors.New("osc: unknown type tag")
)

const bundleTag = "#bundle"

// Timetag is an NTP timestamp: seconds since 1900 in the high word and a
// binary fraction in the low word. The value 1 means "immediately".
type Timetag uint64

// Immediately is the timetag for bundles to be handled on arrival.
const Immediately Timetag = 1

// ntpEpochOffset is the number of seconds between 1900 and 1970.
const ntpEpochOffset = 2208988800

// NewTimetag converts a wall-clock time.
func NewTimetag(t time.Time) Timetag {
	secs := uint64(t.Unix() + ntpEpochOffset)
	frac := uint64(t.Nanosecond()) << 32 / uint64(time.Second)
	return Timetag(secs<<32 | frac)
}

// Time converts the timetag to wall-clock time.
func (t Timetag) Time() time.Time {
	secs := int64(uint64(t)>>32) - ntpEpochOffset
	nanos := (uint64(t) & 0xFFFFFFFF) * uint64(time.Second) >> 32
	return time.Unix(secs, int64(nanos))
}

// Packet is a Message or a *Bundle.
type Packet interface {
	isPacket()
}

// Message is an address pattern with typed arguments. Argument values are
// int32, float32, string, []byte, int64, float64, bool, nil or Timetag.
type Message struct {
	Address string
	Args    []any
}

// Bundle groups packets under one timetag.
type Bundle struct {
	Timetag  Timetag
	Elements []Packet
}

func (*Message) isPacket() {}
func (*Bundle) isPacket()  {}

// Messages flattens a packet into its messages, depth first.
func Messages(p Packet) []*Message {
	switch v := p.(type) {
	case *Message:
		return []*Message{v}
	case *Bundle:
		var out []*Message
		for _, e := range v.Elements {
			out = append(out, Messages(e)...)
		}
		return out
	}
	return nil
}

// StringArg returns argument i as a string.
func (m *Message) StringArg(i int) (string, error) {
	if i >= len(m.Args) {
		return "", fmt.Errorf("%s: argument %d missing", m.Address, i)
	}
	s, ok := m.Args[i].(string)
	if !ok {
		return "", fmt.Errorf("%s: argument %d is %T, not string", m.Address, i, m.Args[i])
	}
	return s, nil
}

// FloatArg returns argument i as a float64. Integer and double arguments are
// converted.
func (m *Message) FloatArg(i int) (float64, error) {
	if i >= len(m.Args) {
		return 0, fmt.Errorf("%s: argument %d missing", m.Address, i)
	}
	switch v := m.Args[i].(type) {
	case float32:
		return float64(v), nil
	case float64:
		return v, nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	}
	return 0, fmt.Errorf("%s: argument %d is %T, not numeric", m.Address, i, m.Args[i])
}

// Decode parses one packet.
func Decode(data []byte) (Packet, error) {
	if len(data) == 0 {
		return nil, ErrShortPacket
	}
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("%w: length %d is not a multiple of 4", ErrMalformed, len(data))
	}
	switch data[0] {
	case '#':
		return decodeBundle(data)
	case '/':
		return decodeMessage(data)
	}
	return nil, fmt.Errorf("%w: packet starts with %q", ErrMalformed, data[0])
}

type decoder struct {
	buf []byte
	off int
}

func (d *decoder) string() (string, error) {
	rest := d.buf[d.off:]
	n := bytes.IndexByte(rest, 0)
	if n < 0 {
		return "", fmt.Errorf("%w: unterminated string at %d", ErrShortPacket, d.off)
	}
	padded := pad(n + 1)
	if padded > len(rest) {
		return "", fmt.Errorf("%w: string padding at %d", ErrShortPacket, d.off)
	}
	s := string(rest[:n])
	d.off += padded
	return s, nil
}

func (d *decoder) take(n int) ([]byte, error) {
	if d.off+n > len(d.buf) {
		return nil, fmt.Errorf("%w: need %d bytes at %d", ErrShortPacket, n, d.off)
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b, nil
}

func (d *decoder) u32() (uint32, error) {
	b, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (d *decoder) u64() (uint64, error) {
	b, err := d.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (d *decoder) blob() ([]byte, error) {
	n, err := d.u32()
	if err != nil {
		return nil, err
	}
	if int(n) < 0 || int(n) > len(d.buf)-d.off {
		return nil, fmt.Errorf("%w: blob of %d bytes at %d", ErrShortPacket, n, d.off)
	}
	b, err := d.take(pad(int(n)))
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), b[:n]...), nil
}

func pad(n int) int { return (n + 3) &^ 3 }

func decodeMessage(data []byte) (*Message, error) {
	d := &decoder{buf: data}
	addr, err := d.string()
	if err != nil {
		return nil, err
	}
	m := &Message{Address: addr}
	if d.off == len(data) {
		// Very old senders omit the type tag string.
		return m, nil
	}
	tags, err := d.string()
	if err != nil {
		return nil, err
	}
	if len(tags) == 0 || tags[0] != ',' {
		return nil, fmt.Errorf("%w: type tags %q", ErrMalformed, tags)
	}
	for _, tag := range tags[1:] {
		var v any
		switch tag {
		case 'i':
			var u uint32
			u, err = d.u32()
			v = int32(u)
		case 'f':
			var u uint32
			u, err = d.u32()
			v = math.Float32frombits(u)
		case 's', 'S':
			v, err = d.string()
		case 'b':
			v, err = d.blob()
		case 'h':
			var u uint64
			u, err = d.u64()
			v = int64(u)
		case 'd':
			var u uint64
			u, err = d.u64()
			v = math.Float64frombits(u)
		case 't':
			var u uint64
			u, err = d.u64()
			v = Timetag(u)
		case 'T':
			v = true
		case 'F':
			v = false
		case 'N':
			v = nil
		default:
			return nil, fmt.Errorf("%w: %q in %s", ErrUnknownTag, tag, addr)
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", addr, err)
		}
		m.Args = append(m.Args, v)
	}
	return m, nil
}

func decodeBundle(data []byte) (*Bundle, error) {
	d := &decoder{buf: data}
	tag, err := d.string()
	if err != nil {
		return nil, err
	}
	if tag != bundleTag {
		return nil, fmt.Errorf("%w: bundle tag %q", ErrMalformed, tag)
	}
	tt, err := d.u64()
	if err != nil {
		return nil, err
	}
	b := &Bundle{Timetag: Timetag(tt)}
	for d.off < len(data) {
		size, err := d.u32()
		if err != nil {
			return nil, err
		}
		elem, err := d.take(int(size))
		if err != nil {
			return nil, err
		}
		p, err := Decode(elem)
		if err != nil {
			return nil, err
		}
		b.Elements = append(b.Elements, p)
	}
	return b, nil
}
