package osc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// Encode serialises a packet.
func Encode(p Packet) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, p); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encode(buf *bytes.Buffer, p Packet) error {
	switch v := p.(type) {
	case *Message:
		return encodeMessage(buf, v)
	case *Bundle:
		writeString(buf, bundleTag)
		binary.Write(buf, binary.BigEndian, uint64(v.Timetag))
		for _, e := range v.Elements {
			elem, err := Encode(e)
			if err != nil {
				return err
			}
			binary.Write(buf, binary.BigEndian, uint32(len(elem)))
			buf.Write(elem)
		}
		return nil
	}
	return fmt.Errorf("osc: cannot encode %T", p)
}

func writeString(buf *bytes.Buffer, s string) {
	buf.WriteString(s)
	for n := pad(len(s)+1) - len(s); n > 0; n-- {
		buf.WriteByte(0)
	}
}

func encodeMessage(buf *bytes.Buffer, m *Message) error {
	tags := []byte{','}
	var args bytes.Buffer
	be := binary.BigEndian
	for i, a := range m.Args {
		switch v := a.(type) {
		case int32:
			tags = append(tags, 'i')
			args.Write(be.AppendUint32(nil, uint32(v)))
		case int:
			tags = append(tags, 'i')
			args.Write(be.AppendUint32(nil, uint32(int32(v))))
		case float32:
			tags = append(tags, 'f')
			args.Write(be.AppendUint32(nil, math.Float32bits(v)))
		case string:
			tags = append(tags, 's')
			writeString(&args, v)
		case []byte:
			tags = append(tags, 'b')
			args.Write(be.AppendUint32(nil, uint32(len(v))))
			args.Write(v)
			args.Write(make([]byte, pad(len(v))-len(v)))
		case int64:
			tags = append(tags, 'h')
			args.Write(be.AppendUint64(nil, uint64(v)))
		case float64:
			tags = append(tags, 'd')
			args.Write(be.AppendUint64(nil, math.Float64bits(v)))
		case Timetag:
			tags = append(tags, 't')
			args.Write(be.AppendUint64(nil, uint64(v)))
		case bool:
			if v {
				tags = append(tags, 'T')
			} else {
				tags = append(tags, 'F')
			}
		case nil:
			tags = append(tags, 'N')
		default:
			return fmt.Errorf("osc: %s argument %d has unsupported type %T", m.Address, i, a)
		}
	}
	writeString(buf, m.Address)
	writeString(buf, string(tags))
	buf.Write(args.Bytes())
	return nil
}
