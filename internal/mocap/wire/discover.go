package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/banshee-data/mocap.relay/internal/mocap/record"
)

// DiscoveryPort is the UDP port servers listen on for discovery probes.
const DiscoveryPort = 22226

// discoverRequestSize is header plus the big-endian reply port.
const discoverRequestSize = 10

// EncodeDiscoverRequest builds the broadcast probe. The reply port is big-endian.
func EncodeDiscoverRequest(replyPort uint16) []byte {
	out := make([]byte, discoverRequestSize)
	le.PutUint32(out[0:4], discoverRequestSize)
	le.PutUint32(out[4:8], uint32(record.PacketDiscover))
	binary.BigEndian.PutUint16(out[8:10], replyPort)
	return out
}

// DecodeDiscoverRequest returns the reply port of a probe.
func DecodeDiscoverRequest(data []byte) (uint16, error) {
	typ, body, err := SplitHeader(data)
	if err != nil {
		return 0, err
	}
	if typ != record.PacketDiscover {
		return 0, &record.DecodeError{Offset: 4, Err: fmt.Errorf("%w: %s", record.ErrUnexpectedPacket, typ)}
	}
	if len(body) < 2 {
		return 0, &record.DecodeError{Offset: HeaderSize, Err: record.ErrShortBuffer}
	}
	return binary.BigEndian.Uint16(body), nil
}

// EncodeDiscoverResponse builds a server reply: NUL-terminated info text
// followed by the big-endian base port.
func EncodeDiscoverResponse(text string, basePort uint16) []byte {
	body := make([]byte, len(text)+1+2)
	copy(body, text)
	binary.BigEndian.PutUint16(body[len(text)+1:], basePort)
	return EncodePacket(record.PacketDiscover, body)
}

// DecodeDiscoverResponse parses a server reply received from address.
// The text has the form "<host>, <info>, <n> cameras".
func DecodeDiscoverResponse(data []byte, address string) (record.DiscoveryEntry, error) {
	typ, body, err := SplitHeader(data)
	if err != nil {
		return record.DiscoveryEntry{}, err
	}
	if typ != record.PacketDiscover {
		return record.DiscoveryEntry{}, &record.DecodeError{Offset: 4, Err: fmt.Errorf("%w: %s", record.ErrUnexpectedPacket, typ)}
	}
	nul := bytes.IndexByte(body, 0)
	if nul < 0 || len(body) < nul+3 {
		return record.DiscoveryEntry{}, &record.DecodeError{Offset: HeaderSize + len(body), Err: record.ErrShortBuffer}
	}
	text := string(body[:nul])
	entry := record.DiscoveryEntry{
		Address:  address,
		Port:     int(binary.BigEndian.Uint16(body[nul+1:])),
		InfoText: text,
	}

	parts := strings.Split(text, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	entry.HostName = parts[0]
	if len(parts) > 1 {
		last := parts[len(parts)-1]
		if fields := strings.Fields(last); len(fields) == 2 && strings.HasPrefix(fields[1], "camera") {
			if n, err := strconv.Atoi(fields[0]); err == nil {
				entry.CameraCount = n
				parts = parts[:len(parts)-1]
			}
		}
		entry.InfoText = strings.Join(parts[1:], ", ")
	}
	return entry, nil
}
