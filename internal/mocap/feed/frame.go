// Package feed publishes relay snapshots to passive consumers over gRPC and
// WebSocket.
//
// Frames are served from the latest published value; a slow consumer misses
// frames rather than delaying the relay.
package feed

import (
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/mocap.relay/internal/mocap/record"
)

// Frame is one published view of the relay.
type Frame struct {
	Seq       uint64          `json:"seq"`
	Time      time.Time       `json:"time"`
	SessionID string          `json:"session_id,omitempty"`
	State     string          `json:"state"`
	LastError string          `json:"last_error,omitempty"`
	Snapshot  record.Snapshot `json:"snapshot"`
}

// ToStruct converts a frame to its wire message. The struct carries the same
// fields as the JSON form.
func ToStruct(f Frame) (*structpb.Struct, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal frame: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal frame map: %w", err)
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("failed to build frame struct: %w", err)
	}
	return s, nil
}

// FromStruct converts a wire message back into a frame.
func FromStruct(s *structpb.Struct) (Frame, error) {
	var f Frame
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return f, fmt.Errorf("failed to marshal frame struct: %w", err)
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("failed to decode frame: %w", err)
	}
	return f, nil
}
