package rtclient

import (
	"context"

	"github.com/banshee-data/mocap.relay/internal/mocap/control"
	"github.com/banshee-data/mocap.relay/internal/mocap/record"
)

// NetControl reaches servers over TCP and UDP broadcast.
type NetControl struct {
	Discovery control.DiscoverConfig
	Options   []control.Option
}

// NewNetControl returns a Control backed by the control package.
func NewNetControl(discovery control.DiscoverConfig, opts ...control.Option) *NetControl {
	return &NetControl{Discovery: discovery, Options: opts}
}

// Dial opens a command channel.
func (n *NetControl) Dial(ctx context.Context, target record.Target) (Conn, error) {
	c, err := control.Dial(ctx, target, n.Options...)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Discover broadcasts a probe.
func (n *NetControl) Discover(ctx context.Context) ([]record.DiscoveryEntry, error) {
	return control.Discover(ctx, n.Discovery)
}
