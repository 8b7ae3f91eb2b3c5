package feed

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"

	"github.com/banshee-data/mocap.relay/internal/monitoring"
)

// Config holds configuration for the feed servers.
type Config struct {
	// GRPCListen is the gRPC listen address; empty disables gRPC.
	GRPCListen string

	// HTTPListen serves /ws and /api; empty disables HTTP.
	HTTPListen string

	// ClientBuffer is the per-client frame queue length.
	ClientBuffer int

	// MaxClients caps concurrent streaming clients; 0 means no limit.
	MaxClients int

	// WriteTimeout bounds a single WebSocket write.
	WriteTimeout time.Duration
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		GRPCListen:   "localhost:50061",
		HTTPListen:   "localhost:8090",
		ClientBuffer: 8,
		MaxClients:   16,
		WriteTimeout: 2 * time.Second,
	}
}

// ErrTooManyClients is returned when MaxClients streams are already open.
var ErrTooManyClients = errors.New("feed: too many clients")

// Publisher holds the latest frame and fans it out to streaming clients.
type Publisher struct {
	config Config
	log    *logrus.Entry

	latestMu sync.RWMutex
	latest   *Frame

	clients   map[string]*client
	clientsMu sync.RWMutex

	grpcServer   *grpc.Server
	grpcListener net.Listener
	httpServer   *http.Server
	httpListener net.Listener

	frameCount    atomic.Uint64
	clientCount   atomic.Int32
	droppedFrames atomic.Uint64

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

type client struct {
	id      string
	kind    string
	frameCh chan Frame
}

// NewPublisher creates a publisher. It holds frames without any server until
// Start or Serve is called.
func NewPublisher(cfg Config) *Publisher {
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = DefaultConfig().ClientBuffer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultConfig().WriteTimeout
	}
	return &Publisher{
		config:  cfg,
		log:     monitoring.Component("feed"),
		clients: make(map[string]*client),
		stopCh:  make(chan struct{}),
	}
}

// Start binds the configured listeners and serves on them.
func (p *Publisher) Start() error {
	var grpcLis, httpLis net.Listener
	var err error
	if p.config.GRPCListen != "" {
		if grpcLis, err = net.Listen("tcp", p.config.GRPCListen); err != nil {
			return fmt.Errorf("failed to listen for grpc: %w", err)
		}
	}
	if p.config.HTTPListen != "" {
		if httpLis, err = net.Listen("tcp", p.config.HTTPListen); err != nil {
			if grpcLis != nil {
				grpcLis.Close()
			}
			return fmt.Errorf("failed to listen for http: %w", err)
		}
	}
	return p.Serve(grpcLis, httpLis)
}

// Serve serves gRPC on grpcLis and HTTP on httpLis. Either may be nil.
func (p *Publisher) Serve(grpcLis, httpLis net.Listener) error {
	if !p.running.CompareAndSwap(false, true) {
		return errors.New("publisher already running")
	}

	if grpcLis != nil {
		const maxMsgSize = 4 * 1024 * 1024
		p.grpcServer = grpc.NewServer(
			grpc.MaxRecvMsgSize(maxMsgSize),
			grpc.MaxSendMsgSize(maxMsgSize),
		)
		RegisterService(p.grpcServer, NewServer(p))
		p.grpcListener = grpcLis

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.log.WithField("addr", grpcLis.Addr().String()).Info("grpc feed listening")
			if err := p.grpcServer.Serve(grpcLis); err != nil && p.running.Load() {
				p.log.WithError(err).Error("grpc feed stopped")
			}
		}()
	}

	if httpLis != nil {
		p.httpServer = &http.Server{Handler: p.Handler(), ReadHeaderTimeout: 5 * time.Second}
		p.httpListener = httpLis

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.log.WithField("addr", httpLis.Addr().String()).Info("http feed listening")
			if err := p.httpServer.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				p.log.WithError(err).Error("http feed stopped")
			}
		}()
	}
	return nil
}

// Stop ends every stream and shuts the servers down. It is safe to call more
// than once.
func (p *Publisher) Stop() {
	p.stopOnce.Do(func() {
		p.running.Store(false)
		close(p.stopCh)

		if p.grpcServer != nil {
			p.grpcServer.GracefulStop()
		}
		if p.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := p.httpServer.Shutdown(ctx); err != nil {
				p.log.WithError(err).Warn("http shutdown")
			}
			cancel()
		}
		p.wg.Wait()
		p.log.Info("feed stopped")
	})
}

// GRPCAddr is the bound gRPC address, or nil.
func (p *Publisher) GRPCAddr() net.Addr {
	if p.grpcListener == nil {
		return nil
	}
	return p.grpcListener.Addr()
}

// HTTPAddr is the bound HTTP address, or nil.
func (p *Publisher) HTTPAddr() net.Addr {
	if p.httpListener == nil {
		return nil
	}
	return p.httpListener.Addr()
}

// Publish records f as the latest frame and offers it to every client.
// Clients with a full queue miss the frame.
func (p *Publisher) Publish(f Frame) {
	f.Seq = p.frameCount.Add(1)
	if f.Time.IsZero() {
		f.Time = time.Now()
	}

	p.latestMu.Lock()
	p.latest = &f
	p.latestMu.Unlock()

	p.clientsMu.RLock()
	defer p.clientsMu.RUnlock()
	for _, c := range p.clients {
		select {
		case c.frameCh <- f:
		default:
			p.droppedFrames.Add(1)
		}
	}
}

// Latest returns the most recently published frame.
func (p *Publisher) Latest() (Frame, bool) {
	p.latestMu.RLock()
	defer p.latestMu.RUnlock()
	if p.latest == nil {
		return Frame{}, false
	}
	return *p.latest, true
}

func (p *Publisher) addClient(kind string) (*client, error) {
	c := &client{
		id:      uuid.NewString(),
		kind:    kind,
		frameCh: make(chan Frame, p.config.ClientBuffer),
	}

	p.clientsMu.Lock()
	if p.config.MaxClients > 0 && len(p.clients) >= p.config.MaxClients {
		p.clientsMu.Unlock()
		return nil, ErrTooManyClients
	}
	p.clients[c.id] = c
	p.clientsMu.Unlock()

	n := p.clientCount.Add(1)
	p.log.WithFields(logrus.Fields{"client": c.id, "kind": kind, "total": n}).Info("client connected")
	return c, nil
}

func (p *Publisher) removeClient(id string) {
	p.clientsMu.Lock()
	c, ok := p.clients[id]
	delete(p.clients, id)
	p.clientsMu.Unlock()
	if !ok {
		return
	}
	n := p.clientCount.Add(-1)
	p.log.WithFields(logrus.Fields{"client": id, "kind": c.kind, "remaining": n}).Info("client disconnected")
}

// PublisherStats contains publisher statistics.
type PublisherStats struct {
	FrameCount    uint64 `json:"frame_count"`
	ClientCount   int32  `json:"client_count"`
	DroppedFrames uint64 `json:"dropped_frames"`
	Running       bool   `json:"running"`
}

// Stats returns current publisher statistics.
func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{
		FrameCount:    p.frameCount.Load(),
		ClientCount:   p.clientCount.Load(),
		DroppedFrames: p.droppedFrames.Load(),
		Running:       p.running.Load(),
	}
}
