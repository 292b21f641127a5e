// Package viewer streams playback progress to remote viewers over gRPC and
// accepts playback controls from them.
package viewer

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"

	"github.com/banshee-data/motionview/internal/monitoring"
	"github.com/banshee-data/motionview/internal/motion"
	"github.com/banshee-data/motionview/internal/playback"
)

// Config holds configuration for the viewer gRPC server.
type Config struct {
	// ListenAddr is the address to listen on (e.g., "localhost:50061")
	ListenAddr string

	// MaxClients is the maximum number of concurrent streaming clients
	MaxClients int

	// StatsInterval is how often throughput is logged
	StatsInterval time.Duration
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr:    "localhost:50061",
		MaxClients:    5,
		StatsInterval: 5 * time.Second,
	}
}

// Event kinds carried by a FrameBundle.
const (
	EventFrame = "frame"
	EventCycle = "cycle"
)

// FrameBundle is one published playback event.
type FrameBundle struct {
	Seq    uint64
	Event  string
	Index  int
	Total  int
	POV    string
	Camera []float64 // row-major 4x4, empty when the camera was not updated
	Points map[string]int

	// Cycle events only.
	Video   string
	Frames  int
	Skipped bool
	Err     string
}

const queueSize = 100

// Publisher manages the gRPC server and event broadcasting.
type Publisher struct {
	config   Config
	controls Controls
	server   *grpc.Server
	listener net.Listener

	frameChan chan *FrameBundle
	clients   map[string]*clientStream
	clientsMu sync.RWMutex
	nextID    atomic.Uint64

	// Stats
	frameCount     atomic.Uint64
	clientCount    atomic.Int32
	droppedFrames  atomic.Uint64
	lastStatsTime  time.Time
	lastFrameCount uint64
	lastStatsMu    sync.Mutex

	// Lifecycle
	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

type clientStream struct {
	id      string
	frameCh chan *FrameBundle
}

// NewPublisher creates a Publisher. controls may be nil, in which case the
// control RPCs return Unavailable.
func NewPublisher(cfg Config, controls Controls) *Publisher {
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = DefaultConfig().MaxClients
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = DefaultConfig().StatsInterval
	}
	return &Publisher{
		config:    cfg,
		controls:  controls,
		frameChan: make(chan *FrameBundle, queueSize),
		clients:   make(map[string]*clientStream),
		stopCh:    make(chan struct{}),
	}
}

// Start listens on ListenAddr and serves in the background.
func (p *Publisher) Start() error {
	lis, err := net.Listen("tcp", p.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	if err := p.Serve(lis); err != nil {
		lis.Close()
		return err
	}
	return nil
}

// Serve serves the viewer service on lis in the background.
func (p *Publisher) Serve(lis net.Listener) error {
	if !p.running.CompareAndSwap(false, true) {
		return fmt.Errorf("publisher already running")
	}
	p.listener = lis
	p.server = grpc.NewServer()
	RegisterService(p.server, NewServer(p, p.controls))

	p.wg.Add(2)
	go p.broadcastLoop()
	go func() {
		defer p.wg.Done()
		monitoring.Logf("[Viewer] gRPC server listening on %s", lis.Addr())
		if err := p.server.Serve(lis); err != nil && p.running.Load() {
			monitoring.Logf("[Viewer] gRPC server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the listening address, or nil before Serve.
func (p *Publisher) Addr() net.Addr {
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// Stop stops the server, ending every stream.
func (p *Publisher) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.stopCh)
	if p.server != nil {
		p.server.Stop()
	}
	p.wg.Wait()
	monitoring.Logf("[Viewer] gRPC server stopped")
}

// Publish queues b for every connected client, dropping it when the queue
// is full.
func (p *Publisher) Publish(b *FrameBundle) {
	if !p.running.Load() || b == nil {
		return
	}
	b.Seq = p.frameCount.Add(1)
	queueDepth := len(p.frameChan)
	select {
	case p.frameChan <- b:
		p.logPeriodicStats(b.Seq, queueDepth)
	default:
		dropped := p.droppedFrames.Add(1)
		monitoring.Logf("[Viewer] dropped %s %d (total dropped: %d), queue full", b.Event, b.Index, dropped)
	}
}

// FrameApplied publishes an applied frame.
func (p *Publisher) FrameApplied(info playback.FrameInfo) {
	b := &FrameBundle{
		Event:  EventFrame,
		Index:  info.Index,
		Total:  info.Total,
		POV:    info.POV,
		Points: info.Points,
	}
	if info.Camera != nil {
		b.Camera = motion.Flatten(info.Camera)
	}
	p.Publish(b)
}

// CycleExported publishes the end of a playback cycle.
func (p *Publisher) CycleExported(info playback.CycleInfo) {
	b := &FrameBundle{
		Event:   EventCycle,
		Video:   info.Artifact.Path,
		Frames:  info.Frames,
		Skipped: info.Artifact.Skipped,
	}
	if info.Err != nil {
		b.Err = info.Err.Error()
	}
	p.Publish(b)
}

func (p *Publisher) logPeriodicStats(count uint64, queueDepth int) {
	p.lastStatsMu.Lock()
	defer p.lastStatsMu.Unlock()

	now := time.Now()
	if p.lastStatsTime.IsZero() {
		p.lastStatsTime = now
		p.lastFrameCount = count
		return
	}
	elapsed := now.Sub(p.lastStatsTime)
	if elapsed >= p.config.StatsInterval {
		n := count - p.lastFrameCount
		monitoring.Logf("[Viewer] Stats: fps=%.1f events=%d dropped=%d clients=%d queue=%d/%d",
			float64(n)/elapsed.Seconds(), n, p.droppedFrames.Load(), p.clientCount.Load(), queueDepth, queueSize)
		p.lastStatsTime = now
		p.lastFrameCount = count
	}
}

// broadcastLoop distributes events to all connected clients.
func (p *Publisher) broadcastLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case b := <-p.frameChan:
			p.clientsMu.RLock()
			for _, c := range p.clients {
				select {
				case c.frameCh <- b:
				default:
					// slow client
					p.droppedFrames.Add(1)
				}
			}
			p.clientsMu.RUnlock()
		}
	}
}

// addClient registers a streaming client, failing when MaxClients are
// already connected.
func (p *Publisher) addClient() (*clientStream, error) {
	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()
	if len(p.clients) >= p.config.MaxClients {
		return nil, fmt.Errorf("%d clients already connected", len(p.clients))
	}
	c := &clientStream{
		id:      fmt.Sprintf("client-%d", p.nextID.Add(1)),
		frameCh: make(chan *FrameBundle, 10),
	}
	p.clients[c.id] = c
	p.clientCount.Add(1)
	monitoring.Logf("[Viewer] Client connected: %s (total: %d)", c.id, p.clientCount.Load())
	return c, nil
}

func (p *Publisher) removeClient(id string) {
	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()
	if _, ok := p.clients[id]; ok {
		delete(p.clients, id)
		p.clientCount.Add(-1)
		monitoring.Logf("[Viewer] Client disconnected: %s (remaining: %d)", id, p.clientCount.Load())
	}
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

// PublisherStats contains publisher statistics.
type PublisherStats struct {
	FrameCount    uint64 `json:"frame_count"`
	ClientCount   int32  `json:"client_count"`
	DroppedFrames uint64 `json:"dropped_frames"`
	Running       bool   `json:"running"`
}

var _ playback.Observer = (*Publisher)(nil)
