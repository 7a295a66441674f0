package camera

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"camera-orchestrator/internal/platform/metrics"
)

// StreamKind selects the preview flavor a client receives.
type StreamKind string

const (
	// StreamPlain is the raw camera preview.
	StreamPlain StreamKind = "preview"

	// StreamOverlay is the preview with AI detection boxes drawn in. At
	// most one overlay client may be attached at a time because the
	// overlay subprocess owns the detection results stream.
	StreamOverlay StreamKind = "ai"
)

// PreviewClient is one attached streaming consumer. The caller reads the
// stream from Process().Stdout() and must Close when done.
type PreviewClient struct {
	ID   int
	Kind StreamKind

	proc      ProcessHandle
	mgr       *PreviewStreamManager
	closeOnce sync.Once
}

// Process exposes the client's streaming subprocess.
func (c *PreviewClient) Process() ProcessHandle { return c.proc }

// Close detaches the client, terminating its subprocess and releasing its
// pipeline reference. Safe to call more than once.
func (c *PreviewClient) Close() {
	c.closeOnce.Do(func() {
		c.mgr.detach(c)
	})
}

// PreviewStatus is a point-in-time snapshot of the preview layer.
type PreviewStatus struct {
	Active    bool      `json:"active"`
	Clients   int       `json:"clients"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PreviewStreamManager hands out per-client streaming subprocesses on top
// of the shared pipeline. Each attach retains a preview reference; each
// detach releases it, so the pipeline stops when the last viewer leaves.
type PreviewStreamManager struct {
	launcher  Launcher
	pipeline  *SharedPipeline
	log       *slog.Logger
	metrics   *metrics.Metrics
	stopGrace time.Duration

	mu        sync.Mutex
	clients   map[int]*PreviewClient
	nextID    int
	overlay   bool
	updatedAt time.Time
	now       func() time.Time
}

// NewPreviewStreamManager returns a manager with no attached clients.
// m may be nil.
func NewPreviewStreamManager(launcher Launcher, pipeline *SharedPipeline, log *slog.Logger, m *metrics.Metrics) *PreviewStreamManager {
	return &PreviewStreamManager{
		launcher:  launcher,
		pipeline:  pipeline,
		log:       log,
		metrics:   m,
		stopGrace: 3 * time.Second,
		clients:   make(map[int]*PreviewClient),
		now:       time.Now,
	}
}

// Attach starts a streaming subprocess for a new client. An overlay attach
// while another overlay client is active returns ErrOverlayActive. The
// pipeline reference taken here is released when the client closes or its
// subprocess exits.
func (p *PreviewStreamManager) Attach(kind StreamKind, cfg PipelineConfig) (*PreviewClient, error) {
	p.mu.Lock()
	if kind == StreamOverlay && p.overlay {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: an overlay stream is already attached", ErrOverlayActive)
	}
	if kind == StreamOverlay {
		p.overlay = true
	}
	p.mu.Unlock()

	if err := p.pipeline.Retain(ClassPreview, cfg); err != nil {
		p.clearOverlay(kind)
		return nil, err
	}

	role := RolePreview
	if kind == StreamOverlay {
		role = RoleOverlay
	}
	proc, err := p.launcher.Launch(LaunchSpec{
		Role:       role,
		Config:     cfg,
		WantStdout: true,
	})
	if err != nil {
		p.pipeline.Release(ClassPreview)
		p.clearOverlay(kind)
		return nil, fmt.Errorf("start %s stream: %w", kind, err)
	}

	p.mu.Lock()
	p.nextID++
	c := &PreviewClient{ID: p.nextID, Kind: kind, proc: proc, mgr: p}
	p.clients[c.ID] = c
	count := len(p.clients)
	p.updatedAt = p.now()
	p.mu.Unlock()

	p.setClientsMetric(count)
	p.log.Info("preview client attached",
		slog.Int("client_id", c.ID),
		slog.String("kind", string(kind)),
		slog.Int("pid", proc.PID()),
	)

	// Reap the client if its subprocess dies before the caller closes it.
	go func() {
		<-proc.Done()
		c.Close()
	}()
	return c, nil
}

// detach removes the client, kills its subprocess, and releases its
// pipeline reference. Idempotent: a second detach for the same client
// finds it gone and returns.
func (p *PreviewStreamManager) detach(c *PreviewClient) {
	p.mu.Lock()
	if _, ok := p.clients[c.ID]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.clients, c.ID)
	if c.Kind == StreamOverlay {
		p.overlay = false
	}
	count := len(p.clients)
	p.updatedAt = p.now()
	p.mu.Unlock()

	go terminate(c.proc, p.stopGrace)
	p.pipeline.Release(ClassPreview)
	p.setClientsMetric(count)
	p.log.Info("preview client detached", slog.Int("client_id", c.ID), slog.String("kind", string(c.Kind)))
}

// ForceStopAll closes every attached client. Used when an exclusive
// consumer needs the camera and at shutdown.
func (p *PreviewStreamManager) ForceStopAll(reason string) {
	p.mu.Lock()
	snapshot := make([]*PreviewClient, 0, len(p.clients))
	for _, c := range p.clients {
		snapshot = append(snapshot, c)
	}
	p.mu.Unlock()

	if len(snapshot) == 0 {
		return
	}
	p.log.Info("force-stopping preview clients",
		slog.Int("count", len(snapshot)),
		slog.String("reason", reason),
	)
	for _, c := range snapshot {
		c.Close()
	}
}

// Status returns a snapshot of the preview layer.
func (p *PreviewStreamManager) Status() PreviewStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PreviewStatus{
		Active:    len(p.clients) > 0,
		Clients:   len(p.clients),
		UpdatedAt: p.updatedAt,
	}
}

// ClientCount returns the number of attached clients.
func (p *PreviewStreamManager) ClientCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

func (p *PreviewStreamManager) clearOverlay(kind StreamKind) {
	if kind != StreamOverlay {
		return
	}
	p.mu.Lock()
	p.overlay = false
	p.mu.Unlock()
}

func (p *PreviewStreamManager) setClientsMetric(n int) {
	if p.metrics != nil {
		p.metrics.SetPreviewClients(n)
	}
}
