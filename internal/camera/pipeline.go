package camera

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"camera-orchestrator/internal/platform/metrics"
)

// Consumer classes for the shared pipeline's reference counts.
const (
	ClassPreview    = "preview"
	ClassRecord     = "record"
	ClassInference  = "inference"
	ClassCapture    = "capture"
	ClassAutoRecord = "auto-record"
)

type pipelineState string

const (
	pipelineStopped  pipelineState = "stopped"
	pipelineStarting pipelineState = "starting"
	pipelineRunning  pipelineState = "running"
	pipelineStopping pipelineState = "stopping"
	pipelineCrashed  pipelineState = "crashed"
)

// inflightStart is shared by every Retain that arrives while a start is in
// progress, so concurrent retains never race a second spawn.
type inflightStart struct {
	done chan struct{}
	err  error
}

// SharedPipeline manages the single running multi-output capture process,
// reference-counted by consumer class. The process exists while the sum of
// all counts is positive; it is signaled to stop when the sum reaches zero
// and auto-restarted after a fixed backoff if it dies while consumers
// remain.
type SharedPipeline struct {
	launcher   Launcher
	log        *slog.Logger
	metrics    *metrics.Metrics
	socketGlob string

	healthWindow time.Duration
	restartDelay time.Duration
	stopGrace    time.Duration

	mu            sync.Mutex
	state         pipelineState
	refs          map[string]int
	proc          ProcessHandle
	cfg           PipelineConfig
	stopRequested bool
	lastErr       string
	inflight      *inflightStart
}

// NewSharedPipeline returns a stopped pipeline manager. socketGlob names
// the stale IPC endpoints removed before each launch; it may be empty.
// m may be nil to disable metric recording.
func NewSharedPipeline(launcher Launcher, socketGlob string, log *slog.Logger, m *metrics.Metrics) *SharedPipeline {
	return &SharedPipeline{
		launcher:     launcher,
		log:          log,
		metrics:      m,
		socketGlob:   socketGlob,
		healthWindow: 700 * time.Millisecond,
		restartDelay: 2 * time.Second,
		stopGrace:    3 * time.Second,
		state:        pipelineStopped,
		refs:         make(map[string]int),
	}
}

// Retain increments class's reference count, launching the pipeline with
// cfg when none is running. A live pipeline is never reconfigured: a
// mismatched cfg fails with ErrConfigConflict.
func (p *SharedPipeline) Retain(class string, cfg PipelineConfig) error {
	for {
		p.mu.Lock()
		switch {
		case p.inflight != nil:
			// Join the in-flight start instead of racing a second spawn.
			fl := p.inflight
			p.mu.Unlock()
			<-fl.done
			if fl.err != nil {
				return fl.err
			}
			continue

		case p.state == pipelineRunning:
			if !p.cfg.Equal(cfg) {
				running := p.cfg
				p.mu.Unlock()
				return fmt.Errorf("%w: pipeline is running at %s, requested %s", ErrConfigConflict, running, cfg)
			}
			p.refs[class]++
			p.mu.Unlock()
			return nil

		case p.state == pipelineStopping && p.proc != nil:
			// Let the previous process die before touching the device.
			done := p.proc.Done()
			p.mu.Unlock()
			<-done
			continue

		default:
			fl := &inflightStart{done: make(chan struct{})}
			p.inflight = fl
			p.state = pipelineStarting
			p.stopRequested = false
			p.cfg = cfg
			p.refs[class]++
			p.mu.Unlock()

			proc, err := p.launch(cfg)

			p.mu.Lock()
			p.inflight = nil
			if err != nil {
				if p.refs[class] > 0 {
					p.refs[class]--
				}
				p.state = pipelineStopped
				p.lastErr = err.Error()
				fl.err = err
				p.mu.Unlock()
				close(fl.done)
				return err
			}
			p.proc = proc
			p.state = pipelineRunning
			p.mu.Unlock()
			close(fl.done)

			p.setRunningMetric(true)
			p.log.Info("pipeline started",
				slog.String("config", cfg.String()),
				slog.Int("pid", proc.PID()))
			go p.watch(proc)
			return nil
		}
	}
}

// Release decrements class's reference count, floored at zero. When the
// total across all classes reaches zero the pipeline is signaled to stop.
func (p *SharedPipeline) Release(class string) {
	p.mu.Lock()
	if p.refs[class] > 0 {
		p.refs[class]--
	}
	if p.totalLocked() > 0 {
		p.mu.Unlock()
		return
	}
	proc := p.proc
	if proc == nil {
		if p.state == pipelineCrashed {
			p.state = pipelineStopped
		}
		p.mu.Unlock()
		return
	}
	p.state = pipelineStopping
	p.stopRequested = true
	p.mu.Unlock()

	p.log.Info("pipeline has no consumers, stopping", slog.Int("pid", proc.PID()))
	go terminate(proc, p.stopGrace)
}

// IsRunning reports whether a pipeline process is up.
func (p *SharedPipeline) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == pipelineRunning
}

// Config returns the active configuration, or false when nothing runs.
func (p *SharedPipeline) Config() (PipelineConfig, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != pipelineRunning && p.state != pipelineStarting {
		return PipelineConfig{}, false
	}
	return p.cfg, true
}

// Refs returns the current reference count for class.
func (p *SharedPipeline) Refs(class string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refs[class]
}

// LastError returns the last observed pipeline error text.
func (p *SharedPipeline) LastError() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

func (p *SharedPipeline) totalLocked() int {
	total := 0
	for _, n := range p.refs {
		total += n
	}
	return total
}

// launch spawns the pipeline process and holds it to a fixed health-check
// window: a process that has already exited by the end of the window means
// the device is held elsewhere, reported as ErrCameraBusy.
func (p *SharedPipeline) launch(cfg PipelineConfig) (ProcessHandle, error) {
	p.removeStaleSockets()

	proc, err := p.launcher.Launch(LaunchSpec{Role: RolePipeline, Config: cfg})
	if err != nil {
		return nil, fmt.Errorf("spawn pipeline: %w", err)
	}

	select {
	case <-proc.Done():
		exit := proc.Exit()
		detail := strings.TrimSpace(proc.Stderr())
		if detail != "" {
			return nil, fmt.Errorf("%w: pipeline exited during startup (code=%d): %s", ErrCameraBusy, exit.Code, detail)
		}
		return nil, fmt.Errorf("%w: pipeline exited during startup (code=%d)", ErrCameraBusy, exit.Code)
	case <-time.After(p.healthWindow):
	}
	return proc, nil
}

// removeStaleSockets clears leftover IPC endpoints from a previous run so
// the new pipeline can bind its outputs.
func (p *SharedPipeline) removeStaleSockets() {
	if p.socketGlob == "" {
		return
	}
	matches, err := filepath.Glob(p.socketGlob)
	if err != nil {
		p.log.Warn("bad socket glob", slog.String("glob", p.socketGlob), slog.String("error", err.Error()))
		return
	}
	for _, path := range matches {
		if err := os.Remove(path); err == nil {
			p.log.Debug("removed stale pipeline socket", slog.String("path", path))
		}
	}
}

// watch waits for proc to exit and decides whether that exit was expected.
// An unexpected exit with live consumers schedules a restart.
func (p *SharedPipeline) watch(proc ProcessHandle) {
	<-proc.Done()
	exit := proc.Exit()

	p.mu.Lock()
	if p.proc != proc {
		// A newer process superseded this one.
		p.mu.Unlock()
		return
	}
	p.proc = nil
	p.setRunningMetric(false)

	if p.stopRequested || p.totalLocked() == 0 {
		p.state = pipelineStopped
		p.stopRequested = false
		p.mu.Unlock()
		p.log.Info("pipeline stopped", slog.Int("code", exit.Code), slog.String("signal", exit.Signal))
		return
	}

	p.state = pipelineCrashed
	p.lastErr = fmt.Sprintf("pipeline exited unexpectedly (code=%d signal=%s)", exit.Code, exit.Signal)
	cfg := p.cfg
	delay := p.restartDelay
	p.mu.Unlock()

	p.log.Warn("pipeline exited unexpectedly, scheduling restart",
		slog.Int("code", exit.Code),
		slog.String("signal", exit.Signal),
		slog.Duration("delay", delay))
	time.AfterFunc(delay, func() { p.restart(cfg) })
}

// restart relaunches the pipeline after a crash. It is a no-op when every
// consumer left while the backoff ran, or when another start got there
// first.
func (p *SharedPipeline) restart(cfg PipelineConfig) {
	p.mu.Lock()
	if p.inflight != nil || p.state == pipelineRunning || p.state == pipelineStarting {
		p.mu.Unlock()
		return
	}
	if p.totalLocked() == 0 {
		if p.state == pipelineCrashed {
			p.state = pipelineStopped
		}
		p.mu.Unlock()
		return
	}
	fl := &inflightStart{done: make(chan struct{})}
	p.inflight = fl
	p.state = pipelineStarting
	p.stopRequested = false
	p.mu.Unlock()

	proc, err := p.launch(cfg)

	p.mu.Lock()
	p.inflight = nil
	if err != nil {
		p.state = pipelineCrashed
		p.lastErr = err.Error()
		fl.err = err
		p.mu.Unlock()
		close(fl.done)
		p.log.Error("pipeline restart failed", slog.String("error", err.Error()))
		return
	}
	p.proc = proc
	if p.totalLocked() == 0 {
		// The last consumer left while the relaunch was in flight. A
		// release that lands mid-launch finds no process to signal, so
		// the teardown happens here instead.
		p.state = pipelineStopping
		p.stopRequested = true
		p.mu.Unlock()
		close(fl.done)
		p.log.Info("consumers left during restart, stopping pipeline", slog.Int("pid", proc.PID()))
		go terminate(proc, p.stopGrace)
		go p.watch(proc)
		return
	}
	p.state = pipelineRunning
	p.mu.Unlock()
	close(fl.done)

	if p.metrics != nil {
		p.metrics.IncPipelineRestarts()
	}
	p.setRunningMetric(true)
	p.log.Info("pipeline restarted", slog.String("config", cfg.String()), slog.Int("pid", proc.PID()))
	go p.watch(proc)
}

func (p *SharedPipeline) setRunningMetric(running bool) {
	if p.metrics != nil {
		p.metrics.SetPipelineRunning(running)
	}
}
