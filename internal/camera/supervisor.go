package camera

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"camera-orchestrator/internal/platform/metrics"
)

// SessionOptions configures one record+inference session.
type SessionOptions struct {
	Config PipelineConfig
}

// CompletionFunc is invoked exactly once per finished session with the
// final record. A returned error is logged, never propagated.
type CompletionFunc func(s *Session) error

// Notifier receives best-effort notifications after a session reaches its
// terminal state. The supervisor calls it without awaiting success;
// failures are logged and must never affect the session's own transition.
type Notifier interface {
	SessionFinished(s *Session) error
}

// Supervisor owns the lifecycle of the one active record+inference
// session: paired subprocess spawning, exit coordination, coordinated
// shutdown, durable state persistence, and atomic file finalization.
type Supervisor struct {
	launcher   Launcher
	pipeline   *SharedPipeline
	lock       *ResourceLock
	store      SessionStore
	log        *slog.Logger
	metrics    *metrics.Metrics
	mediaDir   string
	onComplete CompletionFunc
	notifier   Notifier

	stopGrace time.Duration
	lockTTL   time.Duration

	now   func() time.Time
	newID func(now time.Time) string

	mu     sync.Mutex
	active *activeSession
}

// activeSession is the in-memory state of the running session.
type activeSession struct {
	session       *Session
	procs         map[string]ProcessHandle
	ledger        ExitLedger
	stopRequested bool
	finalized     bool
	done          chan struct{} // closed once finalization has run
}

// SupervisorDeps bundles the supervisor's collaborators.
type SupervisorDeps struct {
	Launcher   Launcher
	Pipeline   *SharedPipeline
	Lock       *ResourceLock
	Store      SessionStore
	Log        *slog.Logger
	Metrics    *metrics.Metrics // may be nil
	MediaDir   string
	OnComplete CompletionFunc // may be nil
	Notifier   Notifier       // may be nil
}

// NewSupervisor returns a supervisor with no active session.
func NewSupervisor(deps SupervisorDeps) *Supervisor {
	return &Supervisor{
		launcher:   deps.Launcher,
		pipeline:   deps.Pipeline,
		lock:       deps.Lock,
		store:      deps.Store,
		log:        deps.Log,
		metrics:    deps.Metrics,
		mediaDir:   deps.MediaDir,
		onComplete: deps.OnComplete,
		notifier:   deps.Notifier,
		stopGrace:  3 * time.Second,
		lockTTL:    time.Hour,
		now:        time.Now,
		newID:      newJobID,
	}
}

// newJobID builds a unique, time-ordered job id with a random suffix.
func newJobID(now time.Time) string {
	return now.UTC().Format("20060102-150405") + "-" + uuid.NewString()[:8]
}

// StartSession acquires the camera, retains the shared pipeline, spawns
// the record and inference writers, persists the initial state, and
// returns a copy of the new session. It fails with ErrSessionActive when a
// session is already running and ErrCameraBusy when the lock is held.
func (sv *Supervisor) StartSession(opts SessionOptions) (*Session, error) {
	sv.mu.Lock()
	defer sv.mu.Unlock()

	if sv.active != nil {
		return nil, fmt.Errorf("%w: job %s", ErrSessionActive, sv.active.session.JobID)
	}

	ok, err := sv.lock.TryAcquire(sv.lockTTL, "record session")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: camera lock is held", ErrCameraBusy)
	}

	if err := sv.pipeline.Retain(ClassRecord, opts.Config); err != nil {
		sv.releaseLock()
		return nil, err
	}
	if err := sv.pipeline.Retain(ClassInference, opts.Config); err != nil {
		sv.pipeline.Release(ClassRecord)
		sv.releaseLock()
		return nil, err
	}

	startedAt := sv.now()
	jobID := sv.newID(startedAt)
	finalPath := filepath.Join(sv.mediaDir, jobID+".mp4")
	s := &Session{
		JobID:         jobID,
		Status:        StatusRunning,
		StartedAt:     startedAt.UTC(),
		Config:        opts.Config,
		VideoPath:     finalPath,
		VideoTempPath: finalPath + ".part",
		RawMetaPath:   filepath.Join(sv.mediaDir, jobID+".detections.raw.jsonl"),
		MetaPath:      filepath.Join(sv.mediaDir, jobID+".detections.json"),
		Exits:         make(map[string]ExitRecord),
	}

	recProc, err := sv.launcher.Launch(LaunchSpec{
		Role:       RoleRecord,
		Config:     opts.Config,
		OutputPath: s.VideoTempPath,
	})
	if err != nil {
		sv.unwindStart()
		return nil, fmt.Errorf("start record writer: %w", err)
	}
	infProc, err := sv.launcher.Launch(LaunchSpec{
		Role:     RoleInference,
		Config:   opts.Config,
		MetaPath: s.RawMetaPath,
	})
	if err != nil {
		go terminate(recProc, sv.stopGrace)
		sv.unwindStart()
		return nil, fmt.Errorf("start inference writer: %w", err)
	}

	s.RecordPID = recProc.PID()
	s.InferencePID = infProc.PID()

	as := &activeSession{
		session: s,
		procs: map[string]ProcessHandle{
			RoleRecord:    recProc,
			RoleInference: infProc,
		},
		ledger: make(ExitLedger),
		done:   make(chan struct{}),
	}
	sv.active = as

	if err := sv.store.Save(s); err != nil {
		sv.log.Warn("persist initial session state failed",
			slog.String("job_id", jobID), slog.String("error", err.Error()))
	}
	if sv.metrics != nil {
		sv.metrics.IncSessionsStarted()
	}
	sv.log.Info("session started",
		slog.String("job_id", jobID),
		slog.String("config", opts.Config.String()),
		slog.Int("record_pid", s.RecordPID),
		slog.Int("inference_pid", s.InferencePID))

	go sv.watchProcess(as, RoleRecord, recProc)
	go sv.watchProcess(as, RoleInference, infProc)

	return s.Clone(), nil
}

// unwindStart undoes the resource acquisition of a failed StartSession.
// Caller holds sv.mu.
func (sv *Supervisor) unwindStart() {
	sv.pipeline.Release(ClassInference)
	sv.pipeline.Release(ClassRecord)
	sv.releaseLock()
}

func (sv *Supervisor) releaseLock() {
	if err := sv.lock.Release(); err != nil {
		sv.log.Warn("release camera lock failed", slog.String("error", err.Error()))
	}
}

// StopSession requests a graceful stop of the active session and waits for
// finalization. For a job that already reached a terminal state it returns
// the persisted record idempotently; an unknown id is ErrNotFound.
func (sv *Supervisor) StopSession(jobID, reason string) (*Session, error) {
	sv.mu.Lock()
	as := sv.active
	if as == nil || as.session.JobID != jobID {
		sv.mu.Unlock()
		if s, err := sv.store.Load(jobID); err == nil {
			return s, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	if as.session.Status.Terminal() {
		s := as.session.Clone()
		sv.mu.Unlock()
		return s, nil
	}
	as.stopRequested = true
	as.session.StopRequested = true
	procs := make([]ProcessHandle, 0, len(as.procs))
	for role, proc := range as.procs {
		if _, exited := as.ledger[role]; !exited {
			procs = append(procs, proc)
		}
	}
	done := as.done
	sv.mu.Unlock()

	sv.log.Info("stopping session", slog.String("job_id", jobID), slog.String("reason", reason))

	// Both termination signals go out concurrently; finalization waits
	// for both subprocesses to close.
	var wg sync.WaitGroup
	for _, proc := range procs {
		wg.Add(1)
		go func(p ProcessHandle) {
			defer wg.Done()
			terminate(p, sv.stopGrace)
		}(proc)
	}
	wg.Wait()
	<-done

	return sv.GetStatus(jobID)
}

// GetStatus returns the in-memory state when jobID is the active session,
// otherwise the last persisted record from durable storage.
func (sv *Supervisor) GetStatus(jobID string) (*Session, error) {
	sv.mu.Lock()
	if sv.active != nil && sv.active.session.JobID == jobID {
		s := sv.active.session.Clone()
		sv.mu.Unlock()
		return s, nil
	}
	sv.mu.Unlock()
	return sv.store.Load(jobID)
}

// ListSessions returns every persisted record, newest first.
func (sv *Supervisor) ListSessions() ([]*Session, error) {
	return sv.store.List()
}

// ActiveJobID returns the running session's job id, if any.
func (sv *Supervisor) ActiveJobID() (string, bool) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	if sv.active == nil {
		return "", false
	}
	return sv.active.session.JobID, true
}

// watchProcess records one subprocess exit and applies the ledger's
// decision: terminate the sibling, record a failure, and finalize once
// both have closed. The finalized flag keeps finalization to exactly one
// run even when both exits land in overlapping ticks.
func (sv *Supervisor) watchProcess(as *activeSession, role string, proc ProcessHandle) {
	<-proc.Done()
	exit := proc.Exit()

	sv.mu.Lock()
	rec := ExitRecord{Code: exit.Code, Signal: exit.Signal, At: sv.now().UTC()}
	as.ledger[role] = rec
	as.session.Exits[role] = rec

	d := decide(as.ledger, as.stopRequested)
	if d.failure != "" {
		as.session.Error = d.failure
		if detail := strings.TrimSpace(proc.Stderr()); detail != "" && exit.Code > 0 {
			as.session.Error = d.failure + ": " + detail
		}
	}
	var sibling ProcessHandle
	if d.terminateSibling {
		for r, p := range as.procs {
			if r != role {
				sibling = p
			}
		}
	}
	runFinalize := d.done && !as.finalized
	if runFinalize {
		as.finalized = true
	}
	jobID := as.session.JobID
	sv.mu.Unlock()

	if d.failure != "" {
		sv.log.Warn("session subprocess failed",
			slog.String("job_id", jobID),
			slog.String("role", role),
			slog.Int("code", exit.Code))
	} else {
		sv.log.Debug("session subprocess closed",
			slog.String("job_id", jobID),
			slog.String("role", role),
			slog.Int("code", exit.Code),
			slog.String("signal", exit.Signal))
	}

	if sibling != nil {
		go terminate(sibling, sv.stopGrace)
	}
	if runFinalize {
		sv.finalize(as, d.status)
	}
}

// finalize moves the session to its terminal status and runs the release
// sequence: persist, rename the temp recording into place, normalize
// metadata, release the pipeline and lock, and fire the completion
// callback and notifier. Side-effect failures are logged, never allowed
// to keep the session from its terminal state.
func (sv *Supervisor) finalize(as *activeSession, status Status) {
	sv.mu.Lock()
	s := as.session
	s.Status = status
	stoppedAt := sv.now().UTC()
	s.StoppedAt = &stoppedAt
	sv.active = nil
	sv.mu.Unlock()

	if err := os.Rename(s.VideoTempPath, s.VideoPath); err != nil {
		sv.log.Warn("finalize rename failed",
			slog.String("job_id", s.JobID),
			slog.String("from", s.VideoTempPath),
			slog.String("error", err.Error()))
	}
	if err := normalizeMetadata(s.RawMetaPath, s.MetaPath); err != nil {
		sv.log.Warn("metadata normalization failed",
			slog.String("job_id", s.JobID), slog.String("error", err.Error()))
	}
	if err := sv.store.Save(s); err != nil {
		sv.log.Warn("persist final session state failed",
			slog.String("job_id", s.JobID), slog.String("error", err.Error()))
	}

	sv.pipeline.Release(ClassInference)
	sv.pipeline.Release(ClassRecord)
	sv.releaseLock()

	if sv.metrics != nil && status == StatusFailed {
		sv.metrics.IncSessionsFailed()
	}

	final := s.Clone()
	if sv.onComplete != nil {
		if err := sv.onComplete(final); err != nil {
			sv.log.Warn("session completion callback failed",
				slog.String("job_id", s.JobID), slog.String("error", err.Error()))
		}
	}
	if sv.notifier != nil {
		go func() {
			if err := sv.notifier.SessionFinished(final); err != nil {
				sv.log.Warn("session finished notification failed",
					slog.String("job_id", final.JobID), slog.String("error", err.Error()))
			}
		}()
	}

	close(as.done)
	sv.log.Info("session finalized",
		slog.String("job_id", s.JobID),
		slog.String("status", string(s.Status)),
		slog.String("error", s.Error))
}

// normalizeMetadata rewrites the inference writer's raw JSONL stream as a
// single JSON array of detection frames, skipping unparseable lines.
func normalizeMetadata(rawPath, outPath string) error {
	f, err := os.Open(rawPath)
	if err != nil {
		return err
	}
	defer f.Close()

	frames := make([]DetectionFrame, 0)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var frame DetectionFrame
		if err := json.Unmarshal([]byte(line), &frame); err != nil {
			continue
		}
		frames = append(frames, frame)
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(frames)
	if err != nil {
		return err
	}
	return os.WriteFile(outPath, data, 0o644)
}
