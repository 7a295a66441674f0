package camera

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"syscall"
	"time"
)

// CaptureOptions configures a single still capture.
type CaptureOptions struct {
	Config PipelineConfig

	// Timeout bounds the capture subprocess. Defaults to 10s.
	Timeout time.Duration
}

// StillCapture takes one-shot photos. Each capture takes the camera lock
// for its duration, so it cannot overlap a recording session, and a
// recording session cannot start mid-capture.
type StillCapture struct {
	launcher Launcher
	lock     *ResourceLock
	mediaDir string
	log      *slog.Logger
	now      func() time.Time
}

// NewStillCapture returns a capture service writing stills under mediaDir.
func NewStillCapture(launcher Launcher, lock *ResourceLock, mediaDir string, log *slog.Logger) *StillCapture {
	return &StillCapture{
		launcher: launcher,
		lock:     lock,
		mediaDir: mediaDir,
		log:      log,
		now:      time.Now,
	}
}

// Capture takes a still and returns its path. ErrCameraBusy when the lock
// is held, ErrTimeout when the subprocess outlives the deadline.
func (s *StillCapture) Capture(opts CaptureOptions) (string, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}

	ok, err := s.lock.TryAcquire(opts.Timeout, "still capture")
	if err != nil {
		return "", fmt.Errorf("acquire camera lock: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("%w: camera lock is held", ErrCameraBusy)
	}
	defer func() {
		if err := s.lock.Release(); err != nil {
			s.log.Warn("release camera lock", slog.String("error", err.Error()))
		}
	}()

	out := filepath.Join(s.mediaDir, fmt.Sprintf("still-%s.jpg", s.now().UTC().Format("20060102-150405.000")))
	proc, err := s.launcher.Launch(LaunchSpec{
		Role:       RoleStill,
		Config:     opts.Config,
		OutputPath: out,
	})
	if err != nil {
		return "", fmt.Errorf("start capture: %w", err)
	}

	select {
	case <-proc.Done():
		if exit := proc.Exit(); exit.Code != 0 {
			return "", fmt.Errorf("capture exited with code %d: %s", exit.Code, proc.Stderr())
		}
	case <-time.After(opts.Timeout):
		if err := proc.Signal(syscall.SIGKILL); err != nil {
			s.log.Warn("kill capture subprocess", slog.String("error", err.Error()))
		}
		<-proc.Done()
		return "", fmt.Errorf("%w: capture did not finish within %s", ErrTimeout, opts.Timeout)
	}

	s.log.Info("still captured", slog.String("path", out))
	return out, nil
}
