package camera

import (
	"errors"
	"path/filepath"
	"sync"
)

// Recorder is the three-method contract the auto-record machine drives.
// The full system backs it with the session supervisor, but the machine
// never sees past this interface.
type Recorder interface {
	StartRecording() (string, error)
	StopRecording() (string, error)
	IsRecording() bool
}

// SessionRecorder adapts the Supervisor to the Recorder contract, so the
// auto-record machine goes through the same lock/session mechanics as a
// manual recording.
type SessionRecorder struct {
	supervisor *Supervisor
	config     PipelineConfig

	mu    sync.Mutex
	jobID string
}

// NewSessionRecorder returns a recorder that starts sessions with cfg.
func NewSessionRecorder(supervisor *Supervisor, cfg PipelineConfig) *SessionRecorder {
	return &SessionRecorder{supervisor: supervisor, config: cfg}
}

// StartRecording starts a session and returns the recording filename.
func (r *SessionRecorder) StartRecording() (string, error) {
	s, err := r.supervisor.StartSession(SessionOptions{Config: r.config})
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	r.jobID = s.JobID
	r.mu.Unlock()
	return filepath.Base(s.VideoPath), nil
}

// StopRecording stops the session started by this recorder and returns the
// finalized filename.
func (r *SessionRecorder) StopRecording() (string, error) {
	r.mu.Lock()
	jobID := r.jobID
	r.jobID = ""
	r.mu.Unlock()

	if jobID == "" {
		return "", errors.New("no recording in progress")
	}
	s, err := r.supervisor.StopSession(jobID, "auto-record finish")
	if err != nil {
		return "", err
	}
	return filepath.Base(s.VideoPath), nil
}

// IsRecording reports whether this recorder's session is still active.
func (r *SessionRecorder) IsRecording() bool {
	r.mu.Lock()
	jobID := r.jobID
	r.mu.Unlock()
	if jobID == "" {
		return false
	}
	active, ok := r.supervisor.ActiveJobID()
	return ok && active == jobID
}
