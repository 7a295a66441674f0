package camera

import (
	"errors"
	"fmt"
	"time"
)

// PipelineConfig is the capture geometry a consumer asks the shared
// pipeline for. A running pipeline can only be reused by consumers that
// request the exact same geometry.
type PipelineConfig struct {
	Width  int `json:"width"`
	Height int `json:"height"`
	FPS    int `json:"fps"`
}

// Equal reports whether two configurations are compatible for sharing.
func (c PipelineConfig) Equal(other PipelineConfig) bool {
	return c.Width == other.Width && c.Height == other.Height && c.FPS == other.FPS
}

func (c PipelineConfig) String() string {
	return fmt.Sprintf("%dx%d@%d", c.Width, c.Height, c.FPS)
}

// Status is a session's lifecycle state. Transitions are forward-only:
// running -> stopped or running -> failed, both terminal.
type Status string

const (
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusFailed  Status = "failed"
)

// Terminal reports whether a session in this status can never change again.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusFailed
}

// ExitRecord captures how one session subprocess ended.
type ExitRecord struct {
	Code   int       `json:"code"`
	Signal string    `json:"signal,omitempty"`
	At     time.Time `json:"at"`
}

// Session is one active record+inference job bound to the physical camera.
// The supervisor exclusively owns mutation; everyone else sees copies.
// The full record is persisted after every status transition so status
// survives a process restart.
type Session struct {
	JobID         string                `json:"job_id"`
	Status        Status                `json:"status"`
	StartedAt     time.Time             `json:"started_at"`
	StoppedAt     *time.Time            `json:"stopped_at,omitempty"`
	Error         string                `json:"error,omitempty"`
	Config        PipelineConfig        `json:"config"`
	VideoPath     string                `json:"video_path"`
	VideoTempPath string                `json:"video_temp_path,omitempty"`
	RawMetaPath   string                `json:"raw_meta_path,omitempty"`
	MetaPath      string                `json:"meta_path"`
	RecordPID     int                   `json:"record_pid,omitempty"`
	InferencePID  int                   `json:"inference_pid,omitempty"`
	Exits         map[string]ExitRecord `json:"exits,omitempty"`
	StopRequested bool                  `json:"stop_requested,omitempty"`
}

// Clone returns a deep copy safe to hand to callers.
func (s *Session) Clone() *Session {
	cp := *s
	if s.StoppedAt != nil {
		t := *s.StoppedAt
		cp.StoppedAt = &t
	}
	if s.Exits != nil {
		cp.Exits = make(map[string]ExitRecord, len(s.Exits))
		for k, v := range s.Exits {
			cp.Exits[k] = v
		}
	}
	return &cp
}

// Box is a detection bounding box in pixel coordinates.
type Box struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"width"`
	H float64 `json:"height"`
}

// Detection is one detected object within a frame.
type Detection struct {
	Label      string  `json:"label"`
	ClassID    int     `json:"class_id"`
	Confidence float64 `json:"confidence"`
	Box        Box     `json:"box"`
}

// DetectionFrame is the newest output of the external detector. Timestamp
// and FrameIndex are nullable because not every detector emits them.
type DetectionFrame struct {
	Timestamp  *float64    `json:"timestamp,omitempty"`
	FrameIndex *int64      `json:"frame_index,omitempty"`
	Detections []Detection `json:"detections"`
}

var (
	// ErrCameraBusy is returned when the physical camera is held by
	// another consumer (lock held or device refused the pipeline).
	ErrCameraBusy = errors.New("camera is busy")

	// ErrSessionActive is returned when a session start collides with a
	// session that is still running.
	ErrSessionActive = errors.New("a session is already running")

	// ErrConfigConflict is returned when a retain asks for a geometry that
	// differs from the live pipeline's. Live pipelines are never
	// reconfigured.
	ErrConfigConflict = errors.New("pipeline configuration conflict")

	// ErrNotFound is returned when a job id matches neither the active
	// session nor any persisted record.
	ErrNotFound = errors.New("session not found")

	// ErrOverlayActive is returned when a second AI-overlay preview client
	// tries to attach.
	ErrOverlayActive = errors.New("ai overlay stream is already active")

	// ErrAutoRecordActive is returned when Start is called on an
	// auto-record machine that is not idle or failed.
	ErrAutoRecordActive = errors.New("auto-record is already active")

	// ErrTimeout is returned when a bounded command exceeded its allotted
	// time, as opposed to crashing.
	ErrTimeout = errors.New("command timed out")

	// ErrUnavailable is returned for features disabled at startup.
	ErrUnavailable = errors.New("feature unavailable")
)
