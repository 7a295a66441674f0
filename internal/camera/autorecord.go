package camera

import (
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"
)

// AutoRecordState is the machine's current lifecycle state.
type AutoRecordState string

const (
	AutoIdle          AutoRecordState = "idle"
	AutoArming        AutoRecordState = "arming"
	AutoAddressLocked AutoRecordState = "addressLocked"
	AutoRecording     AutoRecordState = "recording"
	AutoFinishLocked  AutoRecordState = "finishLocked"
	AutoStopping      AutoRecordState = "stopping"
	AutoFailed        AutoRecordState = "failed"
)

// AutoRecordConfig tunes the detection-driven recording lifecycle.
type AutoRecordConfig struct {
	// PollInterval is the detection poll cadence.
	PollInterval time.Duration

	// AddressStill is how long the subject must hold still in arming
	// before recording starts.
	AddressStill time.Duration

	// FinishMissingFrames is the consecutive subject-less poll count that
	// ends a recording.
	FinishMissingFrames int

	// MinConfidence filters detections before the subject test.
	MinConfidence float64

	// MaxCenterShift is the allowed center displacement, in pixels,
	// against the reference box.
	MaxCenterShift float64

	// MaxAreaChange is the allowed relative box-area change against the
	// reference box.
	MaxAreaChange float64

	// IsSubject decides which detections count as the subject. Class
	// index mappings are dataset-specific, so the predicate is injected
	// rather than hardcoded.
	IsSubject func(Detection) bool

	// PauseDetectorWhileRecording stops the detector on entry to
	// recording to conserve the shared pipeline's reference count.
	// Detection then resumes only on the next Start, so the recording
	// ends by explicit Stop.
	PauseDetectorWhileRecording bool
}

func (c *AutoRecordConfig) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.AddressStill <= 0 {
		c.AddressStill = 2 * time.Second
	}
	if c.FinishMissingFrames <= 0 {
		c.FinishMissingFrames = 10
	}
	if c.MinConfidence <= 0 {
		c.MinConfidence = 0.5
	}
	if c.MaxCenterShift <= 0 {
		c.MaxCenterShift = 40
	}
	if c.MaxAreaChange <= 0 {
		c.MaxAreaChange = 0.3
	}
	if c.IsSubject == nil {
		c.IsSubject = SubjectPredicate(0)
	}
}

// SubjectPredicate returns the default person test: a literal "person"
// label or the given dataset-specific class index.
func SubjectPredicate(classIndex int) func(Detection) bool {
	return func(d Detection) bool {
		return strings.EqualFold(d.Label, "person") || d.ClassID == classIndex
	}
}

// AutoRecordStatus is a point-in-time snapshot for callers.
type AutoRecordStatus struct {
	State         AutoRecordState `json:"state"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	Recording     string          `json:"recording,omitempty"`
	LastRecording string          `json:"last_recording,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
}

// AutoRecordMachine drives the camera through an arming, locked,
// recording, finishing lifecycle from a tick-polled detection feed. It
// only depends on the Detector and Recorder contracts.
type AutoRecordMachine struct {
	cfg      AutoRecordConfig
	detector Detector
	recorder Recorder
	log      *slog.Logger

	// now and after are injection points for tests.
	now   func() time.Time
	after func(d time.Duration, f func()) *time.Timer

	mu            sync.Mutex
	state         AutoRecordState
	startedAt     time.Time
	recording     string
	lastRecording string
	lastErr       string

	// Detection-stability window. Reset whenever the subject is lost or
	// the machine leaves arming.
	refBox      *Box
	windowStart time.Time
	missCount   int

	// Freshness guard against reprocessing an identical frame.
	lastStamp *float64
	lastIndex *int64

	timer   *time.Timer
	polling bool
}

// NewAutoRecordMachine returns an idle machine.
func NewAutoRecordMachine(cfg AutoRecordConfig, detector Detector, recorder Recorder, log *slog.Logger) *AutoRecordMachine {
	cfg.applyDefaults()
	return &AutoRecordMachine{
		cfg:      cfg,
		detector: detector,
		recorder: recorder,
		log:      log,
		now:      time.Now,
		after:    time.AfterFunc,
		state:    AutoIdle,
	}
}

// Start arms the machine. Only idle and failed accept a start; a start
// from failed clears the stored error. Any error starting the detector
// drives the machine to failed.
func (m *AutoRecordMachine) Start() error {
	m.mu.Lock()
	if m.state != AutoIdle && m.state != AutoFailed {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: machine is %s", ErrAutoRecordActive, state)
	}
	m.resetLocked()
	m.state = AutoArming
	m.startedAt = m.now()
	m.mu.Unlock()

	if err := m.detector.Start(); err != nil {
		wrapped := fmt.Errorf("start detector: %w", err)
		m.fail(wrapped)
		return wrapped
	}

	m.mu.Lock()
	m.scheduleLocked()
	m.mu.Unlock()
	m.log.Info("auto-record armed")
	return nil
}

// Stop force-stops the machine from any active state: the recording (if
// one is running) and the detector are shut down and the machine returns
// to idle. Stopping an inactive machine is a no-op.
func (m *AutoRecordMachine) Stop(reason string) error {
	m.mu.Lock()
	if !m.activeLocked() {
		m.mu.Unlock()
		return nil
	}
	if m.state == AutoStopping || m.state == AutoFinishLocked {
		// A finish or stop is already tearing the recording down; a
		// second teardown would trip over the first.
		m.mu.Unlock()
		return nil
	}
	m.state = AutoStopping
	m.stopTimerLocked()
	m.mu.Unlock()

	m.log.Info("auto-record stop requested", slog.String("reason", reason))

	var firstErr error
	if m.recorder.IsRecording() {
		if name, err := m.recorder.StopRecording(); err != nil {
			firstErr = fmt.Errorf("stop recording: %w", err)
		} else {
			m.mu.Lock()
			m.lastRecording = name
			m.mu.Unlock()
		}
	}
	if err := m.detector.Stop(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("stop detector: %w", err)
	}
	if firstErr != nil {
		m.fail(firstErr)
		return firstErr
	}

	m.mu.Lock()
	m.state = AutoIdle
	m.recording = ""
	m.resetWindowLocked()
	m.mu.Unlock()
	return nil
}

// State returns the current lifecycle state.
func (m *AutoRecordMachine) State() AutoRecordState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Status returns a snapshot for callers.
func (m *AutoRecordMachine) Status() AutoRecordStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := AutoRecordStatus{
		State:         m.state,
		Recording:     m.recording,
		LastRecording: m.lastRecording,
		LastError:     m.lastErr,
	}
	if !m.startedAt.IsZero() && m.activeLocked() {
		t := m.startedAt
		st.StartedAt = &t
	}
	return st
}

// poll is the self-rescheduling tick: at most one in flight, rescheduled
// only while the machine remains active.
func (m *AutoRecordMachine) poll() {
	m.mu.Lock()
	if m.polling || !m.activeLocked() {
		m.mu.Unlock()
		return
	}
	m.polling = true
	m.mu.Unlock()

	m.step()

	m.mu.Lock()
	m.polling = false
	m.scheduleLocked()
	m.mu.Unlock()
}

// step runs one tick: fetch the latest frame, skip stale data, and apply
// the current state's transition rule.
func (m *AutoRecordMachine) step() {
	frame, err := m.detector.LatestFrame()
	if err != nil {
		m.log.Warn("detection fetch failed", slog.String("error", err.Error()))
		frame = nil
	}

	m.mu.Lock()
	if frame != nil && m.sameFrameLocked(frame) {
		m.mu.Unlock()
		return
	}
	m.rememberFrameLocked(frame)
	state := m.state
	m.mu.Unlock()

	switch state {
	case AutoArming:
		m.stepArming(frame)
	case AutoRecording:
		m.stepRecording(frame)
	}
}

// stepArming runs the subject-stability test and, once the subject has
// held still for the configured window, locks and starts recording.
func (m *AutoRecordMachine) stepArming(frame *DetectionFrame) {
	det, found := bestSubject(frame, m.cfg.IsSubject, m.cfg.MinConfidence)

	m.mu.Lock()
	if m.state != AutoArming {
		m.mu.Unlock()
		return
	}
	if !found {
		m.missCount++
		m.resetWindowKeepMissLocked()
		m.mu.Unlock()
		return
	}
	m.missCount = 0

	now := m.now()
	if m.refBox == nil || !withinTolerance(*m.refBox, det.Box, m.cfg.MaxCenterShift, m.cfg.MaxAreaChange) {
		// Seed, or re-seed after a drift, the stability window on this
		// detection. Not yet stable.
		box := det.Box
		m.refBox = &box
		m.windowStart = now
		m.mu.Unlock()
		return
	}
	if now.Sub(m.windowStart) < m.cfg.AddressStill {
		m.mu.Unlock()
		return
	}
	m.state = AutoAddressLocked
	m.resetWindowLocked()
	m.mu.Unlock()

	m.log.Info("address lock acquired, starting recording")
	m.beginRecording()
}

// beginRecording starts the underlying session; failure drives the machine
// to failed. A stop that lands while the session is starting wins: the
// session is shut back down instead of running on without an owner.
func (m *AutoRecordMachine) beginRecording() {
	if m.cfg.PauseDetectorWhileRecording {
		if err := m.detector.Stop(); err != nil {
			m.fail(fmt.Errorf("pause detector: %w", err))
			return
		}
	}
	name, err := m.recorder.StartRecording()
	if err != nil {
		m.fail(fmt.Errorf("start recording: %w", err))
		return
	}

	m.mu.Lock()
	if m.state != AutoAddressLocked {
		m.mu.Unlock()
		m.log.Info("recording start lost to a stop, shutting session down", slog.String("file", name))
		if _, stopErr := m.recorder.StopRecording(); stopErr != nil {
			m.log.Warn("stop orphaned recording", slog.String("error", stopErr.Error()))
		}
		return
	}
	m.state = AutoRecording
	m.recording = name
	m.missCount = 0
	m.mu.Unlock()
	m.log.Info("recording started", slog.String("file", name))
}

// stepRecording counts consecutive subject-less polls and triggers the
// finish sequence once the threshold is reached.
func (m *AutoRecordMachine) stepRecording(frame *DetectionFrame) {
	_, found := bestSubject(frame, m.cfg.IsSubject, m.cfg.MinConfidence)

	m.mu.Lock()
	if m.state != AutoRecording {
		m.mu.Unlock()
		return
	}
	if found {
		m.missCount = 0
		m.mu.Unlock()
		return
	}
	m.missCount++
	if m.missCount < m.cfg.FinishMissingFrames {
		m.mu.Unlock()
		return
	}
	m.state = AutoFinishLocked
	missed := m.missCount
	m.mu.Unlock()

	m.log.Info("finish lock acquired, stopping recording", slog.Int("missed_polls", missed))
	m.finishRecording()
}

// finishRecording stops the session and the detector and returns to idle.
func (m *AutoRecordMachine) finishRecording() {
	m.mu.Lock()
	m.state = AutoStopping
	m.mu.Unlock()

	name, err := m.recorder.StopRecording()
	if err != nil {
		m.fail(fmt.Errorf("stop recording: %w", err))
		return
	}
	if err := m.detector.Stop(); err != nil {
		m.fail(fmt.Errorf("stop detector: %w", err))
		return
	}

	m.mu.Lock()
	m.lastRecording = name
	m.recording = ""
	m.state = AutoIdle
	m.stopTimerLocked()
	m.resetWindowLocked()
	m.mu.Unlock()
	m.log.Info("auto-record cycle complete", slog.String("file", name))
}

// fail records the error, stops the timer, and best-effort resets the
// collaborators so a later Start finds them idle.
func (m *AutoRecordMachine) fail(err error) {
	m.log.Error("auto-record failed", slog.String("error", err.Error()))

	m.mu.Lock()
	m.state = AutoFailed
	m.lastErr = err.Error()
	m.recording = ""
	m.stopTimerLocked()
	m.resetWindowLocked()
	m.mu.Unlock()

	if m.recorder.IsRecording() {
		if _, stopErr := m.recorder.StopRecording(); stopErr != nil {
			m.log.Warn("session cleanup after failure", slog.String("error", stopErr.Error()))
		}
	}
	if stopErr := m.detector.Stop(); stopErr != nil {
		m.log.Warn("detector cleanup after failure", slog.String("error", stopErr.Error()))
	}
}

func (m *AutoRecordMachine) activeLocked() bool {
	return m.state != AutoIdle && m.state != AutoFailed
}

func (m *AutoRecordMachine) scheduleLocked() {
	if !m.activeLocked() {
		return
	}
	m.timer = m.after(m.cfg.PollInterval, m.poll)
}

func (m *AutoRecordMachine) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *AutoRecordMachine) resetWindowLocked() {
	m.refBox = nil
	m.windowStart = time.Time{}
	m.missCount = 0
}

// resetWindowKeepMissLocked clears the stability window but preserves the
// running miss streak.
func (m *AutoRecordMachine) resetWindowKeepMissLocked() {
	m.refBox = nil
	m.windowStart = time.Time{}
}

// resetLocked restores the machine's per-run fields to defaults.
func (m *AutoRecordMachine) resetLocked() {
	m.lastErr = ""
	m.recording = ""
	m.lastStamp = nil
	m.lastIndex = nil
	m.resetWindowLocked()
}

// sameFrameLocked reports whether frame carries the same timestamp (or
// frame index when the timestamp is absent) as the previously processed
// frame. Frames without either are always processed.
func (m *AutoRecordMachine) sameFrameLocked(frame *DetectionFrame) bool {
	if frame.Timestamp != nil {
		return m.lastStamp != nil && *m.lastStamp == *frame.Timestamp
	}
	if frame.FrameIndex != nil {
		return m.lastIndex != nil && *m.lastIndex == *frame.FrameIndex
	}
	return false
}

func (m *AutoRecordMachine) rememberFrameLocked(frame *DetectionFrame) {
	if frame == nil {
		return
	}
	m.lastStamp = frame.Timestamp
	m.lastIndex = frame.FrameIndex
}

// bestSubject returns the first detection in frame order that passes the
// subject predicate at or above minConfidence.
func bestSubject(frame *DetectionFrame, isSubject func(Detection) bool, minConfidence float64) (Detection, bool) {
	if frame == nil {
		return Detection{}, false
	}
	for _, det := range frame.Detections {
		if det.Confidence >= minConfidence && isSubject(det) {
			return det, true
		}
	}
	return Detection{}, false
}

// withinTolerance reports whether det stayed inside the stability envelope
// around ref: center displacement at most maxShift pixels and relative
// area change at most maxAreaChange.
func withinTolerance(ref, det Box, maxShift, maxAreaChange float64) bool {
	dx := (det.X + det.W/2) - (ref.X + ref.W/2)
	dy := (det.Y + det.H/2) - (ref.Y + ref.H/2)
	if math.Hypot(dx, dy) > maxShift {
		return false
	}
	refArea := ref.W * ref.H
	if refArea <= 0 {
		return false
	}
	change := math.Abs(det.W*det.H-refArea) / refArea
	return change <= maxAreaChange
}

// AutoRecordCapability is the feature flag resolved once at startup:
// either a live machine or a typed unavailable reason.
type AutoRecordCapability struct {
	Machine *AutoRecordMachine
	Reason  string
}

// Available reports whether the auto-record feature is wired.
func (c AutoRecordCapability) Available() bool { return c.Machine != nil }
