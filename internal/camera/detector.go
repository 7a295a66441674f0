package camera

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Detector supplies detection frames to the auto-record machine.
// Start and Stop block until the underlying detection subprocess is
// confirmed up or down; LatestFrame is non-blocking best-effort, returning
// nil when there is no fresh data.
type Detector interface {
	Start() error
	Stop() error
	LatestFrame() (*DetectionFrame, error)
}

// detectorTailWindow bounds how far back LatestFrame reads when looking
// for the newest frame line.
const detectorTailWindow = 64 * 1024

// PipelineDetector runs a detection subprocess against the shared pipeline
// (retained under the auto-record class) and reads its newest frame from
// the tail of the JSONL file the subprocess appends to.
type PipelineDetector struct {
	launcher  Launcher
	pipeline  *SharedPipeline
	config    PipelineConfig
	framePath string
	log       *slog.Logger
	stopGrace time.Duration

	mu   sync.Mutex
	proc ProcessHandle
}

// NewPipelineDetector returns a stopped detector writing frames to
// framePath.
func NewPipelineDetector(launcher Launcher, pipeline *SharedPipeline, cfg PipelineConfig, framePath string, log *slog.Logger) *PipelineDetector {
	return &PipelineDetector{
		launcher:  launcher,
		pipeline:  pipeline,
		config:    cfg,
		framePath: framePath,
		log:       log,
		stopGrace: 3 * time.Second,
	}
}

// Start retains the pipeline and spawns the detection subprocess. Calling
// Start on a running detector is a no-op.
func (d *PipelineDetector) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.proc != nil {
		return nil
	}
	if err := d.pipeline.Retain(ClassAutoRecord, d.config); err != nil {
		return err
	}

	// Leftover frames from a previous run must not satisfy the
	// freshness check.
	if err := os.Remove(d.framePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		d.pipeline.Release(ClassAutoRecord)
		return fmt.Errorf("clear detection frame file: %w", err)
	}

	proc, err := d.launcher.Launch(LaunchSpec{
		Role:     RoleDetector,
		Config:   d.config,
		MetaPath: d.framePath,
	})
	if err != nil {
		d.pipeline.Release(ClassAutoRecord)
		return fmt.Errorf("start detector: %w", err)
	}
	d.proc = proc
	d.log.Info("detector started", slog.Int("pid", proc.PID()))
	return nil
}

// Stop terminates the detection subprocess and releases the pipeline.
// Stopping an already-stopped detector is a no-op.
func (d *PipelineDetector) Stop() error {
	d.mu.Lock()
	proc := d.proc
	d.proc = nil
	d.mu.Unlock()

	if proc == nil {
		return nil
	}
	terminate(proc, d.stopGrace)
	d.pipeline.Release(ClassAutoRecord)
	d.log.Info("detector stopped")
	return nil
}

// LatestFrame reads the newest detection frame from the tail of the frame
// file. A missing file means no fresh data and returns (nil, nil).
func (d *PipelineDetector) LatestFrame() (*DetectionFrame, error) {
	line, err := lastLine(d.framePath, detectorTailWindow)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if len(line) == 0 {
		return nil, nil
	}

	var frame DetectionFrame
	if err := json.Unmarshal(line, &frame); err != nil {
		return nil, fmt.Errorf("parse detection frame: %w", err)
	}
	return &frame, nil
}

// lastLine returns the final non-empty line within the last window bytes
// of the file at path.
func lastLine(path string, window int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	offset := info.Size() - window
	if offset < 0 {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	lines := bytes.Split(data, []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		if line := bytes.TrimSpace(lines[i]); len(line) > 0 {
			return line, nil
		}
	}
	return nil, nil
}
