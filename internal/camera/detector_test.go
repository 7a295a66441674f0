package camera

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestDetector(t *testing.T) (*PipelineDetector, *fakeLauncher, *SharedPipeline, string) {
	t.Helper()
	l := newFakeLauncher()
	p := newTestPipeline(l)
	framePath := filepath.Join(t.TempDir(), "detections.jsonl")
	d := NewPipelineDetector(l, p, testConfig, framePath, testLogger())
	d.stopGrace = 5 * time.Millisecond
	return d, l, p, framePath
}

func TestPipelineDetector_StartStop(t *testing.T) {
	d, l, p, framePath := newTestDetector(t)

	if err := d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := p.Refs(ClassAutoRecord); got != 1 {
		t.Errorf("expected 1 auto-record ref, got %d", got)
	}
	spec, ok := l.lastSpec(RoleDetector)
	if !ok || spec.MetaPath != framePath {
		t.Errorf("detector should write to %q, got %q", framePath, spec.MetaPath)
	}

	// Second start is a no-op.
	if err := d.Start(); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if got := l.launchCount(RoleDetector); got != 1 {
		t.Errorf("expected 1 detector launch, got %d", got)
	}

	if err := d.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !l.proc(RoleDetector).exited() {
		t.Error("detector process not terminated")
	}
	if got := p.Refs(ClassAutoRecord); got != 0 {
		t.Errorf("expected refs released, got %d", got)
	}
	if err := d.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestPipelineDetector_StartClearsStaleFrames(t *testing.T) {
	d, _, _, framePath := newTestDetector(t)

	if err := os.WriteFile(framePath, []byte(`{"detections":[]}`+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := os.Stat(framePath); !os.IsNotExist(err) {
		t.Error("stale frame file should be removed at start")
	}
}

func TestPipelineDetector_LaunchFailureReleasesPipeline(t *testing.T) {
	d, l, p, _ := newTestDetector(t)
	l.failRoles[RoleDetector] = os.ErrPermission

	if err := d.Start(); err == nil {
		t.Fatal("expected start to fail")
	}
	if got := p.Refs(ClassAutoRecord); got != 0 {
		t.Errorf("failed start leaked %d refs", got)
	}
}

func TestPipelineDetector_LatestFrame(t *testing.T) {
	d, _, _, framePath := newTestDetector(t)

	frame, err := d.LatestFrame()
	if err != nil || frame != nil {
		t.Fatalf("missing file: expected (nil, nil), got (%v, %v)", frame, err)
	}

	lines := `{"timestamp": 1.0, "detections": []}` + "\n" +
		`{"timestamp": 2.0, "detections": [{"label": "person", "confidence": 0.8, "box": {"x": 1, "y": 2, "width": 3, "height": 4}}]}` + "\n"
	if err := os.WriteFile(framePath, []byte(lines), 0o644); err != nil {
		t.Fatal(err)
	}

	frame, err = d.LatestFrame()
	if err != nil {
		t.Fatalf("LatestFrame: %v", err)
	}
	if frame == nil || frame.Timestamp == nil || *frame.Timestamp != 2.0 {
		t.Fatalf("expected the newest frame, got %+v", frame)
	}
	if len(frame.Detections) != 1 || frame.Detections[0].Label != "person" {
		t.Errorf("unexpected detections: %+v", frame.Detections)
	}
}

func TestPipelineDetector_LatestFrameEmptyFile(t *testing.T) {
	d, _, _, framePath := newTestDetector(t)
	if err := os.WriteFile(framePath, []byte("\n\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	frame, err := d.LatestFrame()
	if err != nil || frame != nil {
		t.Errorf("blank file: expected (nil, nil), got (%v, %v)", frame, err)
	}
}

func TestPipelineDetector_LatestFrameGarbage(t *testing.T) {
	d, _, _, framePath := newTestDetector(t)
	if err := os.WriteFile(framePath, []byte("not json\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := d.LatestFrame(); err == nil {
		t.Error("expected a parse error for garbage data")
	}
}
