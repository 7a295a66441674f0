package camera

import (
	"errors"
	"sync"
	"testing"
	"time"

	"pgregory.net/rapid"
)

func TestSharedPipeline_RetainLaunchesOnce(t *testing.T) {
	l := newFakeLauncher()
	p := newTestPipeline(l)

	if err := p.Retain(ClassPreview, testConfig); err != nil {
		t.Fatalf("Retain: %v", err)
	}
	if err := p.Retain(ClassRecord, testConfig); err != nil {
		t.Fatalf("second Retain: %v", err)
	}

	if got := l.launchCount(RolePipeline); got != 1 {
		t.Errorf("expected 1 pipeline launch, got %d", got)
	}
	if !p.IsRunning() {
		t.Error("expected pipeline running")
	}
	if got := p.Refs(ClassPreview); got != 1 {
		t.Errorf("preview refs: expected 1, got %d", got)
	}
	if got := p.Refs(ClassRecord); got != 1 {
		t.Errorf("record refs: expected 1, got %d", got)
	}
}

func TestSharedPipeline_ConfigConflict(t *testing.T) {
	l := newFakeLauncher()
	p := newTestPipeline(l)

	if err := p.Retain(ClassPreview, testConfig); err != nil {
		t.Fatalf("Retain: %v", err)
	}
	err := p.Retain(ClassRecord, PipelineConfig{Width: 1920, Height: 1080, FPS: 30})
	if !errors.Is(err, ErrConfigConflict) {
		t.Fatalf("expected ErrConfigConflict, got %v", err)
	}
	if got := p.Refs(ClassRecord); got != 0 {
		t.Errorf("rejected retain must not count: got %d refs", got)
	}
}

func TestSharedPipeline_LastReleaseStops(t *testing.T) {
	l := newFakeLauncher()
	p := newTestPipeline(l)

	if err := p.Retain(ClassPreview, testConfig); err != nil {
		t.Fatalf("Retain: %v", err)
	}
	if err := p.Retain(ClassRecord, testConfig); err != nil {
		t.Fatalf("Retain: %v", err)
	}

	p.Release(ClassPreview)
	if !p.IsRunning() {
		t.Fatal("pipeline stopped while a consumer remained")
	}

	p.Release(ClassRecord)
	proc := l.proc(RolePipeline)
	waitFor(t, "pipeline process exit", proc.exited)
	waitFor(t, "pipeline stopped", func() bool { return !p.IsRunning() })

	if got := l.launchCount(RolePipeline); got != 1 {
		t.Errorf("stop must not relaunch: got %d launches", got)
	}
}

func TestSharedPipeline_ReleaseFlooredAtZero(t *testing.T) {
	l := newFakeLauncher()
	p := newTestPipeline(l)

	// Releasing an idle class must not wedge the counts negative.
	p.Release(ClassPreview)
	if err := p.Retain(ClassPreview, testConfig); err != nil {
		t.Fatalf("Retain: %v", err)
	}
	if !p.IsRunning() {
		t.Error("expected pipeline running after retain")
	}
}

func TestSharedPipeline_StartupExitIsBusy(t *testing.T) {
	l := newFakeLauncher()
	l.dieAtLaunch[RolePipeline] = 1
	p := newTestPipeline(l)

	err := p.Retain(ClassRecord, testConfig)
	if !errors.Is(err, ErrCameraBusy) {
		t.Fatalf("expected ErrCameraBusy, got %v", err)
	}
	if got := p.Refs(ClassRecord); got != 0 {
		t.Errorf("failed retain must not count: got %d refs", got)
	}
	if p.IsRunning() {
		t.Error("expected pipeline not running")
	}
}

func TestSharedPipeline_CrashRestartsWhileConsumersRemain(t *testing.T) {
	l := newFakeLauncher()
	p := newTestPipeline(l)

	if err := p.Retain(ClassPreview, testConfig); err != nil {
		t.Fatalf("Retain: %v", err)
	}

	l.proc(RolePipeline).exitWith(1)

	waitFor(t, "pipeline relaunch", func() bool { return l.launchCount(RolePipeline) == 2 })
	waitFor(t, "pipeline running again", p.IsRunning)

	if got := p.Refs(ClassPreview); got != 1 {
		t.Errorf("restart must preserve refs: got %d", got)
	}
}

func TestSharedPipeline_NoRestartAfterAllConsumersLeft(t *testing.T) {
	l := newFakeLauncher()
	p := newTestPipeline(l)
	p.restartDelay = 30 * time.Millisecond

	if err := p.Retain(ClassPreview, testConfig); err != nil {
		t.Fatalf("Retain: %v", err)
	}

	l.proc(RolePipeline).exitWith(1)
	p.Release(ClassPreview)

	time.Sleep(100 * time.Millisecond)
	if got := l.launchCount(RolePipeline); got != 1 {
		t.Errorf("restart fired with zero consumers: %d launches", got)
	}
	if p.IsRunning() {
		t.Error("expected pipeline stopped")
	}
}

func TestSharedPipeline_ReleaseDuringRestartStopsPipeline(t *testing.T) {
	l := newFakeLauncher()
	p := newTestPipeline(l)
	p.healthWindow = 50 * time.Millisecond

	if err := p.Retain(ClassPreview, testConfig); err != nil {
		t.Fatalf("Retain: %v", err)
	}
	l.proc(RolePipeline).exitWith(1)

	// The relaunch sits in its health window when the last consumer
	// leaves, so the release finds no process to signal.
	waitFor(t, "pipeline relaunch", func() bool { return l.launchCount(RolePipeline) == 2 })
	p.Release(ClassPreview)

	second := l.proc(RolePipeline)
	waitFor(t, "relaunched process stopped", second.exited)
	waitFor(t, "pipeline stopped", func() bool { return !p.IsRunning() })

	time.Sleep(100 * time.Millisecond)
	if p.IsRunning() {
		t.Error("pipeline running at rest with zero consumers")
	}
	if got := l.launchCount(RolePipeline); got != 2 {
		t.Errorf("expected no further launches, got %d", got)
	}
}

func TestSharedPipeline_ConcurrentRetainsShareOneStart(t *testing.T) {
	l := newFakeLauncher()
	p := newTestPipeline(l)
	p.healthWindow = 30 * time.Millisecond

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = p.Retain(ClassPreview, testConfig)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Retain %d: %v", i, err)
		}
	}
	if got := l.launchCount(RolePipeline); got != 1 {
		t.Errorf("expected a single shared start, got %d launches", got)
	}
	if got := p.Refs(ClassPreview); got != 8 {
		t.Errorf("expected 8 refs, got %d", got)
	}
}

// At rest, the pipeline runs exactly when the total reference count is
// positive, across any retain/release sequence.
func TestSharedPipeline_RefcountProperty(t *testing.T) {
	classes := []string{ClassPreview, ClassRecord, ClassInference, ClassCapture, ClassAutoRecord}

	rapid.Check(t, func(rt *rapid.T) {
		l := newFakeLauncher()
		p := newTestPipeline(l)
		counts := make(map[string]int)
		total := 0

		rt.Repeat(map[string]func(*rapid.T){
			"retain": func(rt *rapid.T) {
				class := rapid.SampledFrom(classes).Draw(rt, "class")
				if err := p.Retain(class, testConfig); err != nil {
					rt.Fatalf("Retain: %v", err)
				}
				counts[class]++
				total++
			},
			"release": func(rt *rapid.T) {
				class := rapid.SampledFrom(classes).Draw(rt, "class")
				p.Release(class)
				if counts[class] > 0 {
					counts[class]--
					total--
				}
			},
		})

		want := total > 0
		deadline := time.Now().Add(2 * time.Second)
		for p.IsRunning() != want && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		if p.IsRunning() != want {
			rt.Fatalf("at rest with %d refs, running=%v", total, p.IsRunning())
		}
		for _, class := range classes {
			if got := p.Refs(class); got != counts[class] {
				rt.Fatalf("refs[%s]=%d, model says %d", class, got, counts[class])
			}
		}
	})
}
