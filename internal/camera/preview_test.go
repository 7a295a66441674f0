package camera

import (
	"errors"
	"testing"
	"time"
)

func newTestPreview(t *testing.T) (*PreviewStreamManager, *fakeLauncher, *SharedPipeline) {
	t.Helper()
	l := newFakeLauncher()
	p := newTestPipeline(l)
	mgr := NewPreviewStreamManager(l, p, testLogger(), nil)
	mgr.stopGrace = 5 * time.Millisecond
	return mgr, l, p
}

func TestPreview_AttachAndClose(t *testing.T) {
	mgr, l, p := newTestPreview(t)

	c, err := mgr.Attach(StreamPlain, testConfig)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if got := p.Refs(ClassPreview); got != 1 {
		t.Errorf("expected 1 preview ref, got %d", got)
	}
	spec, ok := l.lastSpec(RolePreview)
	if !ok || !spec.WantStdout {
		t.Error("preview subprocess should be launched with stdout requested")
	}
	if got := mgr.ClientCount(); got != 1 {
		t.Errorf("expected 1 client, got %d", got)
	}

	c.Close()
	c.Close() // safe to repeat
	if got := mgr.ClientCount(); got != 0 {
		t.Errorf("expected 0 clients after close, got %d", got)
	}
	waitFor(t, "preview process exit", l.proc(RolePreview).exited)
	waitFor(t, "pipeline stop", func() bool { return !p.IsRunning() })
}

func TestPreview_OverlayExclusive(t *testing.T) {
	mgr, l, _ := newTestPreview(t)

	first, err := mgr.Attach(StreamOverlay, testConfig)
	if err != nil {
		t.Fatalf("Attach overlay: %v", err)
	}
	if _, ok := l.lastSpec(RoleOverlay); !ok {
		t.Error("overlay attach should launch the overlay role")
	}

	if _, err := mgr.Attach(StreamOverlay, testConfig); !errors.Is(err, ErrOverlayActive) {
		t.Fatalf("expected ErrOverlayActive, got %v", err)
	}

	// Plain clients are not affected by overlay exclusivity.
	plain, err := mgr.Attach(StreamPlain, testConfig)
	if err != nil {
		t.Fatalf("Attach plain beside overlay: %v", err)
	}
	plain.Close()

	// Overlay slot frees on close.
	first.Close()
	second, err := mgr.Attach(StreamOverlay, testConfig)
	if err != nil {
		t.Fatalf("Attach overlay after close: %v", err)
	}
	second.Close()
}

func TestPreview_DeadSubprocessDetaches(t *testing.T) {
	mgr, l, p := newTestPreview(t)

	if _, err := mgr.Attach(StreamPlain, testConfig); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	l.proc(RolePreview).exitWith(1)

	waitFor(t, "client reaped", func() bool { return mgr.ClientCount() == 0 })
	waitFor(t, "ref released", func() bool { return p.Refs(ClassPreview) == 0 })
}

func TestPreview_ForceStopAll(t *testing.T) {
	mgr, _, p := newTestPreview(t)

	for i := 0; i < 3; i++ {
		if _, err := mgr.Attach(StreamPlain, testConfig); err != nil {
			t.Fatalf("Attach %d: %v", i, err)
		}
	}
	mgr.ForceStopAll("test")

	if got := mgr.ClientCount(); got != 0 {
		t.Errorf("expected all clients closed, got %d", got)
	}
	waitFor(t, "pipeline stop", func() bool { return !p.IsRunning() })

	st := mgr.Status()
	if st.Active || st.Clients != 0 {
		t.Errorf("unexpected status after force stop: %+v", st)
	}
}

func TestPreview_AttachFailureClearsOverlayFlag(t *testing.T) {
	mgr, l, _ := newTestPreview(t)
	l.failRoles[RoleOverlay] = errors.New("no overlay binary")

	if _, err := mgr.Attach(StreamOverlay, testConfig); err == nil {
		t.Fatal("expected attach to fail")
	}

	l.failRoles[RoleOverlay] = nil
	c, err := mgr.Attach(StreamOverlay, testConfig)
	if err != nil {
		t.Fatalf("overlay slot should be free after a failed attach: %v", err)
	}
	c.Close()
}
