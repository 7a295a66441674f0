package camera

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pgregory.net/rapid"
)

func newTestStore(t *testing.T) *DiskSessionStore {
	t.Helper()
	store, err := NewDiskSessionStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewDiskSessionStore: %v", err)
	}
	return store
}

func TestDiskSessionStore_SaveLoad(t *testing.T) {
	store := newTestStore(t)

	stoppedAt := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)
	want := &Session{
		JobID:     "20260301-120000-abcd1234",
		Status:    StatusStopped,
		StartedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		StoppedAt: &stoppedAt,
		Config:    testConfig,
		VideoPath: "/media/20260301-120000-abcd1234.mp4",
		MetaPath:  "/media/20260301-120000-abcd1234.detections.json",
		Exits: map[string]ExitRecord{
			RoleRecord: {Code: 0, At: stoppedAt},
		},
	}
	if err := store.Save(want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := store.Load(want.JobID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.JobID != want.JobID || got.Status != want.Status || got.VideoPath != want.VideoPath {
		t.Errorf("Load: got %+v, want %+v", got, want)
	}
	if got.StoppedAt == nil || !got.StoppedAt.Equal(stoppedAt) {
		t.Errorf("StoppedAt: got %v, want %v", got.StoppedAt, stoppedAt)
	}
	if got.Exits[RoleRecord].Code != 0 {
		t.Errorf("Exits not round-tripped: %+v", got.Exits)
	}
}

func TestDiskSessionStore_LoadMissing(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Load("nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDiskSessionStore_ListNewestFirst(t *testing.T) {
	store := newTestStore(t)

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		s := &Session{
			JobID:     fmt.Sprintf("job-%d", i),
			Status:    StatusStopped,
			StartedAt: base.Add(time.Duration(i) * time.Hour),
		}
		if err := store.Save(s); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	got, err := store.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(got))
	}
	for i := 0; i < len(got)-1; i++ {
		if got[i].StartedAt.Before(got[i+1].StartedAt) {
			t.Errorf("List order: index %d (%v) older than %d (%v)",
				i, got[i].StartedAt, i+1, got[i+1].StartedAt)
		}
	}
}

func TestDiskSessionStore_ListSkipsGarbage(t *testing.T) {
	dir := t.TempDir()
	store, err := NewDiskSessionStore(dir)
	if err != nil {
		t.Fatal(err)
	}

	if err := store.Save(&Session{JobID: "good", Status: StatusStopped}); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := store.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 1 || got[0].JobID != "good" {
		t.Errorf("expected only the parseable record, got %d", len(got))
	}
}

func TestDiskSessionStore_SaveLoadProperty(t *testing.T) {
	store := newTestStore(t)
	statuses := []Status{StatusRunning, StatusStopped, StatusFailed}

	rapid.Check(t, func(rt *rapid.T) {
		s := &Session{
			JobID:  rapid.StringMatching(`[a-z0-9]{4,16}`).Draw(rt, "job_id"),
			Status: rapid.SampledFrom(statuses).Draw(rt, "status"),
			StartedAt: time.Unix(rapid.Int64Range(0, 1<<32).Draw(rt, "started"), 0).
				UTC(),
			Error: rapid.StringMatching(`[ -~]{0,40}`).Draw(rt, "error"),
			Config: PipelineConfig{
				Width:  rapid.IntRange(1, 4096).Draw(rt, "width"),
				Height: rapid.IntRange(1, 4096).Draw(rt, "height"),
				FPS:    rapid.IntRange(1, 120).Draw(rt, "fps"),
			},
		}
		if err := store.Save(s); err != nil {
			rt.Fatalf("Save: %v", err)
		}
		got, err := store.Load(s.JobID)
		if err != nil {
			rt.Fatalf("Load: %v", err)
		}
		if got.JobID != s.JobID || got.Status != s.Status || got.Error != s.Error {
			rt.Fatalf("round trip mismatch: got %+v, want %+v", got, s)
		}
		if !got.Config.Equal(s.Config) {
			rt.Fatalf("config mismatch: got %s, want %s", got.Config, s.Config)
		}
		if !got.StartedAt.Equal(s.StartedAt) {
			rt.Fatalf("started_at mismatch: got %v, want %v", got.StartedAt, s.StartedAt)
		}
	})
}
