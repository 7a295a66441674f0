package camera

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// SessionStore is the persistence abstraction for session records.
// One structured record per job id, written after every status transition,
// read back by GetStatus when the job is not the in-memory active session.
type SessionStore interface {
	Save(s *Session) error
	Load(jobID string) (*Session, error) // wraps ErrNotFound when absent
	List() ([]*Session, error)           // sorted by start time descending
}

// DiskSessionStore stores one JSON file per job id under a directory.
type DiskSessionStore struct {
	dir string
}

// NewDiskSessionStore creates dir if needed and returns a store over it.
func NewDiskSessionStore(dir string) (*DiskSessionStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session state directory: %w", err)
	}
	return &DiskSessionStore{dir: dir}, nil
}

func (d *DiskSessionStore) pathFor(jobID string) string {
	return filepath.Join(d.dir, jobID+".json")
}

// Save marshals s and writes it atomically via a temp file + os.Rename, so
// a crash mid-write never leaves a truncated record behind.
func (d *DiskSessionStore) Save(s *Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", s.JobID, err)
	}

	tmp, err := os.CreateTemp(d.dir, s.JobID+"-*.json.tmp")
	if err != nil {
		return fmt.Errorf("persist session %s: %w", s.JobID, err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("persist session %s: %w", s.JobID, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("persist session %s: %w", s.JobID, err)
	}
	if err = os.Rename(tmpName, d.pathFor(s.JobID)); err != nil {
		return fmt.Errorf("persist session %s: %w", s.JobID, err)
	}
	return nil
}

// Load reads the record for jobID, wrapping ErrNotFound when absent.
func (d *DiskSessionStore) Load(jobID string) (*Session, error) {
	data, err := os.ReadFile(d.pathFor(jobID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
		}
		return nil, fmt.Errorf("read session %s: %w", jobID, err)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse session %s: %w", jobID, err)
	}
	return &s, nil
}

// List scans every persisted record, skipping unparseable files, and
// returns them sorted by start time descending.
func (d *DiskSessionStore) List() ([]*Session, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, fmt.Errorf("scan session state directory: %w", err)
	}

	sessions := make([]*Session, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		s, err := d.Load(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		sessions = append(sessions, s)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartedAt.After(sessions[j].StartedAt)
	})
	return sessions, nil
}
