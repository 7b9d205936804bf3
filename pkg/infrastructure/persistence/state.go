// Package persistence provides the filesystem and SQLite adapters behind the
// bridge's durable state: the poller watermark and the audit journal.
package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zonewatch/zonewatch/pkg/domain/event"
)

// ---------------------------------------------------------------------------
// State file — watermark persistence
// ---------------------------------------------------------------------------

// State is the durable bridge state. Unknown fields in the file are
// tolerated on read so newer builds can add fields without breaking older
// ones.
type State struct {
	Watermark event.Watermark `json:"watermark"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// StateFile persists State as a single JSON document. Writes go through a
// temp file and rename so a crash mid-write never leaves a half document.
type StateFile struct {
	path string
	mu   sync.Mutex
}

// NewStateFile creates a store at path. The file itself is created on the
// first Save.
func NewStateFile(path string) *StateFile {
	return &StateFile{path: path}
}

// Path returns the backing file location.
func (s *StateFile) Path() string { return s.path }

// Load reads the persisted state. A missing file is a normal first run and
// yields the zero State. An unreadable or unparsable file yields a
// CorruptStateError; callers fall back to a bounded replay window instead
// of refusing to start.
func (s *StateFile) Load() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return State{}, nil
		}
		return State{}, &CorruptStateError{Path: s.path, Err: err}
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, &CorruptStateError{Path: s.path, Err: err}
	}
	return st, nil
}

// Save persists the state atomically.
func (s *StateFile) Save(st State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now().UTC()
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp state: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace state: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Corruption taxonomy
// ---------------------------------------------------------------------------

// CorruptStateError marks a state file that exists but cannot be trusted.
type CorruptStateError struct {
	Path string
	Err  error
}

func (e *CorruptStateError) Error() string {
	return fmt.Sprintf("state file %s unreadable: %v", e.Path, e.Err)
}

func (e *CorruptStateError) Unwrap() error { return e.Err }

// IsCorrupt reports whether err marks unreadable persisted state.
func IsCorrupt(err error) bool {
	var ce *CorruptStateError
	return errors.As(err, &ce)
}
