package persistence

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/zonewatch/zonewatch/pkg/domain/event"
)

func TestStateFileFirstRun(t *testing.T) {
	sf := NewStateFile(filepath.Join(t.TempDir(), "state.json"))

	st, err := sf.Load()
	if err != nil {
		t.Fatalf("Load() on missing file error = %v", err)
	}
	if !st.Watermark.IsZero() {
		t.Errorf("missing file should yield zero watermark, got %+v", st.Watermark)
	}
}

func TestStateFileRoundTrip(t *testing.T) {
	sf := NewStateFile(filepath.Join(t.TempDir(), "state.json"))

	want := State{
		Watermark: event.Watermark{
			LastEventID:   "42",
			LastEventTime: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		},
	}
	if err := sf.Save(want); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := sf.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.Watermark.LastEventID != "42" {
		t.Errorf("LastEventID = %q", got.Watermark.LastEventID)
	}
	if !got.Watermark.LastEventTime.Equal(want.Watermark.LastEventTime) {
		t.Errorf("LastEventTime = %v", got.Watermark.LastEventTime)
	}
	if got.UpdatedAt.IsZero() {
		t.Error("Save() should stamp UpdatedAt")
	}
}

func TestStateFileOverwrite(t *testing.T) {
	sf := NewStateFile(filepath.Join(t.TempDir(), "state.json"))

	for i, id := range []string{"1", "2", "3"} {
		st := State{Watermark: event.Watermark{
			LastEventID:   id,
			LastEventTime: time.Date(2025, 6, 1, 12, i, 0, 0, time.UTC),
		}}
		if err := sf.Save(st); err != nil {
			t.Fatalf("Save(#%d) error = %v", i, err)
		}
	}

	got, err := sf.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.Watermark.LastEventID != "3" {
		t.Errorf("LastEventID = %q, want last write", got.Watermark.LastEventID)
	}

	// No temp files left behind.
	entries, _ := os.ReadDir(filepath.Dir(sf.Path()))
	if len(entries) != 1 {
		t.Errorf("state dir holds %d files, want 1", len(entries))
	}
}

func TestStateFileCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}

	sf := NewStateFile(path)
	st, err := sf.Load()
	if err == nil {
		t.Fatal("Load() accepted corrupt state")
	}
	if !IsCorrupt(err) {
		t.Errorf("error %v not classified corrupt", err)
	}
	if !st.Watermark.IsZero() {
		t.Errorf("corrupt load should yield zero state, got %+v", st)
	}
}

func TestStateFileToleratesUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	doc := `{
  "watermark": {"last_event_id": "7", "last_event_time": "2025-06-01T12:00:00Z"},
  "updated_at": "2025-06-01T12:00:01Z",
  "future_field": {"nested": true}
}`
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}

	st, err := NewStateFile(path).Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if st.Watermark.LastEventID != "7" {
		t.Errorf("LastEventID = %q", st.Watermark.LastEventID)
	}
}
