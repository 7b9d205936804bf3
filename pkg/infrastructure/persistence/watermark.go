package persistence

import "github.com/zonewatch/zonewatch/pkg/domain/event"

// WatermarkStore persists the relay watermark through the JSON state file.
// It is the only writer of that file; the poller owns the only instance.
type WatermarkStore struct {
	file *StateFile
}

// NewWatermarkStore wraps a state file as a watermark store.
func NewWatermarkStore(file *StateFile) *WatermarkStore {
	return &WatermarkStore{file: file}
}

// Load returns the saved watermark, the zero value when no state file
// exists yet, or a CorruptStateError the caller resolves with its replay
// policy.
func (s *WatermarkStore) Load() (event.Watermark, error) {
	st, err := s.file.Load()
	if err != nil {
		return event.Watermark{}, err
	}
	return st.Watermark, nil
}

// Save durably records the watermark.
func (s *WatermarkStore) Save(wm event.Watermark) error {
	return s.file.Save(State{Watermark: wm})
}
