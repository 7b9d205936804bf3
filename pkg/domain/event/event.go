// Package event defines the monitoring-event bounded context: the Event
// value object as reported by the monitoring system, the Watermark cursor
// that marks relay progress, and the dedup window guarding its boundary.
//
// Ordering is always by (OccurredAt, ID). Identifiers are opaque but
// monotonically non-decreasing at the source, so the ID tie-break compares
// numerically when both sides are numeric and lexicographically otherwise.
package event

import (
	"sort"
	"strconv"
	"time"
)

// ---------------------------------------------------------------------------
// Event value object
// ---------------------------------------------------------------------------

// Event is one occurrence reported by the monitoring system. Immutable.
type Event struct {
	ID          string    `json:"id"`
	MonitorID   string    `json:"monitor_id"`
	MonitorName string    `json:"monitor_name,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
	Kind        string    `json:"kind"`
	Summary     string    `json:"summary,omitempty"`
	MediaRef    string    `json:"media_ref,omitempty"`
}

// Cursor returns the event's position in the (time, id) order.
func (e Event) Cursor() Cursor {
	return Cursor{ID: e.ID, Time: e.OccurredAt}
}

// ---------------------------------------------------------------------------
// Ordering
// ---------------------------------------------------------------------------

// CompareIDs orders two event identifiers: numerically when both are
// numeric, lexicographically otherwise. Returns -1, 0 or 1.
func CompareIDs(a, b string) int {
	na, errA := strconv.ParseUint(a, 10, 64)
	nb, errB := strconv.ParseUint(b, 10, 64)
	if errA == nil && errB == nil {
		switch {
		case na < nb:
			return -1
		case na > nb:
			return 1
		default:
			return 0
		}
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Sort orders events by (OccurredAt, ID) ascending, in place.
func Sort(events []Event) {
	sort.Slice(events, func(i, j int) bool {
		if !events[i].OccurredAt.Equal(events[j].OccurredAt) {
			return events[i].OccurredAt.Before(events[j].OccurredAt)
		}
		return CompareIDs(events[i].ID, events[j].ID) < 0
	})
}

// ---------------------------------------------------------------------------
// Watermark — the single piece of durable relay state
// ---------------------------------------------------------------------------

// Cursor is a position in the (time, id) event order.
type Cursor struct {
	ID   string    `json:"id"`
	Time time.Time `json:"time"`
}

// Watermark marks relay progress: every event at-or-before it (in the
// (time, id) order) has been relayed or intentionally skipped and must never
// be relayed again. Mutated only by the poller, after dispatch resolution.
type Watermark struct {
	LastEventID   string    `json:"last_event_id"`
	LastEventTime time.Time `json:"last_event_time"`
}

// IsZero reports whether no progress has ever been recorded.
func (w Watermark) IsZero() bool {
	return w.LastEventID == "" && w.LastEventTime.IsZero()
}

// Covers reports whether the event is at-or-before the watermark, i.e. it
// must not be relayed again.
func (w Watermark) Covers(e Event) bool {
	if w.IsZero() {
		return false
	}
	if e.OccurredAt.Before(w.LastEventTime) {
		return true
	}
	if e.OccurredAt.Equal(w.LastEventTime) {
		return CompareIDs(e.ID, w.LastEventID) <= 0
	}
	return false
}

// Advance returns the watermark moved to the event's position. The watermark
// never regresses: advancing to an already-covered event returns the
// receiver unchanged.
func (w Watermark) Advance(e Event) Watermark {
	if w.Covers(e) {
		return w
	}
	return Watermark{LastEventID: e.ID, LastEventTime: e.OccurredAt}
}

// Rewind returns the watermark pulled back by d, clamped at the zero value.
// Used by the explicit replay path; the dedup window absorbs the resulting
// re-fetch of already-relayed events.
func (w Watermark) Rewind(d time.Duration) Watermark {
	if w.IsZero() || d <= 0 {
		return w
	}
	t := w.LastEventTime.Add(-d)
	return Watermark{LastEventID: "", LastEventTime: t}
}
