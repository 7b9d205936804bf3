// Package monitor defines the Monitor bounded context: the camera/detection
// units managed by the monitoring system, the client port through which the
// bridge reaches that system, and the transient/permanent error taxonomy
// every caller must respect.
package monitor

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/zonewatch/zonewatch/pkg/domain/event"
)

// ---------------------------------------------------------------------------
// Monitor value object
// ---------------------------------------------------------------------------

// Monitor is a single camera/detection unit as reported by the monitoring
// system. Armed means the unit is actively detecting (not merely streaming).
type Monitor struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Function string `json:"function"`
	Enabled  bool   `json:"enabled"`
	Armed    bool   `json:"armed"`
}

// StateLabel renders the unit's state for chat replies.
func (m Monitor) StateLabel() string {
	switch {
	case !m.Enabled:
		return "disabled"
	case m.Armed:
		return "armed"
	default:
		return "idle"
	}
}

// FindByNameOrID resolves a monitor from a list by case-insensitive name or
// exact ID, the way operators refer to cameras in chat.
func FindByNameOrID(monitors []Monitor, ref string) (Monitor, bool) {
	needle := strings.ToLower(strings.TrimSpace(ref))
	if needle == "" {
		return Monitor{}, false
	}
	for _, m := range monitors {
		if m.ID == ref || strings.ToLower(m.Name) == needle {
			return m, true
		}
	}
	return Monitor{}, false
}

// ---------------------------------------------------------------------------
// Client port — the only road to the monitoring system
// ---------------------------------------------------------------------------

// Client is the port to the monitoring system. Implementations must be safe
// for concurrent use: the command path and the poller share one client and
// never coordinate beyond it. Every method returns errors classifiable by
// IsUnavailable/IsRejected so callers can choose between retry and surface.
type Client interface {
	// ListEvents returns events with OccurredAt >= sinceTime (inclusive),
	// at most limit, ordered as the monitoring system emits them. sinceID
	// carries the watermark tie-break for implementations able to use it;
	// callers still filter, so returning extra boundary events is fine.
	ListEvents(ctx context.Context, sinceTime time.Time, sinceID string, limit int) ([]event.Event, error)
	// RecentEvents returns the newest events regardless of watermark, at
	// most limit, ordered oldest first. Serves interactive queries; the
	// relay path uses ListEvents.
	RecentEvents(ctx context.Context, limit int) ([]event.Event, error)
	// GetEvent fetches a single event by identifier.
	GetEvent(ctx context.Context, id string) (event.Event, error)
	// ListMonitors returns all monitor units.
	ListMonitors(ctx context.Context) ([]Monitor, error)
	// SetMonitorState arms or disarms a monitor.
	SetMonitorState(ctx context.Context, monitorID string, armed bool) error
	// EventImage fetches the key-frame JPEG for an event, returning the
	// image bytes and a suggested filename. ErrNoMedia when the event has
	// no usable frame.
	EventImage(ctx context.Context, eventID string) ([]byte, string, error)
}

// ---------------------------------------------------------------------------
// Error taxonomy
// ---------------------------------------------------------------------------

// Sentinel errors wrap-compatible with errors.Is. Adapters wrap these with
// call-site detail; callers branch on the class, never on message text.
var (
	// ErrUnavailable marks transient failures (network, timeouts, 5xx).
	// Retrying with backoff is appropriate.
	ErrUnavailable = errors.New("monitoring system unavailable")
	// ErrRejected marks permanent failures (4xx-class, invalid arguments).
	// Retrying is pointless; surface immediately.
	ErrRejected = errors.New("monitoring system rejected the request")
	// ErrNotFound marks a missing monitor or event. Permanent.
	ErrNotFound = errors.New("not found")
	// ErrNoMedia marks an event without a retrievable key frame.
	ErrNoMedia = errors.New("event has no media")
)

// IsUnavailable reports whether the error is transient and worth retrying.
func IsUnavailable(err error) bool { return errors.Is(err, ErrUnavailable) }

// IsRejected reports whether the error is permanent.
func IsRejected(err error) bool {
	return errors.Is(err, ErrRejected) || errors.Is(err, ErrNotFound)
}
