package zoneminder

import (
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/zonewatch/zonewatch/pkg/domain/event"
	"github.com/zonewatch/zonewatch/pkg/domain/monitor"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// timeLayout is the server-local timestamp format the monitoring system
// uses in both query filters and event payloads.
const timeLayout = "2006-01-02 15:04:05"

// ---------------------------------------------------------------------------
// Wire shapes — the API nests every record under a type-named key
// ---------------------------------------------------------------------------

type loginResponse struct {
	AccessToken        string `json:"access_token"`
	AccessTokenExpires int64  `json:"access_token_expires"` // seconds
	APIVersion         string `json:"apiversion"`
	Version            string `json:"version"`
}

type monitorsResponse struct {
	Monitors []monitorWrapper `json:"monitors"`
}

type monitorWrapper struct {
	Monitor monitorModel `json:"Monitor"`
}

// monitorModel carries everything as strings, the way the API emits it.
type monitorModel struct {
	ID       string `json:"Id"`
	Name     string `json:"Name"`
	Function string `json:"Function"`
	Enabled  string `json:"Enabled"` // "1" / "0"
}

// armedFunctions are the monitor functions that actively detect.
var armedFunctions = map[string]bool{
	"Modect": true,
	"Mocord": true,
	"Nodect": true,
}

func (m monitorModel) toDomain() monitor.Monitor {
	enabled := m.Enabled == "1"
	return monitor.Monitor{
		ID:       m.ID,
		Name:     m.Name,
		Function: m.Function,
		Enabled:  enabled,
		Armed:    enabled && armedFunctions[m.Function],
	}
}

type eventsResponse struct {
	Events     []eventWrapper  `json:"events"`
	Pagination paginationModel `json:"pagination"`
}

type eventWrapper struct {
	Event eventModel `json:"Event"`
}

type eventModel struct {
	ID              string `json:"Id"`
	MonitorID       string `json:"MonitorId"`
	Name            string `json:"Name"`
	Cause           string `json:"Cause"`
	StartTime       string `json:"StartTime"`
	Notes           string `json:"Notes"`
	MaxScoreFrameID string `json:"MaxScoreFrameId"`
}

type paginationModel struct {
	Page      int `json:"page"`
	PageCount int `json:"pageCount"`
}

// singleEventResponse is the /api/events/{id}.json shape: the envelope also
// nests the owning monitor and the frame list.
type singleEventResponse struct {
	Event singleEventEnvelope `json:"event"`
}

type singleEventEnvelope struct {
	Event   eventModel   `json:"Event"`
	Monitor monitorModel `json:"Monitor"`
	Frames  []frameModel `json:"Frame"`
}

type frameModel struct {
	ID    string `json:"Id"`
	Score string `json:"Score"`
}

type saveResponse struct {
	Message string `json:"message"`
}

// ---------------------------------------------------------------------------
// Mapping to the domain
// ---------------------------------------------------------------------------

// toDomain converts a wire event. Timestamps are server-local, so they parse
// in the bridge's local zone; running the bridge in the server's timezone is
// a deployment requirement, not something the adapter can detect.
func (e eventModel) toDomain(baseURL, monitorName string) (event.Event, error) {
	occurred, err := time.ParseInLocation(timeLayout, e.StartTime, time.Local)
	if err != nil {
		return event.Event{}, &DecodeError{Field: "StartTime", Value: e.StartTime, Err: err}
	}

	summary := e.Name
	if notes := strings.TrimSpace(e.Notes); notes != "" {
		summary += " (" + notes + ")"
	}

	return event.Event{
		ID:          e.ID,
		MonitorID:   e.MonitorID,
		MonitorName: monitorName,
		OccurredAt:  occurred,
		Kind:        e.Cause,
		Summary:     summary,
		MediaRef:    baseURL + "/index.php?view=event&eid=" + e.ID,
	}, nil
}

// keyFrameID picks the highest-scoring frame, falling back to the event's
// MaxScoreFrameId. Empty means the event has no usable frame.
func (env singleEventEnvelope) keyFrameID() string {
	best := ""
	bestScore := -1
	for _, f := range env.Frames {
		score, err := strconv.Atoi(f.Score)
		if err != nil {
			continue
		}
		if score > bestScore {
			best = f.ID
			bestScore = score
		}
	}
	if best == "" {
		best = env.Event.MaxScoreFrameID
	}
	return best
}
