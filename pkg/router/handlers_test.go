package router

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zonewatch/zonewatch/pkg/bus"
	"github.com/zonewatch/zonewatch/pkg/domain/command"
	"github.com/zonewatch/zonewatch/pkg/domain/event"
	"github.com/zonewatch/zonewatch/pkg/domain/monitor"
	"github.com/zonewatch/zonewatch/pkg/poller"
	"github.com/zonewatch/zonewatch/pkg/retry"
)

// ---------------------------------------------------------------------------
// Spies and fakes
// ---------------------------------------------------------------------------

type setCall struct {
	id    string
	armed bool
}

type spyClient struct {
	mu        sync.Mutex
	monitors  []monitor.Monitor
	listFails int // ListMonitors fails this many times before succeeding
	listCalls int
	setCalls  []setCall
	setErr    error
	recent    []event.Event
	recentLim int
	events    map[string]event.Event
}

func (s *spyClient) ListEvents(ctx context.Context, sinceTime time.Time, sinceID string, limit int) ([]event.Event, error) {
	return nil, nil
}

func (s *spyClient) RecentEvents(ctx context.Context, limit int) ([]event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recentLim = limit
	if limit < len(s.recent) {
		return s.recent[len(s.recent)-limit:], nil
	}
	return s.recent, nil
}

func (s *spyClient) GetEvent(ctx context.Context, id string) (event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return event.Event{}, fmt.Errorf("get event %s: %w", id, monitor.ErrNotFound)
	}
	return ev, nil
}

func (s *spyClient) ListMonitors(ctx context.Context) ([]monitor.Monitor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls++
	if s.listFails > 0 {
		s.listFails--
		return nil, fmt.Errorf("list monitors: %w", monitor.ErrUnavailable)
	}
	return s.monitors, nil
}

func (s *spyClient) SetMonitorState(ctx context.Context, monitorID string, armed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setErr != nil {
		return s.setErr
	}
	s.setCalls = append(s.setCalls, setCall{id: monitorID, armed: armed})
	return nil
}

func (s *spyClient) EventImage(ctx context.Context, eventID string) ([]byte, string, error) {
	return nil, "", monitor.ErrNoMedia
}

func (s *spyClient) listCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listCalls
}

func (s *spyClient) setHistory() []setCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]setCall{}, s.setCalls...)
}

func (s *spyClient) lastRecentLimit() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recentLim
}

type fakeRelay struct {
	mu        sync.Mutex
	paused    bool
	degraded  bool
	wm        event.Watermark
	replayed  time.Duration
	replayErr error
}

func (f *fakeRelay) Status() map[string]interface{} { return map[string]interface{}{"state": "idle"} }

func (f *fakeRelay) Watermark() event.Watermark {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wm
}

func (f *fakeRelay) Pause() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.paused {
		return false
	}
	f.paused = true
	return true
}

func (f *fakeRelay) Resume() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.paused {
		return false
	}
	f.paused = false
	return true
}

func (f *fakeRelay) Replay(d time.Duration) (event.Watermark, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.replayErr != nil {
		return event.Watermark{}, f.replayErr
	}
	f.replayed = d
	return f.wm.Rewind(d), nil
}

func (f *fakeRelay) Paused() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused
}

func (f *fakeRelay) Degraded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.degraded
}

func (f *fakeRelay) replayedWindow() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.replayed
}

type fakeDigest struct{ text string }

func (f *fakeDigest) BuildDigest(ctx context.Context) (string, error) { return f.text, nil }

// ---------------------------------------------------------------------------
// Stack harness
// ---------------------------------------------------------------------------

var testMonitors = []monitor.Monitor{
	{ID: "1", Name: "FrontDoor", Function: "Modect", Enabled: true, Armed: true},
	{ID: "2", Name: "Garage", Function: "Monitor", Enabled: true, Armed: false},
	{ID: "3", Name: "Attic", Function: "Modect", Enabled: false, Armed: false},
}

// newCommandStack wires a live router with the full command set. "root" holds
// an admin grant on top of the given default.
func newCommandStack(t *testing.T, def command.Scope, client monitor.Client, relay RelayControl, digest DigestSource) (*bus.MessageBus, *Handlers) {
	t.Helper()
	mb := bus.NewMessageBus()
	grants := command.NewGrantTable(def, map[string]command.Scope{"root": command.ScopeAdmin})
	r := New(mb, grants, 2*time.Second)

	h := NewHandlers(client, relay, digest, mb)
	h.retry = retry.Policy{MaxAttempts: 3, Initial: time.Millisecond, Multiplier: 2, Ceiling: 5 * time.Millisecond}
	if err := h.RegisterAll(r); err != nil {
		t.Fatalf("RegisterAll() error = %v", err)
	}
	startRouter(t, r)
	return mb, h
}

// ---------------------------------------------------------------------------
// Read verbs
// ---------------------------------------------------------------------------

func TestStatusFromReadScope(t *testing.T) {
	client := &spyClient{monitors: testMonitors}
	mb, _ := newCommandStack(t, command.ScopeRead, client, &fakeRelay{}, nil)

	send(t, mb, "status")
	reply := awaitReply(t, mb)

	if strings.Contains(reply.Content, "Permission denied") {
		t.Fatalf("status denied for read scope: %q", reply.Content)
	}
	for _, want := range []string{
		"Monitors (1/3 armed):",
		"FrontDoor [1] - armed",
		"Garage [2] - idle",
		"Attic [3] - disabled",
		"Relay: running",
		"Uptime:",
	} {
		if !strings.Contains(reply.Content, want) {
			t.Errorf("status reply missing %q:\n%s", want, reply.Content)
		}
	}
}

func TestStatusReportsDegradedRelay(t *testing.T) {
	client := &spyClient{monitors: testMonitors}
	mb, _ := newCommandStack(t, command.ScopeRead, client, &fakeRelay{degraded: true}, nil)

	send(t, mb, "status")
	if reply := awaitReply(t, mb); !strings.Contains(reply.Content, "Relay: degraded") {
		t.Errorf("status reply = %q, want degraded relay line", reply.Content)
	}
}

func TestStatusWithoutRelay(t *testing.T) {
	client := &spyClient{monitors: testMonitors}
	mb, _ := newCommandStack(t, command.ScopeRead, client, nil, nil)

	send(t, mb, "status")
	if reply := awaitReply(t, mb); !strings.Contains(reply.Content, "Relay: disabled") {
		t.Errorf("status reply = %q, want disabled relay line", reply.Content)
	}
}

func TestMonitorsListsFunctions(t *testing.T) {
	client := &spyClient{monitors: testMonitors}
	mb, _ := newCommandStack(t, command.ScopeRead, client, nil, nil)

	send(t, mb, "list monitors")
	reply := awaitReply(t, mb)
	for _, want := range []string{"3 monitors:", "FrontDoor [1] Modect - armed", "Garage [2] Monitor - idle"} {
		if !strings.Contains(reply.Content, want) {
			t.Errorf("monitors reply missing %q:\n%s", want, reply.Content)
		}
	}
}

func TestEventsDefaultCount(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	client := &spyClient{}
	for i := 0; i < 8; i++ {
		client.recent = append(client.recent, event.Event{
			ID:          fmt.Sprintf("%d", 10+i),
			MonitorID:   "1",
			MonitorName: "FrontDoor",
			Kind:        "Motion",
			OccurredAt:  base.Add(time.Duration(i) * time.Minute),
		})
	}
	mb, _ := newCommandStack(t, command.ScopeRead, client, nil, nil)

	send(t, mb, "events")
	reply := awaitReply(t, mb)
	if !strings.Contains(reply.Content, "Latest 5 events:") {
		t.Errorf("reply = %q, want default of 5", reply.Content)
	}
	if client.lastRecentLimit() != 5 {
		t.Errorf("requested %d events, want 5", client.lastRecentLimit())
	}
	if !strings.Contains(reply.Content, "[17] Motion on FrontDoor at 2025-06-01 12:07:00") {
		t.Errorf("reply misses the newest event:\n%s", reply.Content)
	}
}

func TestEventsCountCappedAtTwenty(t *testing.T) {
	client := &spyClient{}
	mb, _ := newCommandStack(t, command.ScopeRead, client, nil, nil)

	send(t, mb, "events 50")
	awaitReply(t, mb)
	if client.lastRecentLimit() != 20 {
		t.Errorf("requested %d events, want cap 20", client.lastRecentLimit())
	}
}

func TestEventsRejectsBadCount(t *testing.T) {
	client := &spyClient{}
	mb, _ := newCommandStack(t, command.ScopeRead, client, nil, nil)

	send(t, mb, "events soon")
	reply := awaitReply(t, mb)
	if !strings.Contains(reply.Content, "Usage: events [n]") {
		t.Errorf("reply = %q, want usage hint", reply.Content)
	}
	if client.lastRecentLimit() != 0 {
		t.Error("client called despite invalid count")
	}
}

func TestEventsEmpty(t *testing.T) {
	mb, _ := newCommandStack(t, command.ScopeRead, &spyClient{}, nil, nil)

	send(t, mb, "events")
	if reply := awaitReply(t, mb); reply.Content != "No recent events." {
		t.Errorf("reply = %q", reply.Content)
	}
}

func TestEventDetail(t *testing.T) {
	client := &spyClient{events: map[string]event.Event{
		"42": {
			ID: "42", MonitorID: "1", MonitorName: "FrontDoor", Kind: "Motion",
			OccurredAt: time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC),
			Summary:    "Event 42 (front porch)",
			MediaRef:   "https://zm.example.org/zm/index.php?view=event&eid=42",
		},
	}}
	mb, _ := newCommandStack(t, command.ScopeRead, client, nil, nil)

	send(t, mb, "event 42")
	reply := awaitReply(t, mb)
	for _, want := range []string{
		"Event 42: Motion on FrontDoor at 2025-06-01 12:30:00",
		"front porch",
		"eid=42",
	} {
		if !strings.Contains(reply.Content, want) {
			t.Errorf("detail reply missing %q:\n%s", want, reply.Content)
		}
	}
}

func TestEventDetailNotFound(t *testing.T) {
	mb, _ := newCommandStack(t, command.ScopeRead, &spyClient{}, nil, nil)

	send(t, mb, "event 999")
	if reply := awaitReply(t, mb); reply.Content != `No event with ID "999".` {
		t.Errorf("reply = %q", reply.Content)
	}
}

func TestEventDetailNeedsArgument(t *testing.T) {
	mb, _ := newCommandStack(t, command.ScopeRead, &spyClient{}, nil, nil)

	send(t, mb, "event")
	if reply := awaitReply(t, mb); !strings.Contains(reply.Content, "Usage: event <id>") {
		t.Errorf("reply = %q, want usage hint", reply.Content)
	}
}

func TestDigestReplies(t *testing.T) {
	mb, _ := newCommandStack(t, command.ScopeRead, &spyClient{}, nil, &fakeDigest{text: "Status digest: 2/3 armed."})

	send(t, mb, "digest")
	if reply := awaitReply(t, mb); reply.Content != "Status digest: 2/3 armed." {
		t.Errorf("reply = %q", reply.Content)
	}
}

func TestDigestWithoutBuilder(t *testing.T) {
	mb, _ := newCommandStack(t, command.ScopeRead, &spyClient{}, nil, nil)

	send(t, mb, "digest")
	if reply := awaitReply(t, mb); !strings.Contains(reply.Content, "not running") {
		t.Errorf("reply = %q", reply.Content)
	}
}

// ---------------------------------------------------------------------------
// Write verbs
// ---------------------------------------------------------------------------

func TestArmDeniedForReadScopeMakesNoCalls(t *testing.T) {
	client := &spyClient{monitors: testMonitors}
	mb, _ := newCommandStack(t, command.ScopeRead, client, nil, nil)

	send(t, mb, "arm cam1")
	reply := awaitReply(t, mb)
	if !strings.Contains(reply.Content, "Permission denied") {
		t.Fatalf("reply = %q, want permission denial", reply.Content)
	}
	if calls := client.setHistory(); len(calls) != 0 {
		t.Errorf("SetMonitorState called %d times after denial", len(calls))
	}
	if n := client.listCount(); n != 0 {
		t.Errorf("ListMonitors called %d times after denial", n)
	}
}

func TestArmResolvesNameCaseInsensitively(t *testing.T) {
	client := &spyClient{monitors: testMonitors}
	mb, _ := newCommandStack(t, command.ScopeWrite, client, nil, nil)

	send(t, mb, "arm frontdoor")
	reply := awaitReply(t, mb)
	if !strings.Contains(reply.Content, "Monitor FrontDoor [1] armed.") {
		t.Errorf("reply = %q", reply.Content)
	}
	calls := client.setHistory()
	if len(calls) != 1 || calls[0] != (setCall{id: "1", armed: true}) {
		t.Errorf("set calls = %+v, want one arm of monitor 1", calls)
	}
}

func TestDisarmViaAlias(t *testing.T) {
	client := &spyClient{monitors: testMonitors}
	mb, _ := newCommandStack(t, command.ScopeWrite, client, nil, nil)

	send(t, mb, "disable monitor Garage")
	reply := awaitReply(t, mb)
	if !strings.Contains(reply.Content, "Monitor Garage [2] disarmed.") {
		t.Errorf("reply = %q", reply.Content)
	}
	calls := client.setHistory()
	if len(calls) != 1 || calls[0] != (setCall{id: "2", armed: false}) {
		t.Errorf("set calls = %+v, want one disarm of monitor 2", calls)
	}
}

func TestArmUnknownMonitorRepliesWithoutWrite(t *testing.T) {
	client := &spyClient{monitors: testMonitors}
	mb, _ := newCommandStack(t, command.ScopeWrite, client, nil, nil)

	send(t, mb, "arm Basement")
	reply := awaitReply(t, mb)
	if !strings.Contains(reply.Content, `No monitor named "Basement"`) {
		t.Errorf("reply = %q", reply.Content)
	}
	if calls := client.setHistory(); len(calls) != 0 {
		t.Errorf("set calls = %+v for unknown monitor", calls)
	}
}

func TestArmNumericIDNeedsNoLookup(t *testing.T) {
	client := &spyClient{monitors: testMonitors}
	mb, _ := newCommandStack(t, command.ScopeWrite, client, nil, nil)

	send(t, mb, "arm 2")
	reply := awaitReply(t, mb)
	if !strings.Contains(reply.Content, "armed") {
		t.Errorf("reply = %q", reply.Content)
	}
	if n := client.listCount(); n != 0 {
		t.Errorf("ListMonitors called %d times for a numeric reference", n)
	}
	calls := client.setHistory()
	if len(calls) != 1 || calls[0].id != "2" {
		t.Errorf("set calls = %+v", calls)
	}
}

func TestWarmCacheKeepsArmAtOneCall(t *testing.T) {
	client := &spyClient{monitors: testMonitors}
	mb, _ := newCommandStack(t, command.ScopeWrite, client, nil, nil)

	send(t, mb, "status")
	awaitReply(t, mb)
	if n := client.listCount(); n != 1 {
		t.Fatalf("status made %d listing calls", n)
	}

	send(t, mb, "arm garage")
	awaitReply(t, mb)
	if n := client.listCount(); n != 1 {
		t.Errorf("arm re-listed monitors despite a warm cache (%d calls)", n)
	}
	if calls := client.setHistory(); len(calls) != 1 {
		t.Errorf("set calls = %+v", calls)
	}
}

func TestArmNeedsArgument(t *testing.T) {
	mb, _ := newCommandStack(t, command.ScopeWrite, &spyClient{}, nil, nil)

	send(t, mb, "arm")
	if reply := awaitReply(t, mb); !strings.Contains(reply.Content, "Usage: arm <monitor>") {
		t.Errorf("reply = %q, want usage hint", reply.Content)
	}
}

// ---------------------------------------------------------------------------
// Retry behavior on the command path
// ---------------------------------------------------------------------------

func TestTransientFailureRetriedThenSucceeds(t *testing.T) {
	client := &spyClient{monitors: testMonitors, listFails: 2}
	mb, _ := newCommandStack(t, command.ScopeRead, client, nil, nil)

	send(t, mb, "status")
	reply := awaitReply(t, mb)
	if !strings.Contains(reply.Content, "FrontDoor") {
		t.Errorf("reply = %q, want a successful listing after retries", reply.Content)
	}
	if n := client.listCount(); n != 3 {
		t.Errorf("ListMonitors called %d times, want 3 (two failures, one success)", n)
	}
}

func TestRetriesExhaustedYieldFailureReply(t *testing.T) {
	client := &spyClient{monitors: testMonitors, listFails: 99}
	mb, _ := newCommandStack(t, command.ScopeRead, client, nil, nil)

	send(t, mb, "status")
	reply := awaitReply(t, mb)
	if !strings.Contains(reply.Content, "not responding") {
		t.Errorf("reply = %q, want unavailable text", reply.Content)
	}
	if n := client.listCount(); n != 3 {
		t.Errorf("ListMonitors called %d times, want the bounded 3", n)
	}
}

// ---------------------------------------------------------------------------
// Admin verbs
// ---------------------------------------------------------------------------

func TestReplayRewindsRelay(t *testing.T) {
	relay := &fakeRelay{wm: event.Watermark{
		LastEventID:   "42",
		LastEventTime: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}}
	mb, _ := newCommandStack(t, command.ScopeRead, &spyClient{}, relay, nil)

	sendFrom(t, mb, "root", "replay 2h")
	reply := awaitReply(t, mb)
	if !strings.Contains(reply.Content, "rewound by 2h0m0s") {
		t.Errorf("reply = %q", reply.Content)
	}
	if relay.replayedWindow() != 2*time.Hour {
		t.Errorf("relay rewound by %s, want 2h", relay.replayedWindow())
	}
}

func TestReplayDeniedBelowAdmin(t *testing.T) {
	relay := &fakeRelay{}
	mb, _ := newCommandStack(t, command.ScopeWrite, &spyClient{}, relay, nil)

	send(t, mb, "replay 2h")
	if reply := awaitReply(t, mb); !strings.Contains(reply.Content, "Permission denied") {
		t.Errorf("reply = %q, want denial for write scope", reply.Content)
	}
	if relay.replayedWindow() != 0 {
		t.Error("relay rewound despite denial")
	}
}

func TestReplayBadDuration(t *testing.T) {
	mb, _ := newCommandStack(t, command.ScopeRead, &spyClient{}, &fakeRelay{}, nil)

	sendFrom(t, mb, "root", "replay soon")
	if reply := awaitReply(t, mb); !strings.Contains(reply.Content, `Cannot parse "soon"`) {
		t.Errorf("reply = %q", reply.Content)
	}
}

func TestReplayBoundsSurfaceAsReplies(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"too far names the maximum", poller.ErrReplayTooFar, "maximum"},
		{"invalid asks for a positive window", poller.ErrReplayInvalid, "positive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mb, _ := newCommandStack(t, command.ScopeRead, &spyClient{}, &fakeRelay{replayErr: tt.err}, nil)
			sendFrom(t, mb, "root", "replay 30m")
			if reply := awaitReply(t, mb); !strings.Contains(reply.Content, tt.want) {
				t.Errorf("reply = %q, want substring %q", reply.Content, tt.want)
			}
		})
	}
}

func TestPauseResumeLifecycle(t *testing.T) {
	relay := &fakeRelay{}
	mb, _ := newCommandStack(t, command.ScopeRead, &spyClient{}, relay, nil)

	sendFrom(t, mb, "root", "pause")
	if reply := awaitReply(t, mb); !strings.Contains(reply.Content, "paused") {
		t.Fatalf("pause reply = %q", reply.Content)
	}
	if !relay.Paused() {
		t.Fatal("relay not paused")
	}

	sendFrom(t, mb, "root", "pause")
	if reply := awaitReply(t, mb); !strings.Contains(reply.Content, "already paused") {
		t.Errorf("second pause reply = %q", reply.Content)
	}

	sendFrom(t, mb, "root", "resume")
	if reply := awaitReply(t, mb); !strings.Contains(reply.Content, "resumed") {
		t.Errorf("resume reply = %q", reply.Content)
	}

	sendFrom(t, mb, "root", "resume")
	if reply := awaitReply(t, mb); !strings.Contains(reply.Content, "not paused") {
		t.Errorf("second resume reply = %q", reply.Content)
	}
}

func TestRelayVerbsWithoutRelay(t *testing.T) {
	mb, _ := newCommandStack(t, command.ScopeRead, &spyClient{}, nil, nil)

	for _, verb := range []string{"pause", "resume", "replay 1h"} {
		sendFrom(t, mb, "root", verb)
		if reply := awaitReply(t, mb); !strings.Contains(reply.Content, "not enabled") {
			t.Errorf("%s reply = %q, want not-enabled text", verb, reply.Content)
		}
	}
}

// ---------------------------------------------------------------------------
// Help through the full stack
// ---------------------------------------------------------------------------

func TestHelpListsFullCommandSet(t *testing.T) {
	mb, _ := newCommandStack(t, command.ScopeNone, &spyClient{}, nil, nil)

	send(t, mb, "help")
	reply := awaitReply(t, mb)
	for _, want := range []string{
		"status", "monitors", "events [n]", "event <id>",
		"arm <monitor> - Arm a monitor (active detection) (write)",
		"replay <duration> - Rewind the relay watermark (e.g. replay 2h) (admin)",
	} {
		if !strings.Contains(reply.Content, want) {
			t.Errorf("help reply missing %q:\n%s", want, reply.Content)
		}
	}
}
