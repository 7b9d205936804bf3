package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zonewatch/zonewatch/pkg/bus"
	"github.com/zonewatch/zonewatch/pkg/config"
	"github.com/zonewatch/zonewatch/pkg/domain/chat"
	"github.com/zonewatch/zonewatch/pkg/domain/event"
	"github.com/zonewatch/zonewatch/pkg/domain/monitor"
	"github.com/zonewatch/zonewatch/pkg/events"
	"github.com/zonewatch/zonewatch/pkg/notify"
)

type fakeLister struct {
	monitors []monitor.Monitor
	err      error
}

func (f *fakeLister) ListMonitors(ctx context.Context) ([]monitor.Monitor, error) {
	return f.monitors, f.err
}

type fakeCounter struct {
	mu         sync.Mutex
	n          int
	err        error
	lastSince  time.Time
	lastPrefix string
}

func (f *fakeCounter) CountSince(t time.Time, kindPrefix string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastSince = t
	f.lastPrefix = kindPrefix
	return f.n, f.err
}

func (f *fakeCounter) since() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastSince
}

type fakeRelay struct {
	wm event.Watermark
}

func (f *fakeRelay) Watermark() event.Watermark { return f.wm }

type post struct {
	targets []chat.ChannelRef
	text    string
}

type fakePoster struct {
	format *notify.Formatter
	mu     sync.Mutex
	posts  []post
	err    error
}

func (f *fakePoster) Formatter() *notify.Formatter { return f.format }

func (f *fakePoster) NoticeTo(ctx context.Context, targets []chat.ChannelRef, text string) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	f.posts = append(f.posts, post{targets: targets, text: text})
	f.mu.Unlock()
	return nil
}

func (f *fakePoster) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.posts)
}

func (f *fakePoster) last() post {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.posts[len(f.posts)-1]
}

func newPoster(t *testing.T) *fakePoster {
	t.Helper()
	format, err := notify.NewFormatter("")
	if err != nil {
		t.Fatalf("NewFormatter: %v", err)
	}
	return &fakePoster{format: format}
}

var testFleet = []monitor.Monitor{
	{ID: "1", Name: "FrontDoor", Enabled: true, Armed: true},
	{ID: "2", Name: "Garage", Enabled: true, Armed: false},
	{ID: "3", Name: "Attic", Enabled: false, Armed: true},
}

// ---------------------------------------------------------------------------
// BuildDigest
// ---------------------------------------------------------------------------

func TestBuildDigestComposesCounts(t *testing.T) {
	relay := &fakeRelay{wm: event.Watermark{
		LastEventID:   "42",
		LastEventTime: time.Now().Add(-90 * time.Second),
	}}
	s, err := New(
		config.DigestConfig{Enabled: true, Schedule: "0 9 * * *", Targets: []string{"slack:C0"}},
		&fakeLister{monitors: testFleet},
		&fakeCounter{n: 7},
		relay,
		newPoster(t),
		nil,
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	text, err := s.BuildDigest(context.Background())
	if err != nil {
		t.Fatalf("BuildDigest: %v", err)
	}
	if !strings.Contains(text, "1/3 monitors armed") {
		t.Errorf("armed count missing: %q", text)
	}
	if !strings.Contains(text, "7 events") {
		t.Errorf("event count missing: %q", text)
	}
	if !strings.Contains(text, "1m30s ago") {
		t.Errorf("watermark age missing: %q", text)
	}
}

func TestBuildDigestWithoutRelayOrAudit(t *testing.T) {
	s, err := New(
		config.DigestConfig{Enabled: true, Schedule: "0 9 * * *", Targets: []string{"slack:C0"}},
		&fakeLister{monitors: testFleet},
		nil,
		nil,
		newPoster(t),
		nil,
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	text, err := s.BuildDigest(context.Background())
	if err != nil {
		t.Fatalf("BuildDigest: %v", err)
	}
	if !strings.Contains(text, "0 events") {
		t.Errorf("missing zero event count: %q", text)
	}
	if !strings.Contains(text, "n/a ago") {
		t.Errorf("missing n/a watermark age: %q", text)
	}
}

func TestBuildDigestSurfacesMonitorError(t *testing.T) {
	s, err := New(
		config.DigestConfig{Enabled: true, Schedule: "0 9 * * *", Targets: []string{"slack:C0"}},
		&fakeLister{err: errors.New("zoneminder down")},
		nil, nil, newPoster(t), nil,
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := s.BuildDigest(context.Background()); err == nil {
		t.Fatalf("BuildDigest should surface the monitor listing error")
	}
}

func TestNewRejectsBadTargets(t *testing.T) {
	_, err := New(
		config.DigestConfig{Enabled: true, Schedule: "0 9 * * *", Targets: []string{"slack:C0", "not-a-ref"}},
		&fakeLister{}, nil, nil, newPoster(t), nil,
	)
	if !errors.Is(err, chat.ErrBadChannelRef) {
		t.Fatalf("New = %v, want ErrBadChannelRef", err)
	}
}

// ---------------------------------------------------------------------------
// Schedule loop
// ---------------------------------------------------------------------------

func startScheduler(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := s.Run(ctx); err != nil {
			t.Errorf("Run: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func awaitPosts(t *testing.T, p *fakePoster, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p.count() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("poster saw %d posts, want %d", p.count(), want)
}

func TestEveryMinuteScheduleFiresOncePerMinute(t *testing.T) {
	poster := newPoster(t)
	counter := &fakeCounter{n: 3}
	mb := bus.NewMessageBus()
	t.Cleanup(mb.Close)
	tap := mb.SubscribeSystem("test")

	s, err := New(
		config.DigestConfig{Enabled: true, Schedule: "* * * * *", Targets: []string{"slack:C0", "discord:900"}},
		&fakeLister{monitors: testFleet},
		counter,
		nil,
		poster,
		mb,
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.tick = 5 * time.Millisecond
	frozen := time.Now()
	s.now = func() time.Time { return frozen }
	startScheduler(t, s)

	awaitPosts(t, poster, 1)

	// Every later tick lands in the same calendar minute, so exactly one
	// digest goes out despite the fast tick.
	time.Sleep(50 * time.Millisecond)
	if got := poster.count(); got != 1 {
		t.Fatalf("posted %d times within one minute, want 1", got)
	}

	sent := poster.last()
	if len(sent.targets) != 2 {
		t.Errorf("targets = %v, want both digest targets", sent.targets)
	}
	if !strings.Contains(sent.text, "Status digest:") {
		t.Errorf("unexpected digest text: %q", sent.text)
	}

	select {
	case raw := <-tap:
		se, ok := raw.(bus.SystemEvent)
		if !ok {
			t.Fatalf("tap carried %T", raw)
		}
		if se.Type != events.DigestPosted || se.Source != "scheduler" {
			t.Errorf("event = %s from %s, want digest.posted from scheduler", se.Type, se.Source)
		}
		data, ok := se.Data.(events.DigestEventData)
		if !ok {
			t.Fatalf("event data is %T", se.Data)
		}
		if data.EventCount != 3 {
			t.Errorf("EventCount = %d, want 3", data.EventCount)
		}
		if !strings.Contains(data.Target, "slack:C0") {
			t.Errorf("Target = %q, want it to name slack:C0", data.Target)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no digest.posted event on the bus")
	}
}

func TestScheduleNeverDueStaysQuiet(t *testing.T) {
	poster := newPoster(t)
	// February 31st never arrives.
	s, err := New(
		config.DigestConfig{Enabled: true, Schedule: "0 0 31 2 *", Targets: []string{"slack:C0"}},
		&fakeLister{monitors: testFleet},
		nil, nil, poster, nil,
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.tick = 5 * time.Millisecond
	startScheduler(t, s)

	time.Sleep(50 * time.Millisecond)
	if got := poster.count(); got != 0 {
		t.Fatalf("posted %d times, want 0", got)
	}
}

func TestDisabledSchedulerReturnsImmediately(t *testing.T) {
	s, err := New(
		config.DigestConfig{Enabled: false, Schedule: "* * * * *", Targets: []string{"slack:C0"}},
		&fakeLister{}, nil, nil, newPoster(t), nil,
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("disabled scheduler did not return")
	}
}

func TestWindowAdvancesAfterPost(t *testing.T) {
	poster := newPoster(t)
	counter := &fakeCounter{n: 3}
	s, err := New(
		config.DigestConfig{Enabled: true, Schedule: "* * * * *", Targets: []string{"slack:C0"}},
		&fakeLister{monitors: testFleet},
		counter,
		nil,
		poster,
		nil,
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// The first digest looks back a full day.
	if _, err := s.BuildDigest(context.Background()); err != nil {
		t.Fatalf("BuildDigest: %v", err)
	}
	if lookback := time.Since(counter.since()); lookback < 23*time.Hour {
		t.Fatalf("first window lookback = %v, want about 24h", lookback)
	}

	s.tick = 5 * time.Millisecond
	startScheduler(t, s)
	awaitPosts(t, poster, 1)

	// After a post the window starts at that post.
	if _, err := s.BuildDigest(context.Background()); err != nil {
		t.Fatalf("BuildDigest: %v", err)
	}
	if lookback := time.Since(counter.since()); lookback > time.Minute {
		t.Fatalf("window did not advance after post: lookback %v", lookback)
	}

	status := s.Status()
	if status["posted"].(int64) < 1 {
		t.Errorf("posted = %v, want at least 1", status["posted"])
	}
	if _, ok := status["last_posted"]; !ok {
		t.Errorf("last_posted missing from status")
	}
}
