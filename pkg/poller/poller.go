// Package poller drives the monitoring→chat relay: a timer-driven state
// machine that fetches events past the durable watermark, dispatches them
// in (time, id) order, and advances the watermark only after each dispatch
// resolves. Poll cycles are strictly serialized; a tick that fires while a
// cycle is in flight is skipped entirely. Fetch failures back off
// exponentially up to a ceiling and never give up.
package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zonewatch/zonewatch/pkg/bus"
	"github.com/zonewatch/zonewatch/pkg/domain/event"
	"github.com/zonewatch/zonewatch/pkg/domain/monitor"
	"github.com/zonewatch/zonewatch/pkg/events"
	"github.com/zonewatch/zonewatch/pkg/infrastructure/persistence"
	"github.com/zonewatch/zonewatch/pkg/logger"
	"github.com/zonewatch/zonewatch/pkg/metrics"
	"github.com/zonewatch/zonewatch/pkg/retry"
)

// State is the relay loop's current phase.
type State string

const (
	StateIdle        State = "idle"
	StatePolling     State = "polling"
	StateDispatching State = "dispatching"
	StateBackoff     State = "backoff"
	StatePaused      State = "paused"
)

// MaxReplay bounds the explicit replay command; rewinding further would
// flood the notify targets with ancient events.
const MaxReplay = 24 * time.Hour

// PollerError is a relay control error.
type PollerError string

func (e PollerError) Error() string { return string(e) }

const (
	// ErrReplayTooFar rejects replay requests beyond MaxReplay.
	ErrReplayTooFar = PollerError("replay window exceeds the maximum")
	// ErrReplayInvalid rejects non-positive replay windows.
	ErrReplayInvalid = PollerError("replay window must be positive")
)

// Notifier delivers relayed events and service notices. The notification
// dispatcher implements it.
type Notifier interface {
	Deliver(ctx context.Context, ev event.Event) error
	NoticeDegraded(ctx context.Context, failures int, lastErr error) error
	NoticeRecovered(ctx context.Context, outage time.Duration) error
}

// WatermarkStore persists relay progress between runs.
type WatermarkStore interface {
	Load() (event.Watermark, error)
	Save(event.Watermark) error
}

var _ WatermarkStore = (*persistence.WatermarkStore)(nil)

// Config carries the poller knobs, already validated by pkg/config.
type Config struct {
	Interval      time.Duration
	PageLimit     int
	MaxPages      int
	Backoff       retry.Policy // MaxAttempts ignored: poll retries never stop
	DegradedAfter int
	ReplayWindow  time.Duration
	DedupCapacity int
	DedupTTL      time.Duration
}

// Poller is the relay loop. Create with New, drive with Run; Pause, Resume
// and Replay are safe to call from command handlers while Run is live.
type Poller struct {
	cfg      Config
	client   monitor.Client
	store    WatermarkStore
	notifier Notifier
	bus      *bus.MessageBus

	// cycleMu serializes poll cycles; TryLock failure is the skip-if-busy
	// tick. Replay locks it too, so the watermark never moves mid-cycle.
	cycleMu sync.Mutex
	dedup   *event.DedupWindow
	backoff *retry.Backoff

	mu          sync.RWMutex
	state       State
	wm          event.Watermark
	paused      bool
	degraded    bool
	failures    int // mirrors backoff.Failures() for lock-free-ish Status reads
	downSince   time.Time
	lastErr     error
	lastPoll    time.Time
	nextAttempt time.Time
}

// New builds a Poller. The bus is optional; without it the poller only
// logs and counts.
func New(cfg Config, client monitor.Client, store WatermarkStore, notifier Notifier, b *bus.MessageBus) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = 100
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 10
	}
	if cfg.DegradedAfter <= 0 {
		cfg.DegradedAfter = 3
	}
	if cfg.ReplayWindow <= 0 {
		cfg.ReplayWindow = 15 * time.Minute
	}
	return &Poller{
		cfg:      cfg,
		client:   client,
		store:    store,
		notifier: notifier,
		bus:      b,
		dedup:    event.NewDedupWindow(cfg.DedupCapacity, cfg.DedupTTL),
		backoff:  retry.NewBackoff(cfg.Backoff),
		state:    StateIdle,
	}
}

// Run restores the watermark and polls until ctx is cancelled. An in-flight
// dispatch-and-advance step always completes before Run returns. The only
// errors are fatal restore failures; everything after that backs off and
// retries forever.
func (p *Poller) Run(ctx context.Context) error {
	if err := p.restore(); err != nil {
		return err
	}

	logger.InfoCF("poller", "Relay loop started", map[string]interface{}{
		"interval":  p.cfg.Interval.String(),
		"watermark": p.Watermark().LastEventTime.Format(time.RFC3339),
	})

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			logger.InfoC("poller", "Relay loop stopped")
			return nil
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// restore loads the saved watermark. A corrupt state file is treated as
// absent with a bounded replay window, loudly. An absent watermark starts
// from the same window, quietly. Any other storage failure is fatal.
func (p *Poller) restore() error {
	wm, err := p.store.Load()
	switch {
	case err == nil:
	case persistence.IsCorrupt(err):
		wm = event.Watermark{LastEventTime: time.Now().Add(-p.cfg.ReplayWindow)}
		logger.WarnCF("poller", "Relay state unreadable, resuming from bounded replay window", map[string]interface{}{
			"error":         err.Error(),
			"replay_window": p.cfg.ReplayWindow.String(),
			"resume_from":   wm.LastEventTime.Format(time.RFC3339),
		})
		p.emit(events.WatermarkCorrupt, events.WatermarkEventData{
			LastEventTime: wm.LastEventTime,
			Reason:        err.Error(),
		})
		if err := p.store.Save(wm); err != nil {
			return fmt.Errorf("heal relay state: %w", err)
		}
	default:
		return fmt.Errorf("load relay state: %w", err)
	}

	if wm.IsZero() {
		wm = event.Watermark{LastEventTime: time.Now().Add(-p.cfg.ReplayWindow)}
		logger.InfoCF("poller", "No saved relay position, starting from replay window", map[string]interface{}{
			"resume_from": wm.LastEventTime.Format(time.RFC3339),
		})
		if err := p.store.Save(wm); err != nil {
			return fmt.Errorf("initialize relay state: %w", err)
		}
	}

	p.mu.Lock()
	p.wm = wm
	p.state = StateIdle
	p.mu.Unlock()
	metrics.SetWatermarkAge(time.Since(wm.LastEventTime))
	return nil
}

// tick runs one poll cycle unless the loop is paused, holding off for
// backoff, or already busy.
func (p *Poller) tick(ctx context.Context) {
	p.mu.RLock()
	paused := p.paused
	next := p.nextAttempt
	p.mu.RUnlock()

	if paused {
		return
	}
	if !next.IsZero() && time.Now().Before(next) {
		return
	}

	if !p.cycleMu.TryLock() {
		logger.DebugC("poller", "Poll tick skipped, cycle in flight")
		metrics.PollCompleted(metrics.OutcomeSkipped, 0)
		p.emit(events.PollSkipped, events.PollEventData{})
		return
	}
	defer p.cycleMu.Unlock()

	p.runCycle(ctx)
}

// runCycle is one POLLING→DISPATCHING pass. Caller holds cycleMu.
func (p *Poller) runCycle(ctx context.Context) {
	start := time.Now()
	p.setState(StatePolling)
	p.emit(events.PollStarted, events.PollEventData{})

	p.mu.RLock()
	wm := p.wm
	p.mu.RUnlock()

	fetched, err := p.client.ListEvents(ctx, wm.LastEventTime, wm.LastEventID, p.cfg.PageLimit*p.cfg.MaxPages)
	if err != nil {
		if ctx.Err() != nil {
			p.setState(StateIdle)
			return
		}
		p.failCycle(ctx, err, time.Since(start))
		return
	}

	// The server orders by time only; restore the full (time, id) order
	// before dispatching.
	event.Sort(fetched)

	p.setState(StateDispatching)
	dispatched, dropped, duplicates := 0, 0, 0
	for _, ev := range fetched {
		if ctx.Err() != nil {
			break
		}
		// The inclusive time boundary re-fetches events at the watermark
		// every cycle; Covers absorbs them (and exact duplicates within
		// the batch, since the watermark advances per event below).
		if wm.Covers(ev) {
			continue
		}
		if p.dedup.Seen(ev.ID) {
			duplicates++
			metrics.RelayOutcome(metrics.OutcomeDuplicate)
			continue
		}

		if err := p.notifier.Deliver(ctx, ev); err != nil {
			if ctx.Err() != nil {
				// Shutdown mid-dispatch: leave the event past the
				// watermark for the next run.
				break
			}
			dropped++
			metrics.RelayOutcome(metrics.OutcomeDropped)
			logger.WarnCF("poller", "Dropping event after exhausted delivery retries", map[string]interface{}{
				"event_id": ev.ID,
				"monitor":  ev.MonitorName,
				"error":    err.Error(),
			})
			p.emit(events.RelayDropped, relayData(ev, err))
		} else {
			dispatched++
			metrics.RelayOutcome(metrics.OutcomeDispatched)
			p.dedup.Mark(ev.ID)
			p.emit(events.RelayDispatched, relayData(ev, nil))
		}

		wm = wm.Advance(ev)
		p.advanceWatermark(wm)
	}

	if ctx.Err() != nil {
		p.setState(StateIdle)
		return
	}

	p.settleCycle(ctx)

	dur := time.Since(start)
	metrics.PollCompleted(metrics.OutcomeOK, dur)
	metrics.SetWatermarkAge(time.Since(wm.LastEventTime))
	p.emit(events.PollCompleted, events.PollEventData{
		Fetched:  len(fetched),
		Fresh:    dispatched + dropped,
		Duration: dur.Milliseconds(),
	})
	if dispatched+dropped+duplicates > 0 {
		logger.InfoCF("poller", "Poll cycle completed", map[string]interface{}{
			"fetched":    len(fetched),
			"dispatched": dispatched,
			"dropped":    dropped,
			"duplicates": duplicates,
			"duration":   dur.String(),
		})
	}
}

// advanceWatermark records dispatch progress in memory and on disk. A save
// failure is logged and retried implicitly on the next advance.
func (p *Poller) advanceWatermark(wm event.Watermark) {
	p.mu.Lock()
	p.wm = wm
	p.mu.Unlock()

	if err := p.store.Save(wm); err != nil {
		logger.ErrorCF("poller", "Failed to persist watermark", map[string]interface{}{
			"last_event_id": wm.LastEventID,
			"error":         err.Error(),
		})
		return
	}
	p.emit(events.WatermarkAdvanced, events.WatermarkEventData{
		LastEventID:   wm.LastEventID,
		LastEventTime: wm.LastEventTime,
	})
}

// failCycle applies backoff after a fetch failure and raises the one-shot
// degraded notice once the streak is long enough.
func (p *Poller) failCycle(ctx context.Context, err error, dur time.Duration) {
	delay := p.backoff.Next()
	failures := p.backoff.Failures()

	metrics.PollCompleted(metrics.OutcomeError, dur)
	metrics.SetPollFailureStreak(failures)

	p.mu.Lock()
	p.state = StateBackoff
	p.failures = failures
	p.lastErr = err
	p.lastPoll = time.Now()
	p.nextAttempt = time.Now().Add(delay)
	if failures == 1 {
		p.downSince = time.Now()
	}
	firstDegrade := !p.degraded && failures >= p.cfg.DegradedAfter
	if firstDegrade {
		p.degraded = true
	}
	p.mu.Unlock()

	logger.WarnCF("poller", "Poll cycle failed, backing off", map[string]interface{}{
		"consecutive_failures": failures,
		"retry_in":             delay.String(),
		"transient":            monitor.IsUnavailable(err),
		"error":                err.Error(),
	})
	p.emit(events.PollFailed, events.PollEventData{Error: err.Error()})

	if firstDegrade {
		p.emit(events.RelayDegraded, events.RelayEventData{Failures: failures, Error: err.Error()})
		if nerr := p.notifier.NoticeDegraded(ctx, failures, err); nerr != nil {
			logger.ErrorCF("poller", "Failed to post degraded notice", map[string]interface{}{
				"error": nerr.Error(),
			})
		}
	}
}

// settleCycle resets failure tracking after a successful fetch and posts
// the recovery notice if a degraded notice went out earlier.
func (p *Poller) settleCycle(ctx context.Context) {
	p.backoff.Reset()
	metrics.SetPollFailureStreak(0)

	p.mu.Lock()
	wasDegraded := p.degraded
	downSince := p.downSince
	p.degraded = false
	p.failures = 0
	p.downSince = time.Time{}
	p.lastErr = nil
	p.lastPoll = time.Now()
	p.nextAttempt = time.Time{}
	p.state = StateIdle
	if p.paused {
		p.state = StatePaused
	}
	p.mu.Unlock()

	if wasDegraded {
		outage := time.Since(downSince)
		logger.InfoCF("poller", "Polling recovered", map[string]interface{}{
			"outage": outage.Round(time.Second).String(),
		})
		p.emit(events.RelayRecovered, events.RelayEventData{})
		if nerr := p.notifier.NoticeRecovered(ctx, outage); nerr != nil {
			logger.ErrorCF("poller", "Failed to post recovery notice", map[string]interface{}{
				"error": nerr.Error(),
			})
		}
	}
}

// ---------------------------------------------------------------------------
// Relay controls (admin commands)
// ---------------------------------------------------------------------------

// Pause suspends polling. Returns false when already paused. An in-flight
// cycle finishes its current dispatch-and-advance step.
func (p *Poller) Pause() bool {
	p.mu.Lock()
	if p.paused {
		p.mu.Unlock()
		return false
	}
	p.paused = true
	p.state = StatePaused
	p.mu.Unlock()

	logger.InfoC("poller", "Relay paused")
	p.emit(events.RelayPaused, events.RelayEventData{})
	return true
}

// Resume lifts a pause. Returns false when not paused.
func (p *Poller) Resume() bool {
	p.mu.Lock()
	if !p.paused {
		p.mu.Unlock()
		return false
	}
	p.paused = false
	p.state = StateIdle
	if !p.nextAttempt.IsZero() {
		p.state = StateBackoff
	}
	p.mu.Unlock()

	logger.InfoC("poller", "Relay resumed")
	p.emit(events.RelayResumed, events.RelayEventData{})
	return true
}

// Paused reports whether the relay is paused.
func (p *Poller) Paused() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.paused
}

// Replay rewinds the watermark by d (at most MaxReplay) and persists the
// result. Events relayed within the dedup TTL stay suppressed; everything
// else past the rewound watermark is delivered again on the next cycle.
func (p *Poller) Replay(d time.Duration) (event.Watermark, error) {
	if d <= 0 {
		return event.Watermark{}, ErrReplayInvalid
	}
	if d > MaxReplay {
		return event.Watermark{}, fmt.Errorf("%w: %s > %s", ErrReplayTooFar, d, MaxReplay)
	}

	// Waits out any in-flight cycle so the watermark never moves mid-pass.
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	p.mu.Lock()
	wm := p.wm
	if wm.IsZero() {
		wm = event.Watermark{LastEventTime: time.Now()}
	}
	wm = wm.Rewind(d)
	p.wm = wm
	p.mu.Unlock()

	if err := p.store.Save(wm); err != nil {
		return wm, fmt.Errorf("persist replayed watermark: %w", err)
	}

	logger.InfoCF("poller", "Watermark rewound for replay", map[string]interface{}{
		"window":      d.String(),
		"resume_from": wm.LastEventTime.Format(time.RFC3339),
	})
	p.emit(events.WatermarkReplayed, events.WatermarkEventData{
		LastEventID:   wm.LastEventID,
		LastEventTime: wm.LastEventTime,
		Reason:        "replay " + d.String(),
	})
	return wm, nil
}

// ---------------------------------------------------------------------------
// Observability
// ---------------------------------------------------------------------------

// Watermark returns the current in-memory watermark.
func (p *Poller) Watermark() event.Watermark {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.wm
}

// Degraded reports whether a degraded notice is outstanding.
func (p *Poller) Degraded() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.degraded
}

// Status returns a snapshot of the relay loop state.
func (p *Poller) Status() map[string]interface{} {
	p.mu.RLock()
	defer p.mu.RUnlock()

	status := map[string]interface{}{
		"state":                p.state,
		"paused":               p.paused,
		"degraded":             p.degraded,
		"consecutive_failures": p.failures,
		"interval":             p.cfg.Interval.String(),
		"dedup_size":           p.dedup.Len(),
		"watermark_id":         p.wm.LastEventID,
		"watermark_time":       p.wm.LastEventTime,
	}
	if !p.wm.LastEventTime.IsZero() {
		status["watermark_age_seconds"] = int64(time.Since(p.wm.LastEventTime).Seconds())
	}
	if !p.lastPoll.IsZero() {
		status["last_poll"] = p.lastPoll
	}
	if p.lastErr != nil {
		status["last_error"] = p.lastErr.Error()
	}
	if !p.nextAttempt.IsZero() {
		status["next_attempt"] = p.nextAttempt
	}
	return status
}

func (p *Poller) setState(s State) {
	p.mu.Lock()
	if s == StateIdle && p.paused {
		s = StatePaused
	}
	p.state = s
	p.mu.Unlock()
}

func (p *Poller) emit(evtType string, data interface{}) {
	if p.bus == nil {
		return
	}
	p.bus.PublishSystem(bus.SystemEvent{Type: evtType, Source: "poller", Data: data})
}

func relayData(ev event.Event, err error) events.RelayEventData {
	data := events.RelayEventData{
		EventID:     ev.ID,
		MonitorID:   ev.MonitorID,
		MonitorName: ev.MonitorName,
		Kind:        ev.Kind,
		OccurredAt:  ev.OccurredAt,
	}
	if err != nil {
		data.Error = err.Error()
	}
	return data
}
