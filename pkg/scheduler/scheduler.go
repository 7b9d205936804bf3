// Package scheduler posts the periodic status digest: monitor arm states,
// relay traffic for the window, and watermark age, rendered through the
// notification formatter and delivered to the digest targets on a cron
// schedule.
package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/zonewatch/zonewatch/pkg/bus"
	"github.com/zonewatch/zonewatch/pkg/config"
	"github.com/zonewatch/zonewatch/pkg/domain/chat"
	"github.com/zonewatch/zonewatch/pkg/domain/event"
	"github.com/zonewatch/zonewatch/pkg/domain/monitor"
	"github.com/zonewatch/zonewatch/pkg/events"
	"github.com/zonewatch/zonewatch/pkg/logger"
	"github.com/zonewatch/zonewatch/pkg/notify"
	"github.com/zonewatch/zonewatch/pkg/router"
)

// digestWindow is the lookback for the first digest after startup; later
// digests cover the span since the previous one.
const digestWindow = 24 * time.Hour

// MonitorLister is the slice of the monitoring client the digest needs.
type MonitorLister interface {
	ListMonitors(ctx context.Context) ([]monitor.Monitor, error)
}

// EventCounter counts journal rows for the digest window. Satisfied by the
// audit store; nil means the relayed-event line reads zero.
type EventCounter interface {
	CountSince(t time.Time, kindPrefix string) (int, error)
}

// Relay exposes the watermark for the age line. Satisfied by the poller;
// nil means relaying is disabled.
type Relay interface {
	Watermark() event.Watermark
}

// Poster renders and delivers digest texts. Satisfied by the notification
// dispatcher.
type Poster interface {
	Formatter() *notify.Formatter
	NoticeTo(ctx context.Context, targets []chat.ChannelRef, text string) error
}

// Scheduler fires the digest when its cron expression comes due. It also
// serves interactive digest requests through BuildDigest.
type Scheduler struct {
	cfg      config.DigestConfig
	monitors MonitorLister
	audit    EventCounter
	relay    Relay
	poster   Poster
	msgBus   *bus.MessageBus
	targets  []chat.ChannelRef

	// tick is the schedule check interval. Cron granularity is one minute;
	// tests shrink this.
	tick time.Duration
	now  func() time.Time

	mu         sync.Mutex
	lastMinute time.Time
	lastPosted time.Time
	windowFrom time.Time
	posted     int64
}

var _ router.DigestSource = (*Scheduler)(nil)

// New builds a scheduler from the digest configuration. The relay and audit
// dependencies may be nil.
func New(cfg config.DigestConfig, monitors MonitorLister, audit EventCounter, relay Relay, poster Poster, msgBus *bus.MessageBus) (*Scheduler, error) {
	targets := make([]chat.ChannelRef, 0, len(cfg.Targets))
	for _, raw := range cfg.Targets {
		ref, err := chat.ParseChannelRef(raw)
		if err != nil {
			return nil, err
		}
		targets = append(targets, ref)
	}

	now := time.Now
	return &Scheduler{
		cfg:        cfg,
		monitors:   monitors,
		audit:      audit,
		relay:      relay,
		poster:     poster,
		msgBus:     msgBus,
		targets:    targets,
		tick:       time.Minute,
		now:        now,
		windowFrom: now().Add(-digestWindow),
	}, nil
}

// Run checks the cron expression once a minute and posts when due. Returns
// nil when ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.cfg.Enabled || len(s.targets) == 0 {
		logger.InfoC("scheduler", "Digest schedule disabled")
		return nil
	}

	logger.InfoCF("scheduler", "Digest schedule started", map[string]interface{}{
		"schedule": s.cfg.Schedule,
		"targets":  len(s.targets),
	})

	gron := gronx.New()
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.InfoC("scheduler", "Digest schedule stopped")
			return nil
		case <-ticker.C:
			s.checkDue(ctx, gron)
		}
	}
}

// checkDue fires at most once per calendar minute, so tick drift cannot
// double-post.
func (s *Scheduler) checkDue(ctx context.Context, gron *gronx.Gronx) {
	now := s.now()
	minute := now.Truncate(time.Minute)

	s.mu.Lock()
	if minute.Equal(s.lastMinute) {
		s.mu.Unlock()
		return
	}
	s.lastMinute = minute
	s.mu.Unlock()

	due, err := gron.IsDue(s.cfg.Schedule, now)
	if err != nil {
		logger.WarnCF("scheduler", "Digest schedule unparseable", map[string]interface{}{
			"schedule": s.cfg.Schedule,
			"error":    err.Error(),
		})
		return
	}
	if due {
		s.post(ctx, now)
	}
}

// post builds the digest and delivers it to every target.
func (s *Scheduler) post(ctx context.Context, now time.Time) {
	text, err := s.BuildDigest(ctx)
	if err != nil {
		logger.WarnCF("scheduler", "Digest build failed, skipping this run", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	if err := s.poster.NoticeTo(ctx, s.targets, text); err != nil {
		logger.WarnCF("scheduler", "Digest delivery failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	s.mu.Lock()
	from := s.windowFrom
	s.lastPosted = now
	s.windowFrom = now
	s.posted++
	s.mu.Unlock()

	names := make([]string, len(s.targets))
	for i, ref := range s.targets {
		names[i] = ref.String()
	}
	s.emit(events.DigestPosted, events.DigestEventData{
		Target:     strings.Join(names, ","),
		EventCount: s.relayedSince(from),
		WindowFrom: from,
		WindowTo:   now,
	})
	logger.InfoCF("scheduler", "Digest posted", map[string]interface{}{
		"targets": len(s.targets),
	})
}

// BuildDigest assembles the digest text from live monitor states, the audit
// journal, and the relay watermark. Also called directly for the interactive
// digest command.
func (s *Scheduler) BuildDigest(ctx context.Context) (string, error) {
	monitors, err := s.monitors.ListMonitors(ctx)
	if err != nil {
		return "", err
	}
	armed := 0
	for _, m := range monitors {
		if m.Enabled && m.Armed {
			armed++
		}
	}

	s.mu.Lock()
	from := s.windowFrom
	s.mu.Unlock()

	age := "n/a"
	if s.relay != nil {
		if wm := s.relay.Watermark(); !wm.IsZero() {
			age = time.Since(wm.LastEventTime).Round(time.Second).String()
		}
	}

	return s.poster.Formatter().Digest(notify.DigestData{
		Armed:        armed,
		Total:        len(monitors),
		Events:       s.relayedSince(from),
		WatermarkAge: age,
	}), nil
}

// relayedSince counts events dispatched to chat since t.
func (s *Scheduler) relayedSince(t time.Time) int {
	if s.audit == nil {
		return 0
	}
	n, err := s.audit.CountSince(t, events.RelayDispatched)
	if err != nil {
		logger.WarnCF("scheduler", "Audit count failed", map[string]interface{}{
			"error": err.Error(),
		})
		return 0
	}
	return n
}

// Status reports the schedule state for the ops surface.
func (s *Scheduler) Status() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := map[string]interface{}{
		"enabled":  s.cfg.Enabled,
		"schedule": s.cfg.Schedule,
		"targets":  len(s.targets),
		"posted":   s.posted,
	}
	if !s.lastPosted.IsZero() {
		status["last_posted"] = s.lastPosted.UTC().Format(time.RFC3339)
	}
	return status
}

func (s *Scheduler) emit(eventType string, data interface{}) {
	if s.msgBus == nil {
		return
	}
	s.msgBus.PublishSystem(bus.SystemEvent{
		Type:   eventType,
		Source: "scheduler",
		Data:   data,
	})
}
