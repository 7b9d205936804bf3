package router

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zonewatch/zonewatch/pkg/bus"
	"github.com/zonewatch/zonewatch/pkg/domain/command"
	"github.com/zonewatch/zonewatch/pkg/domain/event"
	"github.com/zonewatch/zonewatch/pkg/domain/monitor"
	"github.com/zonewatch/zonewatch/pkg/events"
	"github.com/zonewatch/zonewatch/pkg/poller"
	"github.com/zonewatch/zonewatch/pkg/retry"
)

const timeLayout = "2006-01-02 15:04:05"

// monitorCacheTTL bounds how long arm/disarm trusts a cached monitor listing
// for name resolution. Within the window a warm cache keeps those commands at
// a single monitoring-system call.
const monitorCacheTTL = time.Minute

// commandRetryPolicy bounds transient-failure retries on the command path.
// Interactive latency budget: worst case one retry after half a second.
var commandRetryPolicy = retry.Policy{
	MaxAttempts: 2,
	Initial:     500 * time.Millisecond,
	Multiplier:  2,
	Ceiling:     2 * time.Second,
}

// ---------------------------------------------------------------------------
// Collaborator ports
// ---------------------------------------------------------------------------

// RelayControl is the slice of the event relay the command set drives.
type RelayControl interface {
	Status() map[string]interface{}
	Watermark() event.Watermark
	Pause() bool
	Resume() bool
	Replay(d time.Duration) (event.Watermark, error)
	Paused() bool
	Degraded() bool
}

var _ RelayControl = (*poller.Poller)(nil)

// DigestSource builds the on-demand status digest.
type DigestSource interface {
	BuildDigest(ctx context.Context) (string, error)
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

// Handlers implements the operator command set against the monitoring client
// and the relay. Safe for concurrent use; commands run as independent units.
type Handlers struct {
	client  monitor.Client
	relay   RelayControl
	digest  DigestSource
	bus     *bus.MessageBus
	retry   retry.Policy
	started time.Time

	monMu      sync.Mutex
	monitors   []monitor.Monitor
	monitorsAt time.Time
}

// NewHandlers wires the command set. relay and digest may be nil when those
// subsystems are disabled; the affected verbs then reply accordingly.
func NewHandlers(client monitor.Client, relay RelayControl, digest DigestSource, b *bus.MessageBus) *Handlers {
	return &Handlers{
		client:  client,
		relay:   relay,
		digest:  digest,
		bus:     b,
		retry:   commandRetryPolicy,
		started: time.Now(),
	}
}

// RegisterAll binds the full command set onto the router.
func (h *Handlers) RegisterAll(r *Router) error {
	bindings := []Binding{
		{
			Verb: "help", Scope: command.ScopeAny,
			Usage: "help", Summary: "Show available commands",
			Handler: func(ctx context.Context, cmd command.Command) (string, error) {
				return r.HelpText(), nil
			},
		},
		{
			Verb: "status", Scope: command.ScopeRead,
			Usage: "status", Summary: "Show monitor states and relay health",
			Handler: h.Status,
		},
		{
			Verb: "monitors", Aliases: []string{"list monitors"}, Scope: command.ScopeRead,
			Usage: "monitors", Summary: "List monitors with their functions",
			Handler: h.Monitors,
		},
		{
			Verb: "events", Scope: command.ScopeRead,
			Usage: "events [n]", Summary: "Show the latest events (default 5, max 20)",
			Handler: h.Events,
		},
		{
			Verb: "event", Scope: command.ScopeRead,
			Usage: "event <id>", Summary: "Show one event in detail",
			Handler: h.EventDetail,
		},
		{
			Verb: "arm", Aliases: []string{"enable monitor"}, Scope: command.ScopeWrite,
			Usage: "arm <monitor>", Summary: "Arm a monitor (active detection)",
			Handler: h.Arm,
		},
		{
			Verb: "disarm", Aliases: []string{"disable monitor"}, Scope: command.ScopeWrite,
			Usage: "disarm <monitor>", Summary: "Disarm a monitor (passive streaming)",
			Handler: h.Disarm,
		},
		{
			Verb: "digest", Scope: command.ScopeRead,
			Usage: "digest", Summary: "Build the status digest now",
			Handler: h.Digest,
		},
		{
			Verb: "replay", Scope: command.ScopeAdmin,
			Usage: "replay <duration>", Summary: "Rewind the relay watermark (e.g. replay 2h)",
			Handler: h.Replay,
		},
		{
			Verb: "pause", Scope: command.ScopeAdmin,
			Usage: "pause", Summary: "Pause event relaying",
			Handler: h.Pause,
		},
		{
			Verb: "resume", Scope: command.ScopeAdmin,
			Usage: "resume", Summary: "Resume event relaying",
			Handler: h.Resume,
		},
	}
	for _, b := range bindings {
		if err := r.Register(b); err != nil {
			return err
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Read verbs
// ---------------------------------------------------------------------------

// Status reports every monitor's state plus relay health and uptime.
func (h *Handlers) Status(ctx context.Context, cmd command.Command) (string, error) {
	monitors, err := h.listMonitors(ctx)
	if err != nil {
		return "", err
	}

	armed := 0
	for _, m := range monitors {
		if m.Enabled && m.Armed {
			armed++
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Monitors (%d/%d armed):", armed, len(monitors))
	for _, m := range monitors {
		fmt.Fprintf(&sb, "\n  %s - %s", label(m), m.StateLabel())
	}
	sb.WriteString("\n")
	sb.WriteString(h.relayLine())
	fmt.Fprintf(&sb, "\nUptime: %s.", time.Since(h.started).Round(time.Second))
	return sb.String(), nil
}

// Monitors lists the units with their configured function.
func (h *Handlers) Monitors(ctx context.Context, cmd command.Command) (string, error) {
	monitors, err := h.listMonitors(ctx)
	if err != nil {
		return "", err
	}
	if len(monitors) == 0 {
		return "The monitoring system reports no monitors.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d monitors:", len(monitors))
	for _, m := range monitors {
		fmt.Fprintf(&sb, "\n  %s %s - %s", label(m), m.Function, m.StateLabel())
	}
	return sb.String(), nil
}

// Events shows the latest n events, oldest first.
func (h *Handlers) Events(ctx context.Context, cmd command.Command) (string, error) {
	n := 5
	if raw := cmd.Arg(0); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			return "Usage: events [n], with n between 1 and 20.", nil
		}
		if v > 20 {
			v = 20
		}
		n = v
	}

	var list []event.Event
	err := h.retry.Do(ctx, monitor.IsUnavailable, func(ctx context.Context) error {
		var err error
		list, err = h.client.RecentEvents(ctx, n)
		return err
	})
	if err != nil {
		return "", err
	}
	if len(list) == 0 {
		return "No recent events.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Latest %d events:", len(list))
	for _, ev := range list {
		fmt.Fprintf(&sb, "\n  [%s] %s on %s at %s", ev.ID, ev.Kind, monitorLabel(ev), ev.OccurredAt.Format(timeLayout))
	}
	return sb.String(), nil
}

// EventDetail shows a single event with its media link.
func (h *Handlers) EventDetail(ctx context.Context, cmd command.Command) (string, error) {
	id := cmd.Arg(0)
	if id == "" {
		return "", command.ErrMissingArgument
	}

	var ev event.Event
	err := h.retry.Do(ctx, monitor.IsUnavailable, func(ctx context.Context) error {
		var err error
		ev, err = h.client.GetEvent(ctx, id)
		return err
	})
	if errors.Is(err, monitor.ErrNotFound) {
		return fmt.Sprintf("No event with ID %q.", id), nil
	}
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Event %s: %s on %s at %s", ev.ID, ev.Kind, monitorLabel(ev), ev.OccurredAt.Format(timeLayout))
	if ev.Summary != "" {
		fmt.Fprintf(&sb, "\n%s", ev.Summary)
	}
	if ev.MediaRef != "" {
		fmt.Fprintf(&sb, "\n%s", ev.MediaRef)
	}
	return sb.String(), nil
}

// Digest builds the status digest on demand and replies in-channel.
func (h *Handlers) Digest(ctx context.Context, cmd command.Command) (string, error) {
	if h.digest == nil {
		return "The digest builder is not running.", nil
	}
	return h.digest.BuildDigest(ctx)
}

// ---------------------------------------------------------------------------
// Write verbs
// ---------------------------------------------------------------------------

// Arm switches a monitor to active detection.
func (h *Handlers) Arm(ctx context.Context, cmd command.Command) (string, error) {
	return h.setState(ctx, cmd, true)
}

// Disarm switches a monitor to passive streaming.
func (h *Handlers) Disarm(ctx context.Context, cmd command.Command) (string, error) {
	return h.setState(ctx, cmd, false)
}

func (h *Handlers) setState(ctx context.Context, cmd command.Command, armed bool) (string, error) {
	ref := cmd.ArgText()
	if ref == "" {
		return "", command.ErrMissingArgument
	}

	m, found, err := h.resolveMonitor(ctx, ref)
	if err != nil {
		return "", err
	}
	if !found {
		return fmt.Sprintf("No monitor named %q. Send `monitors` for the list.", ref), nil
	}

	err = h.retry.Do(ctx, monitor.IsUnavailable, func(ctx context.Context) error {
		return h.client.SetMonitorState(ctx, m.ID, armed)
	})
	if err != nil {
		return "", err
	}

	h.rememberState(m.ID, armed)
	evtType := events.MonitorArmed
	verb := "armed"
	if !armed {
		evtType = events.MonitorDisarmed
		verb = "disarmed"
	}
	h.emit(evtType, events.MonitorEventData{
		MonitorID:   m.ID,
		MonitorName: m.Name,
		Actor:       cmd.SenderID,
		Transport:   cmd.Transport.String(),
	})
	return fmt.Sprintf("Monitor %s %s.", label(m), verb), nil
}

// ---------------------------------------------------------------------------
// Admin verbs
// ---------------------------------------------------------------------------

// Replay rewinds the relay watermark so past events are re-relayed.
func (h *Handlers) Replay(ctx context.Context, cmd command.Command) (string, error) {
	if h.relay == nil {
		return "Event relaying is not enabled.", nil
	}
	raw := cmd.Arg(0)
	if raw == "" {
		return "", command.ErrMissingArgument
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Sprintf("Cannot parse %q as a duration. Use forms like 30m or 2h.", raw), nil
	}

	wm, err := h.relay.Replay(d)
	switch {
	case errors.Is(err, poller.ErrReplayTooFar):
		return fmt.Sprintf("Replay window too large; the maximum is %s.", poller.MaxReplay), nil
	case errors.Is(err, poller.ErrReplayInvalid):
		return "Replay duration must be positive.", nil
	case err != nil:
		return "", err
	}
	return fmt.Sprintf("Watermark rewound by %s to %s. Already-relayed events are suppressed.",
		d, wm.LastEventTime.Format(timeLayout)), nil
}

// Pause suspends event relaying.
func (h *Handlers) Pause(ctx context.Context, cmd command.Command) (string, error) {
	if h.relay == nil {
		return "Event relaying is not enabled.", nil
	}
	if h.relay.Pause() {
		return "Event relaying paused. Send `resume` to pick the stream back up.", nil
	}
	return "Event relaying is already paused.", nil
}

// Resume restarts event relaying after a pause.
func (h *Handlers) Resume(ctx context.Context, cmd command.Command) (string, error) {
	if h.relay == nil {
		return "Event relaying is not enabled.", nil
	}
	if h.relay.Resume() {
		return "Event relaying resumed.", nil
	}
	return "Event relaying is not paused.", nil
}

// ---------------------------------------------------------------------------
// Shared plumbing
// ---------------------------------------------------------------------------

// listMonitors fetches the units with bounded retries and refreshes the
// resolution cache as a side effect.
func (h *Handlers) listMonitors(ctx context.Context) ([]monitor.Monitor, error) {
	var monitors []monitor.Monitor
	err := h.retry.Do(ctx, monitor.IsUnavailable, func(ctx context.Context) error {
		var err error
		monitors, err = h.client.ListMonitors(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	h.cacheMonitors(monitors)
	return monitors, nil
}

// resolveMonitor maps an operator's reference (name or ID) to a monitor. A
// fresh cache hit or a numeric ID costs no extra monitoring-system call;
// otherwise the listing is refreshed once.
func (h *Handlers) resolveMonitor(ctx context.Context, ref string) (monitor.Monitor, bool, error) {
	h.monMu.Lock()
	cached := h.monitors
	age := time.Since(h.monitorsAt)
	h.monMu.Unlock()

	if m, ok := monitor.FindByNameOrID(cached, ref); ok && age < monitorCacheTTL {
		return m, true, nil
	}
	if isDigits(ref) {
		return monitor.Monitor{ID: ref}, true, nil
	}

	monitors, err := h.listMonitors(ctx)
	if err != nil {
		return monitor.Monitor{}, false, err
	}
	m, ok := monitor.FindByNameOrID(monitors, ref)
	return m, ok, nil
}

func (h *Handlers) cacheMonitors(monitors []monitor.Monitor) {
	h.monMu.Lock()
	h.monitors = monitors
	h.monitorsAt = time.Now()
	h.monMu.Unlock()
}

// rememberState patches the cached entry after a successful state change so
// a follow-up status within the TTL shows the new state. The slice is
// replaced, never edited in place; readers may still hold the old one.
func (h *Handlers) rememberState(monitorID string, armed bool) {
	h.monMu.Lock()
	defer h.monMu.Unlock()
	updated := make([]monitor.Monitor, len(h.monitors))
	copy(updated, h.monitors)
	for i := range updated {
		if updated[i].ID == monitorID {
			updated[i].Armed = armed
			updated[i].Enabled = true
		}
	}
	h.monitors = updated
}

func (h *Handlers) relayLine() string {
	if h.relay == nil {
		return "Relay: disabled."
	}
	var sb strings.Builder
	switch {
	case h.relay.Paused():
		sb.WriteString("Relay: paused")
	case h.relay.Degraded():
		sb.WriteString("Relay: degraded, retrying with backoff")
	default:
		sb.WriteString("Relay: running")
	}
	if wm := h.relay.Watermark(); !wm.IsZero() {
		fmt.Fprintf(&sb, ", last event %s ago", time.Since(wm.LastEventTime).Round(time.Second))
	}
	sb.WriteString(".")
	return sb.String()
}

func (h *Handlers) emit(evtType string, data interface{}) {
	if h.bus == nil {
		return
	}
	h.bus.PublishSystem(bus.SystemEvent{Type: evtType, Source: "router", Data: data})
}

func label(m monitor.Monitor) string {
	if m.Name == "" {
		return "#" + m.ID
	}
	return fmt.Sprintf("%s [%s]", m.Name, m.ID)
}

func monitorLabel(ev event.Event) string {
	if ev.MonitorName != "" {
		return ev.MonitorName
	}
	return "#" + ev.MonitorID
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
