// Package router implements the command path of the bridge: it consumes
// addressed inbound messages from the bus, resolves them against a typed verb
// registry, authorizes the sender against the grant table, executes the bound
// handler, and publishes exactly one reply per message back to the
// originating channel.
package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zonewatch/zonewatch/pkg/bus"
	"github.com/zonewatch/zonewatch/pkg/domain"
	"github.com/zonewatch/zonewatch/pkg/domain/command"
	"github.com/zonewatch/zonewatch/pkg/domain/monitor"
	"github.com/zonewatch/zonewatch/pkg/events"
	"github.com/zonewatch/zonewatch/pkg/logger"
	"github.com/zonewatch/zonewatch/pkg/metrics"
)

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

// HandlerFunc executes one resolved command and returns the reply text.
// Returning an error yields a classified failure reply instead; handlers that
// want full control over the wording return (text, nil).
type HandlerFunc func(ctx context.Context, cmd command.Command) (string, error)

// Binding ties a verb to its permission scope and handler. Aliases resolve to
// the same binding; multi-word aliases like "list monitors" are supported.
type Binding struct {
	Verb    string
	Aliases []string
	Scope   command.Scope
	Usage   string
	Summary string
	Handler HandlerFunc
}

// RouterError is a typed error for registration problems.
type RouterError string

func (e RouterError) Error() string { return string(e) }

const (
	ErrVerbRegistered RouterError = "verb already registered"
	ErrBadBinding     RouterError = "invalid command binding"
)

// Router dispatches inbound chat messages to command handlers. The registry
// is populated at startup and never mutated afterwards; only the grant table
// is swappable, atomically, for live permission reloads.
type Router struct {
	bus     *bus.MessageBus
	grants  atomic.Pointer[command.GrantTable]
	lookup  map[string]*Binding
	order   []*Binding
	timeout time.Duration
	wg      sync.WaitGroup
}

// New creates a Router over the message bus. timeout bounds each command
// execution; zero means 10 seconds.
func New(b *bus.MessageBus, grants *command.GrantTable, timeout time.Duration) *Router {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	r := &Router{
		bus:     b,
		lookup:  make(map[string]*Binding),
		timeout: timeout,
	}
	if grants == nil {
		grants = command.NewGrantTable(command.ScopeNone, nil)
	}
	r.grants.Store(grants)
	return r
}

// Register adds a binding to the registry. Must be called before Run; the
// lookup map is not guarded against concurrent mutation.
func (r *Router) Register(b Binding) error {
	if b.Verb == "" || b.Handler == nil || !b.Scope.Valid() {
		return fmt.Errorf("%w: verb %q", ErrBadBinding, b.Verb)
	}
	bound := b
	keys := append([]string{b.Verb}, b.Aliases...)
	for _, key := range keys {
		norm := command.NormalizeVerb(command.Tokenize(key)...)
		if norm == "" {
			return fmt.Errorf("%w: empty alias on %q", ErrBadBinding, b.Verb)
		}
		if _, taken := r.lookup[norm]; taken {
			return fmt.Errorf("%w: %q", ErrVerbRegistered, norm)
		}
		r.lookup[norm] = &bound
	}
	r.order = append(r.order, &bound)
	return nil
}

// SetGrants swaps the permission table. Commands already in flight keep the
// table they were authorized against.
func (r *Router) SetGrants(t *command.GrantTable) {
	if t == nil {
		return
	}
	r.grants.Store(t)
	logger.InfoCF("router", "Permission table reloaded", map[string]interface{}{
		"default_scope": t.Default.String(),
		"user_entries":  len(t.Users),
	})
}

// Verbs returns the primary verbs in sorted order.
func (r *Router) Verbs() []string {
	verbs := make([]string, 0, len(r.order))
	for _, b := range r.order {
		verbs = append(verbs, b.Verb)
	}
	sort.Strings(verbs)
	return verbs
}

// HelpText renders the command list in registration order.
func (r *Router) HelpText() string {
	var sb strings.Builder
	sb.WriteString("ZoneWatch commands:")
	for _, b := range r.order {
		sb.WriteString("\n  ")
		sb.WriteString(b.Usage)
		if b.Summary != "" {
			sb.WriteString(" - ")
			sb.WriteString(b.Summary)
		}
		switch b.Scope {
		case command.ScopeWrite, command.ScopeAdmin:
			sb.WriteString(" (")
			sb.WriteString(b.Scope.String())
			sb.WriteString(")")
		}
	}
	return sb.String()
}

// ---------------------------------------------------------------------------
// Dispatch loop
// ---------------------------------------------------------------------------

// Run consumes inbound messages until ctx is cancelled, then waits for
// in-flight commands to finish. Each addressed message is handled as an
// independent unit of work.
func (r *Router) Run(ctx context.Context) {
	logger.InfoCF("router", "Command router started", map[string]interface{}{
		"verbs":   len(r.order),
		"timeout": r.timeout.String(),
	})
	for {
		msg, ok := r.bus.ConsumeInbound(ctx)
		if !ok {
			break
		}
		r.wg.Add(1)
		go func(msg bus.InboundMessage) {
			defer r.wg.Done()
			r.handle(ctx, msg)
		}(msg)
	}
	r.wg.Wait()
	logger.InfoC("router", "Command router stopped")
}

// handle runs the full pipeline for one inbound message: resolve, authorize,
// execute, reply. Exactly one reply leaves here per addressed message.
func (r *Router) handle(ctx context.Context, msg bus.InboundMessage) {
	if !msg.Addressed {
		return
	}

	tokens := command.Tokenize(msg.Content)
	binding, args := r.resolve(tokens)
	if binding == nil {
		r.rejectUnknown(msg, tokens)
		return
	}

	cmd := command.New(binding.Verb, args, domain.TransportType(msg.Channel), msg.ChatID, msg.SenderID)
	r.emit(events.CommandReceived, r.cmdData(cmd, binding.Scope, "", nil, 0))

	grant := r.grants.Load().GrantFor(msg.SenderID)
	if !command.Authorize(binding.Scope, grant) {
		r.deny(msg, cmd, binding.Scope, grant)
		return
	}

	hctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	reply, err := binding.Handler(hctx, cmd)
	elapsed := time.Since(start)

	if err != nil {
		reply = r.errorReply(binding, err)
		logger.WarnCF("router", "Command failed", map[string]interface{}{
			"verb":     cmd.Verb,
			"sender":   cmd.SenderID,
			"error":    err.Error(),
			"duration": elapsed.String(),
		})
		r.emit(events.CommandFailed, r.cmdData(cmd, binding.Scope, grant, err, elapsed))
		metrics.CommandHandled(cmd.Verb, metrics.OutcomeFailed)
	} else {
		if reply == "" {
			reply = "Done."
		}
		logger.InfoCF("router", "Command executed", map[string]interface{}{
			"verb":     cmd.Verb,
			"sender":   cmd.SenderID,
			"duration": elapsed.String(),
		})
		r.emit(events.CommandExecuted, r.cmdData(cmd, binding.Scope, grant, nil, elapsed))
		metrics.CommandHandled(cmd.Verb, metrics.OutcomeExecuted)
	}

	r.reply(msg, reply)
}

// resolve maps tokens to a binding, longest alias first so "list monitors"
// never misparses as verb "list". An empty command resolves to help.
func (r *Router) resolve(tokens []string) (*Binding, []string) {
	if len(tokens) == 0 {
		return r.lookup["help"], nil
	}
	if len(tokens) >= 2 {
		if b, ok := r.lookup[command.NormalizeVerb(tokens[0], tokens[1])]; ok {
			return b, tokens[2:]
		}
	}
	if b, ok := r.lookup[command.NormalizeVerb(tokens[0])]; ok {
		return b, tokens[1:]
	}
	return nil, nil
}

func (r *Router) rejectUnknown(msg bus.InboundMessage, tokens []string) {
	verb := ""
	if len(tokens) > 0 {
		verb = tokens[0]
	}
	logger.InfoCF("router", "Unknown command", map[string]interface{}{
		"verb":   verb,
		"sender": msg.SenderID,
	})
	r.emit(events.CommandRejected, events.CommandEventData{
		Verb:      verb,
		Transport: msg.Channel,
		ChatID:    msg.ChatID,
		SenderID:  msg.SenderID,
		Error:     command.ErrUnknownVerb.Error(),
	})
	// Unknown verbs come from users; keep them out of metric labels.
	metrics.CommandHandled("unknown", metrics.OutcomeRejected)
	r.reply(msg, fmt.Sprintf("Unknown command %q. Available: %s. Send `help` for details.",
		verb, strings.Join(r.Verbs(), ", ")))
}

func (r *Router) deny(msg bus.InboundMessage, cmd command.Command, required, grant command.Scope) {
	logger.WarnCF("router", "Command denied", map[string]interface{}{
		"verb":     cmd.Verb,
		"sender":   cmd.SenderID,
		"required": required.String(),
		"granted":  grant.String(),
	})
	r.emit(events.CommandDenied, r.cmdData(cmd, required, grant, command.ErrDenied, 0))
	metrics.CommandHandled(cmd.Verb, metrics.OutcomeDenied)
	r.reply(msg, fmt.Sprintf("Permission denied: %q requires %s access (you have %s).",
		cmd.Verb, required, grant))
}

// errorReply folds a handler error into operator-facing text.
func (r *Router) errorReply(b *Binding, err error) string {
	switch {
	case errors.Is(err, command.ErrMissingArgument):
		return "Usage: " + b.Usage
	case monitor.IsUnavailable(err) || errors.Is(err, context.DeadlineExceeded):
		return "The monitoring system is not responding. Please try again shortly."
	case monitor.IsRejected(err):
		return fmt.Sprintf("The monitoring system rejected the request: %v", err)
	default:
		return fmt.Sprintf("Command failed: %v", err)
	}
}

func (r *Router) reply(msg bus.InboundMessage, text string) {
	r.bus.PublishOutbound(bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: text,
	})
}

func (r *Router) emit(evtType string, data interface{}) {
	if r.bus == nil {
		return
	}
	r.bus.PublishSystem(bus.SystemEvent{Type: evtType, Source: "router", Data: data})
}

func (r *Router) cmdData(cmd command.Command, required, grant command.Scope, err error, elapsed time.Duration) events.CommandEventData {
	data := events.CommandEventData{
		CommandID: cmd.ID.String(),
		Verb:      cmd.Verb,
		Args:      cmd.ArgText(),
		Transport: cmd.Transport.String(),
		ChatID:    cmd.ChannelID,
		SenderID:  cmd.SenderID,
		Required:  required.String(),
		Granted:   grant.String(),
		Duration:  elapsed.Milliseconds(),
	}
	if err != nil {
		data.Error = err.Error()
	}
	return data
}
