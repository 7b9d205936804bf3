// Package channels implements the chat transport adapters (Slack, Discord,
// Telegram, console) and the Manager that routes traffic between them and
// the message bus.
//
// Each adapter implements chat.Transport and knows only its own SDK. The
// Manager owns the lifecycle: it connects the enabled transports, normalizes
// inbound messages onto the bus, and delivers outbound messages (command
// replies and relayed notifications) to the right transport.
package channels

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/zonewatch/zonewatch/pkg/bus"
	"github.com/zonewatch/zonewatch/pkg/config"
	"github.com/zonewatch/zonewatch/pkg/domain"
	"github.com/zonewatch/zonewatch/pkg/domain/chat"
	"github.com/zonewatch/zonewatch/pkg/events"
	"github.com/zonewatch/zonewatch/pkg/logger"
	"github.com/zonewatch/zonewatch/pkg/metrics"
)

// sendTimeout bounds a single outbound delivery so one stuck transport
// cannot stall the outbound loop forever.
const sendTimeout = 30 * time.Second

// ManagerError is a typed error for transport management.
type ManagerError string

func (e ManagerError) Error() string { return string(e) }

const (
	// ErrNoTransports means every configured transport failed to connect.
	ErrNoTransports ManagerError = "no chat transports connected"
	// ErrAlreadyStarted means Start was called twice.
	ErrAlreadyStarted ManagerError = "channel manager already started"
)

// ---------------------------------------------------------------------------
// Manager
// ---------------------------------------------------------------------------

// Manager connects the chat transports to the message bus. Inbound messages
// are ACL-checked, prefix-normalized, and published to the bus for the
// router; outbound messages are consumed from the bus and handed to the
// matching transport. It also implements notify.Sender so the notification
// dispatcher can deliver directly and keep its own retry accounting.
type Manager struct {
	msgBus    *bus.MessageBus
	domainBus domain.EventBus
	prefix    string

	mu         sync.RWMutex
	transports map[domain.TransportType]chat.Transport
	channels   map[domain.TransportType]*chat.Channel
	started    bool

	wg sync.WaitGroup
}

// NewManager creates an empty manager. Transports are added with Register;
// FromConfig builds the SDK-backed ones from configuration. The domain event
// bus may be nil when no audit bridge is attached.
func NewManager(prefix string, msgBus *bus.MessageBus, domainBus domain.EventBus) *Manager {
	return &Manager{
		msgBus:     msgBus,
		domainBus:  domainBus,
		prefix:     strings.TrimSpace(prefix),
		transports: make(map[domain.TransportType]chat.Transport),
		channels:   make(map[domain.TransportType]*chat.Channel),
	}
}

// FromConfig builds a manager with every transport enabled in the chat
// configuration. Disabled transports are skipped, not stubbed.
func FromConfig(cfg config.ChatConfig, msgBus *bus.MessageBus, domainBus domain.EventBus) (*Manager, error) {
	m := NewManager(cfg.CommandPrefix, msgBus, domainBus)

	if cfg.Slack.Enabled {
		m.Register(domain.TransportSlack, NewSlackTransport(cfg.Slack), cfg.Slack.AllowFrom)
	}
	if cfg.Discord.Enabled {
		t, err := NewDiscordTransport(cfg.Discord)
		if err != nil {
			return nil, err
		}
		m.Register(domain.TransportDiscord, t, cfg.Discord.AllowFrom)
	}
	if cfg.Telegram.Enabled {
		m.Register(domain.TransportTelegram, NewTelegramTransport(cfg.Telegram), cfg.Telegram.AllowFrom)
	}
	return m, nil
}

// Register adds a transport under its type and wires its receive callback
// into the inbound pipeline. Must be called before Start.
func (m *Manager) Register(tt domain.TransportType, t chat.Transport, allowFrom []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.transports[tt] = t
	m.channels[tt] = chat.NewChannel(string(tt), tt, allowFrom)
	t.OnReceive(m.handleInbound)

	logger.InfoCF("channels", "Registered transport", map[string]interface{}{
		"transport": string(tt),
		"acl_size":  len(allowFrom),
	})
}

// Start connects every registered transport and launches the outbound
// delivery loop. A transport that fails to connect is logged and left in
// error state; Start fails only when nothing connects at all. The outbound
// loop runs until ctx is cancelled or the bus closes.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	names := make([]domain.TransportType, 0, len(m.transports))
	for tt := range m.transports {
		names = append(names, tt)
	}
	m.mu.Unlock()

	connected := 0
	for _, tt := range names {
		if err := m.connect(ctx, tt); err != nil {
			logger.ErrorCF("channels", "Transport failed to connect", map[string]interface{}{
				"transport": string(tt),
				"error":     err.Error(),
			})
			continue
		}
		connected++
	}
	if connected == 0 && len(names) > 0 {
		return ErrNoTransports
	}

	m.wg.Add(1)
	go m.outboundLoop(ctx)

	logger.InfoCF("channels", "Channel manager started", map[string]interface{}{
		"transports": connected,
	})
	return nil
}

// Stop disconnects every transport. The caller cancels the Start context
// first so the outbound loop has already drained.
func (m *Manager) Stop(ctx context.Context) {
	m.mu.RLock()
	names := make([]domain.TransportType, 0, len(m.transports))
	for tt := range m.transports {
		names = append(names, tt)
	}
	m.mu.RUnlock()

	for _, tt := range names {
		m.disconnect(ctx, tt)
	}
	m.wg.Wait()
	logger.InfoC("channels", "Channel manager stopped")
}

func (m *Manager) connect(ctx context.Context, tt domain.TransportType) error {
	m.mu.RLock()
	t := m.transports[tt]
	m.mu.RUnlock()

	if err := t.Connect(ctx); err != nil {
		m.withChannel(tt, func(ch *chat.Channel) { ch.MarkError(err.Error()) })
		m.emit(events.TransportError, events.TransportEventData{
			Transport: string(tt),
			Error:     err.Error(),
		})
		metrics.SetTransportConnected(string(tt), false)
		return err
	}

	m.withChannel(tt, func(ch *chat.Channel) { ch.MarkConnected() })
	m.emit(events.TransportConnected, events.TransportEventData{Transport: string(tt)})
	metrics.SetTransportConnected(string(tt), true)
	logger.InfoCF("channels", "Transport connected", map[string]interface{}{
		"transport": string(tt),
	})
	return nil
}

func (m *Manager) disconnect(ctx context.Context, tt domain.TransportType) {
	m.mu.RLock()
	t := m.transports[tt]
	m.mu.RUnlock()

	if !t.IsConnected() {
		return
	}
	if err := t.Disconnect(ctx); err != nil {
		logger.WarnCF("channels", "Transport disconnect failed", map[string]interface{}{
			"transport": string(tt),
			"error":     err.Error(),
		})
	}
	m.withChannel(tt, func(ch *chat.Channel) { ch.MarkDisconnected() })
	m.emit(events.TransportDisconnected, events.TransportEventData{Transport: string(tt)})
	metrics.SetTransportConnected(string(tt), false)
}

// ---------------------------------------------------------------------------
// Outbound path
// ---------------------------------------------------------------------------

// outboundLoop consumes outbound messages from the bus and delivers them.
// Delivery is serial; command replies are small and the notification path
// carries its own rate limiting before messages reach the bus.
func (m *Manager) outboundLoop(ctx context.Context) {
	defer m.wg.Done()
	logger.DebugC("channels", "Outbound loop started")

	for {
		out, ok := m.msgBus.SubscribeOutbound(ctx)
		if !ok {
			logger.DebugC("channels", "Outbound loop stopped")
			return
		}
		sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		if err := m.Deliver(sendCtx, out); err != nil {
			logger.WarnCF("channels", "Outbound delivery failed", map[string]interface{}{
				"transport": out.Channel,
				"chat_id":   out.ChatID,
				"error":     err.Error(),
			})
		}
		cancel()
	}
}

// Deliver sends one outbound message through its transport. This is the
// notify.Sender implementation; the dispatcher calls it directly so its
// retry policy wraps the real send rather than a bus enqueue.
func (m *Manager) Deliver(ctx context.Context, out bus.OutboundMessage) error {
	tt := domain.TransportType(out.Channel)

	m.mu.RLock()
	t, ok := m.transports[tt]
	m.mu.RUnlock()
	if !ok {
		return chat.ErrUnknownTransport
	}
	if !t.IsConnected() {
		return chat.ErrNotConnected
	}

	msg := chat.NewOutboundMessage(tt, out.ChatID, out.Content)
	if out.Media != nil {
		msg = msg.WithMedia(&chat.MediaAttachment{
			URL:      out.Media.URL,
			Filename: out.Media.Filename,
			MimeType: out.Media.MimeType,
			Data:     out.Media.Data,
		})
	}

	if err := t.Send(ctx, msg); err != nil {
		m.withChannel(tt, func(ch *chat.Channel) { ch.MarkError(err.Error()) })
		m.emit(events.TransportError, events.TransportEventData{
			Transport: string(tt),
			Error:     err.Error(),
		})
		return err
	}

	m.withChannel(tt, func(ch *chat.Channel) { ch.RecordMessageSent() })
	return nil
}

// ---------------------------------------------------------------------------
// Inbound path
// ---------------------------------------------------------------------------

// handleInbound is the receive callback shared by all transports. It runs on
// the transport's goroutine: ACL check, command-prefix normalization, then
// publish to the bus for the router.
func (m *Manager) handleInbound(msg chat.Message) {
	m.mu.RLock()
	ch, ok := m.channels[msg.Transport]
	m.mu.RUnlock()
	if !ok {
		return
	}

	if !ch.IsAllowed(msg.SenderID) {
		// Strangers get silence, not replies. A reply here would let anyone
		// probe for the bridge from an unvetted account.
		logger.WarnCF("channels", "Dropping message from sender outside allow list", map[string]interface{}{
			"transport": string(msg.Transport),
			"sender_id": msg.SenderID,
		})
		return
	}

	content, prefixed := m.stripPrefix(msg.Content)
	addressed := msg.Addressed || prefixed

	m.withChannel(msg.Transport, func(c *chat.Channel) { c.RecordMessageReceived() })

	meta := map[string]string(msg.Metadata)
	m.msgBus.PublishInbound(bus.InboundMessage{
		Channel:   string(msg.Transport),
		SenderID:  msg.SenderID,
		ChatID:    msg.ChatID,
		Content:   content,
		Addressed: addressed,
		Metadata:  meta,
	})
}

// stripPrefix detects and removes the command prefix ("!zw status" ->
// "status"). The prefix must be followed by whitespace or end the message;
// "!zwx" is somebody else's command.
func (m *Manager) stripPrefix(content string) (string, bool) {
	if m.prefix == "" {
		return content, false
	}
	trimmed := strings.TrimSpace(content)
	if len(trimmed) < len(m.prefix) || !strings.EqualFold(trimmed[:len(m.prefix)], m.prefix) {
		return content, false
	}
	rest := trimmed[len(m.prefix):]
	if rest != "" && !unicode.IsSpace(rune(rest[0])) {
		return content, false
	}
	return strings.TrimSpace(rest), true
}

// ---------------------------------------------------------------------------
// Introspection
// ---------------------------------------------------------------------------

// Size returns the number of registered transports.
func (m *Manager) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.transports)
}

// Connected returns the names of currently connected transports, sorted.
func (m *Manager) Connected() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.transports))
	for tt, t := range m.transports {
		if t.IsConnected() {
			names = append(names, string(tt))
		}
	}
	sort.Strings(names)
	return names
}

// Health returns nil when at least one transport is connected.
func (m *Manager) Health() error {
	if len(m.Connected()) == 0 {
		return ErrNoTransports
	}
	return nil
}

// Status reports per-transport connection state and traffic counters.
func (m *Manager) Status() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]interface{}, len(m.channels))
	for tt, ch := range m.channels {
		entry := map[string]interface{}{
			"status":   ch.Status.String(),
			"sent":     ch.Metrics.MessagesSent,
			"received": ch.Metrics.MessagesReceived,
			"errors":   ch.Metrics.ErrorCount,
		}
		if ch.Error != "" {
			entry["last_error"] = ch.Error
		}
		status[string(tt)] = entry
	}
	return status
}

// withChannel mutates a channel aggregate under the write lock and flushes
// any domain events it recorded.
func (m *Manager) withChannel(tt domain.TransportType, fn func(*chat.Channel)) {
	m.mu.Lock()
	ch, ok := m.channels[tt]
	if !ok {
		m.mu.Unlock()
		return
	}
	fn(ch)
	pending := ch.PullEvents()
	m.mu.Unlock()

	if m.domainBus != nil {
		m.domainBus.PublishAll(pending)
	}
}

// emit publishes a system event for the observability stream.
func (m *Manager) emit(eventType string, data interface{}) {
	if m.msgBus == nil {
		return
	}
	m.msgBus.PublishSystem(bus.SystemEvent{
		Type:   eventType,
		Source: "channels",
		Data:   data,
	})
}
