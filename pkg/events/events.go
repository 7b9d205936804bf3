// Package events defines the typed event contracts for the entire zonewatch
// system. Every event flowing through the WebSocket tail, message bus, or
// audit journal MUST use one of these types. No ad-hoc
// map[string]interface{} events.
package events

import "time"

// --- Event Envelope ---

// Event is the universal envelope for all system events.
type Event struct {
	// Type identifies the event (e.g., "command.executed", "relay.event.dispatched")
	Type string `json:"type"`

	// Source identifies who emitted the event
	Source string `json:"source"`

	// Timestamp is when the event was emitted
	Timestamp time.Time `json:"timestamp"`

	// Data is the typed payload
	Data interface{} `json:"data"`
}

// New creates a timestamped event.
func New(eventType, source string, data interface{}) Event {
	return Event{
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now(),
		Data:      data,
	}
}

// --- Event Type Constants ---

const (
	// Command pipeline events
	CommandReceived = "command.received"
	CommandExecuted = "command.executed"
	CommandDenied   = "command.denied"
	CommandRejected = "command.rejected"
	CommandFailed   = "command.failed"

	// Relay pipeline events
	RelayDispatched = "relay.event.dispatched"
	RelayDropped    = "relay.event.dropped"
	RelayDuplicate  = "relay.event.duplicate"
	RelayDegraded   = "relay.degraded"
	RelayRecovered  = "relay.recovered"
	RelayPaused     = "relay.paused"
	RelayResumed    = "relay.resumed"

	// Poll cycle events
	PollStarted   = "poll.started"
	PollCompleted = "poll.completed"
	PollFailed    = "poll.failed"
	PollSkipped   = "poll.skipped"

	// Watermark events
	WatermarkAdvanced = "watermark.advanced"
	WatermarkReplayed = "watermark.replayed"
	WatermarkCorrupt  = "watermark.corrupt"

	// Monitor state events
	MonitorArmed    = "monitor.armed"
	MonitorDisarmed = "monitor.disarmed"

	// Transport lifecycle events
	TransportConnected    = "transport.connected"
	TransportDisconnected = "transport.disconnected"
	TransportError        = "transport.error"

	// Message traffic events (WebSocket tail only, never journaled)
	MessageInbound  = "message.inbound"
	MessageOutbound = "message.outbound"

	// Digest events
	DigestPosted = "digest.posted"

	// System events
	SystemStarted  = "system.started"
	SystemStopping = "system.stopping"
	SystemHealth   = "system.health"
)

// --- Typed Payloads ---

// CommandEventData is the payload for command pipeline events.
type CommandEventData struct {
	CommandID string `json:"command_id"`
	Verb      string `json:"verb"`
	Args      string `json:"args,omitempty"`
	Transport string `json:"transport"`
	ChatID    string `json:"chat_id"`
	SenderID  string `json:"sender_id"`
	Required  string `json:"required_scope,omitempty"`
	Granted   string `json:"granted_scope,omitempty"`
	Error     string `json:"error,omitempty"`
	Duration  int64  `json:"duration_ms,omitempty"`
}

// RelayEventData is the payload for relay pipeline events.
type RelayEventData struct {
	EventID     string    `json:"event_id,omitempty"`
	MonitorID   string    `json:"monitor_id,omitempty"`
	MonitorName string    `json:"monitor_name,omitempty"`
	Kind        string    `json:"kind,omitempty"`
	OccurredAt  time.Time `json:"occurred_at,omitempty"`
	Target      string    `json:"target,omitempty"`
	Failures    int       `json:"consecutive_failures,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// PollEventData is the payload for poll cycle events.
type PollEventData struct {
	Fetched  int    `json:"fetched"`
	Fresh    int    `json:"fresh"`
	Pages    int    `json:"pages,omitempty"`
	Duration int64  `json:"duration_ms,omitempty"`
	Error    string `json:"error,omitempty"`
}

// WatermarkEventData is the payload for watermark events.
type WatermarkEventData struct {
	LastEventID   string    `json:"last_event_id"`
	LastEventTime time.Time `json:"last_event_time"`
	Reason        string    `json:"reason,omitempty"`
}

// MonitorEventData is the payload for monitor state events.
type MonitorEventData struct {
	MonitorID   string `json:"monitor_id"`
	MonitorName string `json:"monitor_name,omitempty"`
	Actor       string `json:"actor,omitempty"`
	Transport   string `json:"transport,omitempty"`
}

// TransportEventData is the payload for transport lifecycle events.
type TransportEventData struct {
	Transport string `json:"transport"`
	Error     string `json:"error,omitempty"`
}

// DigestEventData is the payload for digest events.
type DigestEventData struct {
	Target     string    `json:"target"`
	EventCount int       `json:"event_count"`
	WindowFrom time.Time `json:"window_from"`
	WindowTo   time.Time `json:"window_to"`
}

// SystemEventData is the payload for system health events.
type SystemEventData struct {
	Uptime           int64  `json:"uptime_seconds,omitempty"`
	ActiveTransports int    `json:"active_transports,omitempty"`
	RelayState       string `json:"relay_state,omitempty"`
	Message          string `json:"message,omitempty"`
}
