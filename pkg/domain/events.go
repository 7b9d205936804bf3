package domain

import "time"

// ---------------------------------------------------------------------------
// Domain event system — decoupled communication between contexts
// ---------------------------------------------------------------------------

// EventType classifies domain events for routing and filtering.
type EventType string

// Bounded context prefixes ensure global uniqueness of event names.
const (
	// Command context events
	EventCommandReceived EventType = "command.received"
	EventCommandExecuted EventType = "command.executed"
	EventCommandDenied   EventType = "command.denied"
	EventCommandRejected EventType = "command.rejected"
	EventCommandFailed   EventType = "command.failed"

	// Relay context events
	EventRelayDispatched EventType = "relay.event.dispatched"
	EventRelayDropped    EventType = "relay.event.dropped"
	EventRelayDegraded   EventType = "relay.degraded"
	EventRelayRecovered  EventType = "relay.recovered"
	EventRelayPaused     EventType = "relay.paused"
	EventRelayResumed    EventType = "relay.resumed"

	// Watermark context events
	EventWatermarkAdvanced EventType = "watermark.advanced"
	EventWatermarkReplayed EventType = "watermark.replayed"
	EventWatermarkCorrupt  EventType = "watermark.corrupt"

	// Monitor context events
	EventMonitorArmed    EventType = "monitor.armed"
	EventMonitorDisarmed EventType = "monitor.disarmed"

	// Transport context events
	EventTransportConnected    EventType = "transport.connected"
	EventTransportDisconnected EventType = "transport.disconnected"
	EventTransportError        EventType = "transport.error"

	// Digest context events
	EventDigestPosted EventType = "digest.posted"

	// System-level events
	EventSystemStartup  EventType = "system.startup"
	EventSystemShutdown EventType = "system.shutdown"
)

// Event is the interface all domain events implement.
type Event interface {
	// EventType returns the classified event type.
	EventType() EventType
	// OccurredAt returns when the event happened.
	OccurredAt() time.Time
	// AggregateID returns the ID of the aggregate that produced this event.
	AggregateID() EntityID
	// Payload returns the event-specific data.
	Payload() interface{}
}

// BaseEvent provides a reusable implementation of the Event interface.
type BaseEvent struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	AggID     EntityID    `json:"aggregate_id"`
	EventData interface{} `json:"data,omitempty"`
}

func (e BaseEvent) EventType() EventType  { return e.Type }
func (e BaseEvent) OccurredAt() time.Time { return e.Timestamp }
func (e BaseEvent) AggregateID() EntityID { return e.AggID }
func (e BaseEvent) Payload() interface{}  { return e.EventData }

// NewEvent creates a new domain event.
func NewEvent(eventType EventType, aggregateID EntityID, data interface{}) BaseEvent {
	return BaseEvent{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		AggID:     aggregateID,
		EventData: data,
	}
}

// ---------------------------------------------------------------------------
// Event bus — observability backbone
// ---------------------------------------------------------------------------

// EventHandler processes a domain event. Handlers should be idempotent.
type EventHandler func(Event)

// EventBus dispatches domain events to registered handlers. Audit, metrics
// and the live dashboard tail all hang off this bus so core components never
// know about them.
type EventBus interface {
	// Publish dispatches an event to all registered handlers.
	Publish(event Event)
	// PublishAll dispatches multiple events (e.g., from AggregateRoot.PullEvents).
	PublishAll(events []Event)
	// Subscribe registers a handler for a specific event type.
	Subscribe(eventType EventType, handler EventHandler)
	// SubscribeAll registers a handler that receives every event.
	SubscribeAll(handler EventHandler)
	// Close shuts down the event bus.
	Close()
}
