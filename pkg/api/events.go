// Event bridge — fans the message bus out to the ops surfaces. System
// events become WebSocket broadcasts for live tails and rows in the audit
// journal; message traffic is tailed (truncated) but never journaled.
package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/zonewatch/zonewatch/pkg/bus"
	"github.com/zonewatch/zonewatch/pkg/events"
	"github.com/zonewatch/zonewatch/pkg/infrastructure/persistence"
	"github.com/zonewatch/zonewatch/pkg/logger"
)

// EventBridge connects the message bus to the WebSocket hub and the audit
// journal. The audit store may be nil; the tail still works.
type EventBridge struct {
	bus   *bus.MessageBus
	hub   *WSHub
	audit *persistence.AuditStore
}

// NewEventBridge creates the bridge. Run starts it.
func NewEventBridge(mb *bus.MessageBus, hub *WSHub, audit *persistence.AuditStore) *EventBridge {
	return &EventBridge{bus: mb, hub: hub, audit: audit}
}

// Run starts forwarding loops using fan-out taps on the message bus. The
// taps receive copies and drop on overflow, so neither the tail nor the
// journal can block the router or poller. Call in a goroutine; returns when
// ctx is cancelled.
func (eb *EventBridge) Run(ctx context.Context) {
	logger.InfoC("events", "Event bridge started")

	inboundTap := eb.bus.SubscribeInboundTap("event-bridge")
	outboundTap := eb.bus.SubscribeOutboundTap("event-bridge")
	systemTap := eb.bus.SubscribeSystem("event-bridge")

	go eb.forwardInbound(ctx, inboundTap)
	go eb.forwardOutbound(ctx, outboundTap)
	go eb.forwardSystem(ctx, systemTap)
}

func (eb *EventBridge) forwardInbound(ctx context.Context, tap <-chan interface{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-tap:
			if !ok {
				return
			}
			if msg, ok := raw.(bus.InboundMessage); ok {
				eb.hub.Broadcast(events.New(events.MessageInbound, "bus", map[string]interface{}{
					"channel":   msg.Channel,
					"sender_id": msg.SenderID,
					"chat_id":   msg.ChatID,
					"content":   truncate(msg.Content, 200),
					"addressed": msg.Addressed,
				}))
			}
		}
	}
}

func (eb *EventBridge) forwardOutbound(ctx context.Context, tap <-chan interface{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-tap:
			if !ok {
				return
			}
			if msg, ok := raw.(bus.OutboundMessage); ok {
				eb.hub.Broadcast(events.New(events.MessageOutbound, "bus", map[string]interface{}{
					"channel": msg.Channel,
					"chat_id": msg.ChatID,
					"content": truncate(msg.Content, 200),
					"media":   msg.Media != nil,
				}))
			}
		}
	}
}

func (eb *EventBridge) forwardSystem(ctx context.Context, tap <-chan interface{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-tap:
			if !ok {
				return
			}
			evt, ok := raw.(bus.SystemEvent)
			if !ok {
				continue
			}
			eb.hub.Broadcast(events.New(evt.Type, evt.Source, evt.Data))
			eb.journal(evt)
		}
	}
}

// journaled reports whether an event type belongs in the audit journal.
// Per-tick poll chatter and health pings stay out; per-event and per-command
// outcomes go in.
func journaled(eventType string) bool {
	switch eventType {
	case events.PollStarted, events.PollCompleted, events.PollSkipped,
		events.WatermarkAdvanced, events.SystemHealth:
		return false
	}
	return true
}

// journal writes one audit row. Runs on the tap goroutine; the tap drops on
// overflow so bus publishers never wait on SQLite.
func (eb *EventBridge) journal(evt bus.SystemEvent) {
	if eb.audit == nil || !journaled(evt.Type) {
		return
	}
	if err := eb.audit.Append(auditEntry(evt)); err != nil {
		logger.WarnCF("events", "Audit append failed", map[string]interface{}{
			"kind":  evt.Type,
			"error": err.Error(),
		})
	}
}

// auditEntry maps a system event onto journal columns. Actor and subject
// come from the typed payloads so the journal is queryable without parsing
// the detail JSON.
func auditEntry(evt bus.SystemEvent) persistence.AuditEntry {
	e := persistence.AuditEntry{
		TS:     time.Now().UTC(),
		Kind:   evt.Type,
		Source: evt.Source,
	}

	switch data := evt.Data.(type) {
	case events.CommandEventData:
		e.Actor = data.SenderID
		e.Subject = data.Verb
	case events.MonitorEventData:
		e.Actor = data.Actor
		e.Subject = data.MonitorID
	case events.RelayEventData:
		e.Subject = data.EventID
	case events.WatermarkEventData:
		e.Subject = data.LastEventID
	case events.TransportEventData:
		e.Subject = data.Transport
	case events.DigestEventData:
		e.Subject = data.Target
	}

	if evt.Data != nil {
		if raw, err := json.Marshal(evt.Data); err == nil {
			e.Detail = string(raw)
		}
	}
	return e
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "…"
}
