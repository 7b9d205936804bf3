package bus

import (
	"context"
	"testing"
	"time"
)

func TestPublishConsumeInbound(t *testing.T) {
	mb := NewMessageBus()
	defer mb.Close()

	mb.PublishInbound(InboundMessage{Channel: "slack", SenderID: "U1", Content: "status", Addressed: true})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := mb.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("ConsumeInbound returned no message")
	}
	if msg.SenderID != "U1" || !msg.Addressed {
		t.Errorf("got %+v", msg)
	}
}

func TestOutboundDropOldestWhenFull(t *testing.T) {
	mb := NewMessageBus()
	defer mb.Close()

	for i := 0; i < 150; i++ {
		mb.PublishOutbound(OutboundMessage{Channel: "slack", ChatID: "C1", Content: "n"})
	}

	// The buffer holds 100; publishing 150 must not block or panic, and the
	// queue must still drain.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	count := 0
	for {
		drainCtx, drainCancel := context.WithTimeout(ctx, 50*time.Millisecond)
		_, ok := mb.SubscribeOutbound(drainCtx)
		drainCancel()
		if !ok {
			break
		}
		count++
	}
	if count == 0 || count > 100 {
		t.Errorf("drained %d messages, want 1..100", count)
	}
}

func TestInboundTapReceivesCopies(t *testing.T) {
	mb := NewMessageBus()
	defer mb.Close()

	tap := mb.SubscribeInboundTap("audit")
	mb.PublishInbound(InboundMessage{Channel: "telegram", Content: "events 5"})

	select {
	case raw := <-tap:
		msg, ok := raw.(InboundMessage)
		if !ok {
			t.Fatalf("tap delivered %T", raw)
		}
		if msg.Content != "events 5" {
			t.Errorf("tap content = %q", msg.Content)
		}
	case <-time.After(time.Second):
		t.Fatal("tap received nothing")
	}

	// Primary consumer still gets the message.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, ok := mb.ConsumeInbound(ctx); !ok {
		t.Fatal("primary consumer starved by tap")
	}
}

func TestSystemEventFanOut(t *testing.T) {
	mb := NewMessageBus()
	defer mb.Close()

	a := mb.SubscribeSystem("ws")
	b := mb.SubscribeSystem("journal")
	mb.PublishSystem(SystemEvent{Type: "relay.degraded", Source: "poller"})

	for name, ch := range map[string]<-chan interface{}{"ws": a, "journal": b} {
		select {
		case raw := <-ch:
			ev := raw.(SystemEvent)
			if ev.Type != "relay.degraded" {
				t.Errorf("%s got type %q", name, ev.Type)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s subscriber received nothing", name)
		}
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	mb := NewMessageBus()
	mb.SubscribeSystem("x")
	mb.Close()
	mb.Close() // must not panic

	// Publishing after close is a no-op.
	mb.PublishSystem(SystemEvent{Type: "system.stopping"})
}
