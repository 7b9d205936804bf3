package channels

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zonewatch/zonewatch/pkg/bus"
	"github.com/zonewatch/zonewatch/pkg/domain"
	"github.com/zonewatch/zonewatch/pkg/domain/chat"
)

// fakeTransport is an in-memory chat.Transport for manager tests.
type fakeTransport struct {
	mu          sync.Mutex
	connectErr  error
	sendErr     error
	connected   bool
	sent        []chat.Message
	disconnects int
	handler     func(msg chat.Message)
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	f.connected = false
	f.disconnects++
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Send(ctx context.Context, msg chat.Message) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) OnReceive(handler func(msg chat.Message)) {
	f.handler = handler
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// receive simulates an inbound message arriving from the chat service.
func (f *fakeTransport) receive(msg chat.Message) {
	f.handler(msg)
}

func (f *fakeTransport) sentMessages() []chat.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]chat.Message, len(f.sent))
	copy(out, f.sent)
	return out
}

func newTestManager(t *testing.T, prefix string, allowFrom []string) (*Manager, *fakeTransport, *bus.MessageBus) {
	t.Helper()
	mb := bus.NewMessageBus()
	t.Cleanup(mb.Close)

	m := NewManager(prefix, mb, nil)
	ft := &fakeTransport{}
	m.Register(domain.TransportConsole, ft, allowFrom)
	return m, ft, mb
}

// startManager runs Start with a cancellable context and tears everything
// down in cleanup order: cancel first so the outbound loop drains, then Stop.
func startManager(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	if err := m.Start(ctx); err != nil {
		cancel()
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		m.Stop(context.Background())
	})
}

func awaitInbound(t *testing.T, mb *bus.MessageBus) bus.InboundMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, ok := mb.ConsumeInbound(ctx)
	if !ok {
		t.Fatalf("no inbound message arrived")
	}
	return msg
}

func expectNoInbound(t *testing.T, mb *bus.MessageBus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if msg, ok := mb.ConsumeInbound(ctx); ok {
		t.Fatalf("unexpected inbound message: %+v", msg)
	}
}

func awaitSent(t *testing.T, ft *fakeTransport, want int) []chat.Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sent := ft.sentMessages(); len(sent) >= want {
			return sent
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("transport saw %d sends, want %d", len(ft.sentMessages()), want)
	return nil
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func TestStartConnectsRegisteredTransports(t *testing.T) {
	m, ft, _ := newTestManager(t, "!zw", nil)
	startManager(t, m)

	if !ft.IsConnected() {
		t.Fatalf("transport not connected after Start")
	}
	got := m.Connected()
	if len(got) != 1 || got[0] != "console" {
		t.Fatalf("Connected() = %v, want [console]", got)
	}
	if err := m.Health(); err != nil {
		t.Fatalf("Health: %v", err)
	}
}

func TestStartFailsWhenNothingConnects(t *testing.T) {
	mb := bus.NewMessageBus()
	t.Cleanup(mb.Close)

	m := NewManager("!zw", mb, nil)
	m.Register(domain.TransportConsole, &fakeTransport{connectErr: errors.New("bad token")}, nil)

	if err := m.Start(context.Background()); !errors.Is(err, ErrNoTransports) {
		t.Fatalf("Start = %v, want ErrNoTransports", err)
	}
}

func TestStartToleratesPartialFailure(t *testing.T) {
	mb := bus.NewMessageBus()
	t.Cleanup(mb.Close)

	m := NewManager("!zw", mb, nil)
	broken := &fakeTransport{connectErr: errors.New("bad token")}
	healthy := &fakeTransport{}
	m.Register(domain.TransportSlack, broken, nil)
	m.Register(domain.TransportDiscord, healthy, nil)
	startManager(t, m)

	got := m.Connected()
	if len(got) != 1 || got[0] != "discord" {
		t.Fatalf("Connected() = %v, want [discord]", got)
	}
}

func TestStartTwiceFails(t *testing.T) {
	m, _, _ := newTestManager(t, "!zw", nil)
	startManager(t, m)

	if err := m.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Start = %v, want ErrAlreadyStarted", err)
	}
}

func TestStopDisconnects(t *testing.T) {
	m, ft, _ := newTestManager(t, "!zw", nil)
	ctx, cancel := context.WithCancel(context.Background())
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	cancel()
	m.Stop(context.Background())

	if ft.IsConnected() {
		t.Fatalf("transport still connected after Stop")
	}
	if err := m.Health(); err == nil {
		t.Fatalf("Health should fail once everything is disconnected")
	}
}

// ---------------------------------------------------------------------------
// Outbound path
// ---------------------------------------------------------------------------

func TestOutboundMessagesReachTransport(t *testing.T) {
	m, ft, mb := newTestManager(t, "!zw", nil)
	startManager(t, m)

	mb.PublishOutbound(bus.OutboundMessage{
		Channel: "console",
		ChatID:  "ops-room",
		Content: "Monitor FrontDoor armed.",
	})

	sent := awaitSent(t, ft, 1)
	if sent[0].Transport != domain.TransportConsole {
		t.Errorf("Transport = %q, want console", sent[0].Transport)
	}
	if sent[0].ChatID != "ops-room" {
		t.Errorf("ChatID = %q, want ops-room", sent[0].ChatID)
	}
	if sent[0].Content != "Monitor FrontDoor armed." {
		t.Errorf("Content = %q", sent[0].Content)
	}
	if sent[0].Direction != chat.DirectionOutbound {
		t.Errorf("Direction = %q, want outbound", sent[0].Direction)
	}
}

func TestDeliverCarriesMedia(t *testing.T) {
	m, ft, _ := newTestManager(t, "!zw", nil)
	startManager(t, m)

	err := m.Deliver(context.Background(), bus.OutboundMessage{
		Channel: "console",
		ChatID:  "ops-room",
		Content: "Motion on FrontDoor",
		Media: &bus.Media{
			URL:      "https://zm.example/index.php?eid=42",
			Filename: "event-42.jpg",
			MimeType: "image/jpeg",
			Data:     []byte{0xff, 0xd8},
		},
	})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	sent := ft.sentMessages()
	if len(sent) != 1 || sent[0].Media == nil {
		t.Fatalf("media not carried: %+v", sent)
	}
	if sent[0].Media.Filename != "event-42.jpg" || len(sent[0].Media.Data) != 2 {
		t.Errorf("media mangled: %+v", sent[0].Media)
	}
}

func TestDeliverUnknownTransport(t *testing.T) {
	m, _, _ := newTestManager(t, "!zw", nil)
	startManager(t, m)

	err := m.Deliver(context.Background(), bus.OutboundMessage{Channel: "carrier-pigeon", ChatID: "x"})
	if !errors.Is(err, chat.ErrUnknownTransport) {
		t.Fatalf("Deliver = %v, want ErrUnknownTransport", err)
	}
}

func TestDeliverDisconnectedTransport(t *testing.T) {
	m, _, _ := newTestManager(t, "!zw", nil)
	// Never started, so the transport never connected.
	err := m.Deliver(context.Background(), bus.OutboundMessage{Channel: "console", ChatID: "x"})
	if !errors.Is(err, chat.ErrNotConnected) {
		t.Fatalf("Deliver = %v, want ErrNotConnected", err)
	}
}

func TestDeliverSendFailureSurfaces(t *testing.T) {
	m, ft, _ := newTestManager(t, "!zw", nil)
	startManager(t, m)
	ft.sendErr = errors.New("rate limited")

	err := m.Deliver(context.Background(), bus.OutboundMessage{Channel: "console", ChatID: "x", Content: "hi"})
	if err == nil || err.Error() != "rate limited" {
		t.Fatalf("Deliver = %v, want rate limited", err)
	}

	status := m.Status()
	entry, ok := status["console"].(map[string]interface{})
	if !ok {
		t.Fatalf("missing console status entry: %v", status)
	}
	if entry["errors"].(int64) != 1 {
		t.Errorf("errors = %v, want 1", entry["errors"])
	}
}

// ---------------------------------------------------------------------------
// Inbound path
// ---------------------------------------------------------------------------

func TestInboundPublishedToBus(t *testing.T) {
	m, ft, mb := newTestManager(t, "!zw", nil)
	startManager(t, m)

	ft.receive(chat.NewInboundMessage(domain.TransportConsole, "alice", "room", "status", true))

	got := awaitInbound(t, mb)
	if got.Channel != "console" || got.SenderID != "alice" || got.ChatID != "room" {
		t.Fatalf("routing fields wrong: %+v", got)
	}
	if got.Content != "status" || !got.Addressed {
		t.Fatalf("content/addressing wrong: %+v", got)
	}
}

func TestInboundAllowListDropsStrangers(t *testing.T) {
	m, ft, mb := newTestManager(t, "!zw", []string{"alice", "bob"})
	startManager(t, m)

	ft.receive(chat.NewInboundMessage(domain.TransportConsole, "mallory", "room", "!zw disarm FrontDoor", false))
	expectNoInbound(t, mb)

	ft.receive(chat.NewInboundMessage(domain.TransportConsole, "alice", "room", "!zw status", false))
	got := awaitInbound(t, mb)
	if got.SenderID != "alice" {
		t.Fatalf("SenderID = %q, want alice", got.SenderID)
	}
}

func TestEmptyAllowListIsOpen(t *testing.T) {
	m, ft, mb := newTestManager(t, "!zw", nil)
	startManager(t, m)

	ft.receive(chat.NewInboundMessage(domain.TransportConsole, "anyone", "room", "hello", true))
	if got := awaitInbound(t, mb); got.SenderID != "anyone" {
		t.Fatalf("open ACL rejected sender: %+v", got)
	}
}

func TestCommandPrefixMarksAddressed(t *testing.T) {
	tests := []struct {
		name          string
		content       string
		addressed     bool
		wantContent   string
		wantAddressed bool
	}{
		{"prefix with command", "!zw status", false, "status", true},
		{"prefix case-insensitive", "!ZW arm FrontDoor", false, "arm FrontDoor", true},
		{"bare prefix", "!zw", false, "", true},
		{"prefix with padding", "  !zw   events 3  ", false, "events 3", true},
		{"longer word is not the prefix", "!zwx selfdestruct", false, "!zwx selfdestruct", false},
		{"plain chatter stays unaddressed", "lunch anyone?", false, "lunch anyone?", false},
		{"mention stays addressed without prefix", "status", true, "status", true},
		{"mention plus prefix strips prefix", "!zw status", true, "status", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, ft, mb := newTestManager(t, "!zw", nil)
			startManager(t, m)

			ft.receive(chat.NewInboundMessage(domain.TransportConsole, "alice", "room", tt.content, tt.addressed))

			got := awaitInbound(t, mb)
			if got.Content != tt.wantContent {
				t.Errorf("Content = %q, want %q", got.Content, tt.wantContent)
			}
			if got.Addressed != tt.wantAddressed {
				t.Errorf("Addressed = %v, want %v", got.Addressed, tt.wantAddressed)
			}
		})
	}
}

func TestNoPrefixConfiguredLeavesContentAlone(t *testing.T) {
	m, ft, mb := newTestManager(t, "", nil)
	startManager(t, m)

	ft.receive(chat.NewInboundMessage(domain.TransportConsole, "alice", "room", "!zw status", false))

	got := awaitInbound(t, mb)
	if got.Content != "!zw status" || got.Addressed {
		t.Fatalf("prefixless manager rewrote message: %+v", got)
	}
}

func TestStatusCountsTraffic(t *testing.T) {
	m, ft, mb := newTestManager(t, "!zw", nil)
	startManager(t, m)

	ft.receive(chat.NewInboundMessage(domain.TransportConsole, "alice", "room", "status", true))
	awaitInbound(t, mb)
	if err := m.Deliver(context.Background(), bus.OutboundMessage{Channel: "console", ChatID: "room", Content: "ok"}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	entry, ok := m.Status()["console"].(map[string]interface{})
	if !ok {
		t.Fatalf("missing console status entry")
	}
	if entry["received"].(int64) != 1 {
		t.Errorf("received = %v, want 1", entry["received"])
	}
	if entry["sent"].(int64) != 1 {
		t.Errorf("sent = %v, want 1", entry["sent"])
	}
	if entry["status"].(string) != "connected" {
		t.Errorf("status = %v, want connected", entry["status"])
	}
}
