package channels

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/chzyer/readline"

	"github.com/zonewatch/zonewatch/pkg/domain"
	"github.com/zonewatch/zonewatch/pkg/domain/chat"
	"github.com/zonewatch/zonewatch/pkg/logger"
)

// ConsoleTransport is an interactive terminal channel for local operation
// and debugging. Every line typed is an addressed command; outbound messages
// print above the prompt.
type ConsoleTransport struct {
	prompt    string
	rl        *readline.Instance
	handler   func(msg chat.Message)
	connected atomic.Bool
	wg        sync.WaitGroup
	sendMu    sync.Mutex
}

// NewConsoleTransport creates the transport. The prompt defaults to
// "zonewatch> ".
func NewConsoleTransport(prompt string) *ConsoleTransport {
	if prompt == "" {
		prompt = "zonewatch> "
	}
	return &ConsoleTransport{prompt: prompt}
}

var _ chat.Transport = (*ConsoleTransport)(nil)

// OnReceive registers the inbound callback. Must be set before Connect.
func (t *ConsoleTransport) OnReceive(handler func(msg chat.Message)) {
	t.handler = handler
}

// IsConnected reports whether the read loop is running.
func (t *ConsoleTransport) IsConnected() bool {
	return t.connected.Load()
}

// Connect opens the terminal and starts the read loop.
func (t *ConsoleTransport) Connect(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          t.prompt,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return err
	}
	t.rl = rl
	t.connected.Store(true)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.readLoop(ctx)
	}()
	return nil
}

// Disconnect closes the terminal, which unblocks the read loop.
func (t *ConsoleTransport) Disconnect(ctx context.Context) error {
	t.connected.Store(false)
	if t.rl != nil {
		t.rl.Close()
	}
	t.wg.Wait()
	return nil
}

func (t *ConsoleTransport) readLoop(ctx context.Context) {
	for {
		line, err := t.rl.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				logger.InfoC("channels", "Console interrupted, type 'quit' or Ctrl-D to exit")
			}
			continue
		}
		if err == io.EOF || ctx.Err() != nil {
			t.connected.Store(false)
			return
		}
		if err != nil {
			logger.WarnCF("channels", "Console read failed", map[string]interface{}{
				"error": err.Error(),
			})
			t.connected.Store(false)
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if t.handler != nil {
			t.handler(chat.NewInboundMessage(domain.TransportConsole, "console", "console", line, true))
		}
	}
}

// Send prints a message above the prompt. Inline media cannot render in a
// terminal, so attachments are summarized by name.
func (t *ConsoleTransport) Send(ctx context.Context, msg chat.Message) error {
	if !t.connected.Load() || t.rl == nil {
		return chat.ErrNotConnected
	}

	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	out := msg.Content
	if msg.Media != nil {
		switch {
		case msg.Media.URL != "":
			out = out + "\n" + msg.Media.URL
		case msg.Media.Filename != "":
			out = fmt.Sprintf("%s\n[attachment: %s, %d bytes]", out, msg.Media.Filename, len(msg.Media.Data))
		}
	}
	_, err := fmt.Fprintln(t.rl.Stdout(), out)
	return err
}
