package channels

import (
	"bytes"
	"context"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/mymmrac/telego"

	"github.com/zonewatch/zonewatch/pkg/config"
	"github.com/zonewatch/zonewatch/pkg/domain"
	"github.com/zonewatch/zonewatch/pkg/domain/chat"
	"github.com/zonewatch/zonewatch/pkg/logger"
)

// TelegramTransport speaks the Bot API over long polling. Addressing is an
// @botname mention in a group or any private chat; chat IDs cross the bus as
// decimal strings.
type TelegramTransport struct {
	cfg       config.TelegramConfig
	bot       *telego.Bot
	username  string
	handler   func(msg chat.Message)
	connected atomic.Bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewTelegramTransport creates the transport. The bot session is established
// by Connect.
func NewTelegramTransport(cfg config.TelegramConfig) *TelegramTransport {
	return &TelegramTransport{cfg: cfg}
}

var _ chat.Transport = (*TelegramTransport)(nil)

// OnReceive registers the inbound callback. Must be set before Connect.
func (t *TelegramTransport) OnReceive(handler func(msg chat.Message)) {
	t.handler = handler
}

// IsConnected reports whether the polling loop is running.
func (t *TelegramTransport) IsConnected() bool {
	return t.connected.Load()
}

// Connect validates the token, resolves the bot's username for mention
// detection, and starts the long-polling loop.
func (t *TelegramTransport) Connect(ctx context.Context) error {
	bot, err := telego.NewBot(t.cfg.Token)
	if err != nil {
		return err
	}
	t.bot = bot

	me, err := bot.GetMe(ctx)
	if err != nil {
		return err
	}
	t.username = me.Username
	logger.InfoCF("channels", "Telegram identity resolved", map[string]interface{}{
		"bot_user": me.Username,
	})

	pollCtx, cancel := context.WithCancel(context.Background())
	updates, err := bot.UpdatesViaLongPolling(pollCtx, nil)
	if err != nil {
		cancel()
		return err
	}
	t.cancel = cancel

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for update := range updates {
			t.handleUpdate(update)
		}
		t.connected.Store(false)
	}()

	t.connected.Store(true)
	return nil
}

// Disconnect stops the polling loop.
func (t *TelegramTransport) Disconnect(ctx context.Context) error {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
	t.connected.Store(false)
	return nil
}

func (t *TelegramTransport) handleUpdate(update telego.Update) {
	if t.handler == nil || update.Message == nil {
		return
	}
	in := update.Message
	if in.From == nil || in.From.IsBot {
		return
	}

	text := in.Text
	if text == "" {
		text = in.Caption
	}

	content, mentioned := stripTelegramMention(text, t.username)
	addressed := mentioned || in.Chat.Type == telego.ChatTypePrivate

	msg := chat.NewInboundMessage(
		domain.TransportTelegram,
		strconv.FormatInt(in.From.ID, 10),
		strconv.FormatInt(in.Chat.ID, 10),
		content,
		addressed,
	)
	if in.From.Username != "" {
		msg.Metadata["username"] = in.From.Username
	}
	t.handler(msg)
}

// Send posts a message to a chat. Inline images go out as photos, other
// inline media as documents, URL-only media as a link.
func (t *TelegramTransport) Send(ctx context.Context, msg chat.Message) error {
	if !t.connected.Load() {
		return chat.ErrNotConnected
	}
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return chat.ErrBadChannelRef
	}
	target := telego.ChatID{ID: chatID}

	if msg.Media != nil && len(msg.Media.Data) > 0 {
		file := telego.InputFile{File: namedReader{
			Reader: bytes.NewReader(msg.Media.Data),
			name:   msg.Media.Filename,
		}}
		if strings.HasPrefix(msg.Media.MimeType, "image/") {
			_, err = t.bot.SendPhoto(ctx, &telego.SendPhotoParams{
				ChatID:  target,
				Photo:   file,
				Caption: msg.Content,
			})
			return err
		}
		_, err = t.bot.SendDocument(ctx, &telego.SendDocumentParams{
			ChatID:   target,
			Document: file,
			Caption:  msg.Content,
		})
		return err
	}

	text := msg.Content
	if msg.Media != nil && msg.Media.URL != "" {
		text = text + "\n" + msg.Media.URL
	}
	_, err = t.bot.SendMessage(ctx, &telego.SendMessageParams{
		ChatID: target,
		Text:   text,
	})
	return err
}

// namedReader adapts an in-memory attachment to the upload interface, which
// wants a filename with the stream.
type namedReader struct {
	io.Reader
	name string
}

func (n namedReader) Name() string { return n.name }

// stripTelegramMention removes @botname tokens, matching case-insensitively
// the way Telegram resolves usernames.
func stripTelegramMention(text, botUsername string) (string, bool) {
	if botUsername == "" {
		return strings.TrimSpace(text), false
	}
	marker := "@" + strings.ToLower(botUsername)
	lower := strings.ToLower(text)
	if !strings.Contains(lower, marker) {
		return strings.TrimSpace(text), false
	}

	var b strings.Builder
	for {
		idx := strings.Index(lower, marker)
		if idx < 0 {
			b.WriteString(text)
			break
		}
		b.WriteString(text[:idx])
		b.WriteString(" ")
		text = text[idx+len(marker):]
		lower = lower[idx+len(marker):]
	}
	return strings.TrimSpace(b.String()), true
}
