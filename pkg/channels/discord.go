package channels

import (
	"bytes"
	"context"
	"strings"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"

	"github.com/zonewatch/zonewatch/pkg/config"
	"github.com/zonewatch/zonewatch/pkg/domain"
	"github.com/zonewatch/zonewatch/pkg/domain/chat"
	"github.com/zonewatch/zonewatch/pkg/logger"
)

// DiscordTransport speaks the Discord gateway. Addressing is a bot mention
// in a guild channel or any direct message; the session reconnects on its
// own after transient gateway drops.
type DiscordTransport struct {
	cfg       config.DiscordConfig
	session   *discordgo.Session
	handler   func(msg chat.Message)
	connected atomic.Bool
}

// NewDiscordTransport creates the transport and prepares the session with
// the intents the bridge needs. The gateway is opened by Connect.
func NewDiscordTransport(cfg config.DiscordConfig) (*DiscordTransport, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, err
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent

	t := &DiscordTransport{cfg: cfg, session: session}

	session.AddHandler(func(_ *discordgo.Session, _ *discordgo.Connect) {
		t.connected.Store(true)
	})
	session.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		t.connected.Store(false)
		logger.WarnC("channels", "Discord gateway dropped, reconnecting")
	})
	session.AddHandler(t.onMessageCreate)

	return t, nil
}

var _ chat.Transport = (*DiscordTransport)(nil)

// OnReceive registers the inbound callback. Must be set before Connect.
func (t *DiscordTransport) OnReceive(handler func(msg chat.Message)) {
	t.handler = handler
}

// IsConnected reports whether the gateway session is up.
func (t *DiscordTransport) IsConnected() bool {
	return t.connected.Load()
}

// Connect opens the gateway session.
func (t *DiscordTransport) Connect(ctx context.Context) error {
	if err := t.session.Open(); err != nil {
		return err
	}
	t.connected.Store(true)
	if t.session.State != nil && t.session.State.User != nil {
		logger.InfoCF("channels", "Discord identity resolved", map[string]interface{}{
			"bot_user": t.session.State.User.Username,
			"user_id":  t.session.State.User.ID,
		})
	}
	return nil
}

// Disconnect closes the gateway session.
func (t *DiscordTransport) Disconnect(ctx context.Context) error {
	t.connected.Store(false)
	return t.session.Close()
}

func (t *DiscordTransport) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if t.handler == nil || m.Author == nil || m.Author.Bot {
		return
	}
	botID := ""
	if s.State != nil && s.State.User != nil {
		botID = s.State.User.ID
	}
	if m.Author.ID == botID {
		return
	}

	mentioned := false
	for _, u := range m.Mentions {
		if u.ID == botID {
			mentioned = true
			break
		}
	}
	// GuildID is empty for direct messages.
	addressed := mentioned || m.GuildID == ""

	content := stripDiscordMention(m.Content, botID)
	msg := chat.NewInboundMessage(domain.TransportDiscord, m.Author.ID, m.ChannelID, content, addressed)
	msg.Metadata["message_id"] = m.ID
	t.handler(msg)
}

// Send posts a message to a channel. Inline media is attached as a file;
// URL-only media rides along as a link Discord will embed.
func (t *DiscordTransport) Send(ctx context.Context, msg chat.Message) error {
	if !t.connected.Load() {
		return chat.ErrNotConnected
	}

	if msg.Media != nil && len(msg.Media.Data) > 0 {
		_, err := t.session.ChannelMessageSendComplex(msg.ChatID, &discordgo.MessageSend{
			Content: msg.Content,
			Files: []*discordgo.File{{
				Name:        msg.Media.Filename,
				ContentType: msg.Media.MimeType,
				Reader:      bytes.NewReader(msg.Media.Data),
			}},
		}, discordgo.WithContext(ctx))
		return err
	}

	text := msg.Content
	if msg.Media != nil && msg.Media.URL != "" {
		text = text + "\n" + msg.Media.URL
	}
	_, err := t.session.ChannelMessageSend(msg.ChatID, text, discordgo.WithContext(ctx))
	return err
}

// stripDiscordMention removes the bot's mention tokens. Discord renders both
// <@ID> and the legacy nickname form <@!ID>.
func stripDiscordMention(text, botID string) string {
	if botID == "" {
		return strings.TrimSpace(text)
	}
	text = strings.ReplaceAll(text, "<@"+botID+">", " ")
	text = strings.ReplaceAll(text, "<@!"+botID+">", " ")
	return strings.TrimSpace(text)
}
