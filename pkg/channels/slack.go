package channels

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/zonewatch/zonewatch/pkg/config"
	"github.com/zonewatch/zonewatch/pkg/domain"
	"github.com/zonewatch/zonewatch/pkg/domain/chat"
	"github.com/zonewatch/zonewatch/pkg/logger"
)

// SlackTransport connects through Socket Mode, so no public HTTP endpoint is
// needed. Inbound traffic arrives over the socket as Events API payloads;
// replies and notifications go out over the Web API.
type SlackTransport struct {
	cfg       config.SlackConfig
	api       *slack.Client
	client    *socketmode.Client
	botUserID string
	handler   func(msg chat.Message)
	connected atomic.Bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewSlackTransport creates the transport. The connection is established by
// Connect.
func NewSlackTransport(cfg config.SlackConfig) *SlackTransport {
	return &SlackTransport{cfg: cfg}
}

var _ chat.Transport = (*SlackTransport)(nil)

// OnReceive registers the inbound callback. Must be set before Connect.
func (t *SlackTransport) OnReceive(handler func(msg chat.Message)) {
	t.handler = handler
}

// IsConnected reports whether the socket is up.
func (t *SlackTransport) IsConnected() bool {
	return t.connected.Load()
}

// Connect validates the tokens, resolves the bot's own user ID for mention
// detection, and starts the Socket Mode loops. It returns once the identity
// check passes; the socket reconnects on its own after that.
func (t *SlackTransport) Connect(ctx context.Context) error {
	t.api = slack.New(t.cfg.BotToken, slack.OptionAppLevelToken(t.cfg.AppToken))

	auth, err := t.api.AuthTestContext(ctx)
	if err != nil {
		return err
	}
	t.botUserID = auth.UserID
	logger.InfoCF("channels", "Slack identity resolved", map[string]interface{}{
		"bot_user": auth.User,
		"user_id":  auth.UserID,
	})

	t.client = socketmode.New(t.api)

	runCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	t.wg.Add(2)
	go func() {
		defer t.wg.Done()
		if err := t.client.RunContext(runCtx); err != nil && runCtx.Err() == nil {
			logger.ErrorCF("channels", "Slack socket loop exited", map[string]interface{}{
				"error": err.Error(),
			})
		}
		t.connected.Store(false)
	}()
	go func() {
		defer t.wg.Done()
		t.eventLoop(runCtx)
	}()

	t.connected.Store(true)
	return nil
}

// Disconnect stops the socket loops.
func (t *SlackTransport) Disconnect(ctx context.Context) error {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
	t.connected.Store(false)
	return nil
}

// eventLoop drains Socket Mode events and translates Events API callbacks
// into inbound messages.
func (t *SlackTransport) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-t.client.Events:
			if !ok {
				return
			}
			switch evt.Type {
			case socketmode.EventTypeConnected:
				t.connected.Store(true)
				logger.DebugC("channels", "Slack socket connected")
			case socketmode.EventTypeConnectionError:
				t.connected.Store(false)
				logger.WarnC("channels", "Slack socket connection error, retrying")
			case socketmode.EventTypeEventsAPI:
				apiEvent, castOK := evt.Data.(slackevents.EventsAPIEvent)
				if !castOK {
					continue
				}
				if evt.Request != nil {
					t.client.Ack(*evt.Request)
				}
				t.handleEventsAPI(apiEvent)
			}
		}
	}
}

func (t *SlackTransport) handleEventsAPI(apiEvent slackevents.EventsAPIEvent) {
	if apiEvent.Type != slackevents.CallbackEvent || t.handler == nil {
		return
	}

	switch ev := apiEvent.InnerEvent.Data.(type) {
	case *slackevents.AppMentionEvent:
		// Channel mention. Always addressed.
		if ev.User == "" || ev.User == t.botUserID {
			return
		}
		content, _ := stripSlackMention(ev.Text, t.botUserID)
		msg := chat.NewInboundMessage(domain.TransportSlack, ev.User, ev.Channel, content, true)
		msg.Metadata["ts"] = ev.TimeStamp
		t.handler(msg)

	case *slackevents.MessageEvent:
		// Direct messages only. Channel mentions already arrive as
		// app_mention events; handling them here too would double-reply.
		if ev.ChannelType != "im" {
			return
		}
		if ev.User == "" || ev.User == t.botUserID || ev.BotID != "" || ev.SubType != "" {
			return
		}
		content, _ := stripSlackMention(ev.Text, t.botUserID)
		msg := chat.NewInboundMessage(domain.TransportSlack, ev.User, ev.Channel, content, true)
		msg.Metadata["ts"] = ev.TimeStamp
		t.handler(msg)
	}
}

// Send posts a message to a channel. Inline media is uploaded; URL-only
// media rides along as a link Slack will unfurl.
func (t *SlackTransport) Send(ctx context.Context, msg chat.Message) error {
	if !t.connected.Load() {
		return chat.ErrNotConnected
	}

	if msg.Media != nil && len(msg.Media.Data) > 0 {
		_, err := t.api.UploadFileV2Context(ctx, slack.UploadFileV2Parameters{
			Channel:        msg.ChatID,
			Filename:       msg.Media.Filename,
			Title:          msg.Media.Filename,
			FileSize:       len(msg.Media.Data),
			Reader:         bytes.NewReader(msg.Media.Data),
			InitialComment: msg.Content,
		})
		return err
	}

	text := msg.Content
	if msg.Media != nil && msg.Media.URL != "" {
		text = text + "\n" + msg.Media.URL
	}
	_, _, err := t.api.PostMessageContext(ctx, msg.ChatID, slack.MsgOptionText(text, false))
	return err
}

// stripSlackMention removes the bot's <@UXXXX> mention tokens from a message
// and reports whether any were present.
func stripSlackMention(text, botUserID string) (string, bool) {
	if botUserID == "" {
		return strings.TrimSpace(text), false
	}
	marker := "<@" + botUserID + ">"
	if !strings.Contains(text, marker) {
		return strings.TrimSpace(text), false
	}
	return strings.TrimSpace(strings.ReplaceAll(text, marker, " ")), true
}
