// Package notify delivers monitoring events and service notices to the
// configured chat targets. Sends are rate limited with wait semantics
// (notifications queue, they are not shed) and retried with bounded
// backoff; only when every target fails does delivery report an error,
// letting the relay drop that single event instead of stalling.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/zonewatch/zonewatch/pkg/bus"
	"github.com/zonewatch/zonewatch/pkg/domain/chat"
	"github.com/zonewatch/zonewatch/pkg/domain/event"
	"github.com/zonewatch/zonewatch/pkg/domain/monitor"
	"github.com/zonewatch/zonewatch/pkg/logger"
	"github.com/zonewatch/zonewatch/pkg/metrics"
	"github.com/zonewatch/zonewatch/pkg/retry"
)

// NotifyError is a notification delivery error.
type NotifyError string

func (e NotifyError) Error() string { return string(e) }

const (
	// ErrUndeliverable reports that every configured target rejected a
	// notification after retries.
	ErrUndeliverable = NotifyError("all notification targets failed")
	// ErrNoTargets reports a dispatcher configured without targets.
	ErrNoTargets = NotifyError("no notification targets configured")
)

// Sender delivers one outbound message to its transport. The channel
// manager implements it; tests use in-memory fakes.
type Sender interface {
	Deliver(ctx context.Context, msg bus.OutboundMessage) error
}

// ImageSource fetches an event's key frame. The monitoring client
// implements it; nil disables media attachment.
type ImageSource interface {
	EventImage(ctx context.Context, eventID string) ([]byte, string, error)
}

// Config carries the dispatcher knobs, already validated by pkg/config.
type Config struct {
	Targets     []chat.ChannelRef
	PerSecond   float64
	Burst       int
	Retry       retry.Policy
	AttachMedia bool
	TemplateDir string
}

// Dispatcher fans one notification out to all targets. Safe for concurrent
// use; the relay loop and the digest scheduler share one instance so the
// rate limit covers both.
type Dispatcher struct {
	targets []chat.ChannelRef
	limiter *rate.Limiter
	policy  retry.Policy
	attach  bool
	format  *Formatter
	sender  Sender
	images  ImageSource
}

// New builds a Dispatcher. Template overrides load once, at startup.
func New(cfg Config, sender Sender, images ImageSource) (*Dispatcher, error) {
	format, err := NewFormatter(cfg.TemplateDir)
	if err != nil {
		return nil, err
	}

	perSecond := cfg.PerSecond
	if perSecond <= 0 {
		perSecond = 1
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Dispatcher{
		targets: cfg.Targets,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
		policy:  cfg.Retry,
		attach:  cfg.AttachMedia,
		format:  format,
		sender:  sender,
		images:  images,
	}, nil
}

// Formatter exposes the message renderer for callers that build their own
// texts (the digest scheduler).
func (d *Dispatcher) Formatter() *Formatter { return d.format }

// Targets returns the configured default targets.
func (d *Dispatcher) Targets() []chat.ChannelRef { return d.targets }

// Deliver formats and sends one monitoring event to every target. It
// returns ErrUndeliverable only when no target accepted the message; a
// partial failure is logged and counted but does not fail the event,
// since the watermark is shared across targets.
func (d *Dispatcher) Deliver(ctx context.Context, ev event.Event) error {
	if len(d.targets) == 0 {
		return ErrNoTargets
	}

	text := d.format.Event(ev)
	media := d.eventMedia(ctx, ev)

	return d.fanOut(ctx, d.targets, text, media, ev.ID)
}

// Notice sends a service notice (degraded, recovered) to the default
// targets.
func (d *Dispatcher) Notice(ctx context.Context, text string) error {
	return d.NoticeTo(ctx, d.targets, text)
}

// NoticeTo sends a service notice to an explicit target list.
func (d *Dispatcher) NoticeTo(ctx context.Context, targets []chat.ChannelRef, text string) error {
	if len(targets) == 0 {
		return ErrNoTargets
	}
	return d.fanOut(ctx, targets, text, nil, "")
}

// NoticeDegraded posts the one-shot degraded-service notice.
func (d *Dispatcher) NoticeDegraded(ctx context.Context, failures int, lastErr error) error {
	return d.Notice(ctx, d.format.Degraded(failures, lastErr))
}

// NoticeRecovered posts the recovery notice after a degraded period.
func (d *Dispatcher) NoticeRecovered(ctx context.Context, outage time.Duration) error {
	return d.Notice(ctx, d.format.Recovered(outage))
}

func (d *Dispatcher) fanOut(ctx context.Context, targets []chat.ChannelRef, text string, media *bus.Media, eventID string) error {
	delivered := 0
	var lastErr error
	for _, target := range targets {
		if err := d.send(ctx, target, text, media); err != nil {
			lastErr = err
			logger.WarnCF("notify", "Notification target failed", map[string]interface{}{
				"target":   target.String(),
				"event_id": eventID,
				"error":    err.Error(),
			})
			continue
		}
		delivered++
	}

	if delivered == 0 {
		if lastErr != nil {
			return fmt.Errorf("%w: %v", ErrUndeliverable, lastErr)
		}
		return ErrUndeliverable
	}
	return nil
}

// send pushes one message through the rate limiter and the retry policy.
// The limiter gates every attempt, so retries cannot burst past it.
func (d *Dispatcher) send(ctx context.Context, target chat.ChannelRef, text string, media *bus.Media) error {
	msg := bus.OutboundMessage{
		Channel: string(target.Transport),
		ChatID:  target.ChatID,
		Content: text,
		Media:   media,
	}

	start := time.Now()
	err := d.policy.Do(ctx, d.retryable, func(ctx context.Context) error {
		if err := d.limiter.Wait(ctx); err != nil {
			return err
		}
		return d.sender.Deliver(ctx, msg)
	})

	status := metrics.OutcomeOK
	if err != nil {
		status = metrics.OutcomeError
	}
	metrics.NotifySend(string(target.Transport), status, time.Since(start))
	return err
}

// retryable stops retrying on context cancellation and on messages no
// transport will ever accept; everything else (disconnected transports,
// network flaps, chat API 5xx) is worth another attempt within the policy.
func (d *Dispatcher) retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, chat.ErrUnknownTransport) || errors.Is(err, chat.ErrBadChannelRef) {
		return false
	}
	return true
}

// eventMedia fetches the key frame when attachment is enabled. Failures
// degrade to the link already embedded in the text.
func (d *Dispatcher) eventMedia(ctx context.Context, ev event.Event) *bus.Media {
	if !d.attach || d.images == nil || ev.ID == "" {
		return nil
	}
	data, name, err := d.images.EventImage(ctx, ev.ID)
	if err != nil {
		if !errors.Is(err, monitor.ErrNoMedia) {
			logger.DebugCF("notify", "Key frame fetch failed, sending link only", map[string]interface{}{
				"event_id": ev.ID,
				"error":    err.Error(),
			})
		}
		return nil
	}
	return &bus.Media{
		URL:      ev.MediaRef,
		Filename: name,
		MimeType: "image/jpeg",
		Data:     data,
	}
}
