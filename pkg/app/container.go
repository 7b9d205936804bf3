// Package app wires the bridge together: configuration in, running
// subsystems out. The container is the composition root; it owns
// construction order, the shared buses, and shutdown sequencing.
package app

import (
	"context"
	"sync"
	"time"

	"github.com/zonewatch/zonewatch/pkg/api"
	"github.com/zonewatch/zonewatch/pkg/bus"
	"github.com/zonewatch/zonewatch/pkg/channels"
	"github.com/zonewatch/zonewatch/pkg/config"
	"github.com/zonewatch/zonewatch/pkg/domain"
	"github.com/zonewatch/zonewatch/pkg/domain/chat"
	"github.com/zonewatch/zonewatch/pkg/domain/monitor"
	"github.com/zonewatch/zonewatch/pkg/events"
	"github.com/zonewatch/zonewatch/pkg/infrastructure/eventbus"
	"github.com/zonewatch/zonewatch/pkg/infrastructure/persistence"
	"github.com/zonewatch/zonewatch/pkg/logger"
	"github.com/zonewatch/zonewatch/pkg/monitoring/zoneminder"
	"github.com/zonewatch/zonewatch/pkg/notify"
	"github.com/zonewatch/zonewatch/pkg/poller"
	"github.com/zonewatch/zonewatch/pkg/retry"
	"github.com/zonewatch/zonewatch/pkg/router"
	"github.com/zonewatch/zonewatch/pkg/scheduler"
)

// ---------------------------------------------------------------------------
// Application container — composition root
// ---------------------------------------------------------------------------

// Options tweaks container assembly beyond what the config file carries.
type Options struct {
	// ConfigPath enables permission hot-reload when set. The container
	// watches the file and swaps the router's grant table on change.
	ConfigPath string
	// Console attaches an interactive terminal transport. Every console
	// line is treated as an addressed command.
	Console bool
}

// Container holds the assembled bridge. Create with New, then drive the
// lifecycle with Start and Stop.
type Container struct {
	Config *config.Config

	// Shared buses
	MsgBus    *bus.MessageBus
	DomainBus domain.EventBus

	// Subsystems. Relay and API are nil when disabled in config; the
	// audit store is nil when storage.audit_db is empty.
	Client     monitor.Client
	Audit      *persistence.AuditStore
	Channels   *channels.Manager
	Dispatcher *notify.Dispatcher
	Relay      *poller.Poller
	Digest     *scheduler.Scheduler
	Router     *router.Router
	API        *api.Server

	opts   Options
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New assembles the bridge from a validated configuration. Nothing
// connects or listens yet; that happens in Start.
func New(cfg *config.Config, opts Options) (*Container, error) {
	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	logger.SetJSON(cfg.Log.JSON)

	c := &Container{
		Config:    cfg,
		MsgBus:    bus.NewMessageBus(),
		DomainBus: eventbus.New(),
		opts:      opts,
	}

	// Domain events are observability-only; surface them in debug logs so
	// aggregate state changes are traceable without a dashboard attached.
	c.DomainBus.SubscribeAll(func(e domain.Event) {
		logger.DebugCF("app", "Domain event", map[string]interface{}{
			"type":      string(e.EventType()),
			"aggregate": string(e.AggregateID()),
		})
	})

	if cfg.Storage.AuditDB != "" {
		store, err := persistence.NewAuditStore(cfg.Storage.AuditDB)
		if err != nil {
			return nil, err
		}
		c.Audit = store
	}

	verifyTLS := true
	if cfg.Monitoring.VerifyTLS != nil {
		verifyTLS = *cfg.Monitoring.VerifyTLS
	}
	c.Client = zoneminder.New(zoneminder.Config{
		BaseURL:   cfg.Monitoring.BaseURL,
		Username:  cfg.Monitoring.Username,
		Password:  cfg.Monitoring.Password,
		Timeout:   cfg.Monitoring.Timeout,
		VerifyTLS: verifyTLS,
		PageLimit: cfg.Poller.PageLimit,
	})

	mgr, err := channels.FromConfig(cfg.Chat, c.MsgBus, c.DomainBus)
	if err != nil {
		c.closePartial()
		return nil, err
	}
	if opts.Console {
		mgr.Register(domain.TransportConsole, channels.NewConsoleTransport(""), nil)
	}
	if mgr.Size() == 0 {
		logger.WarnC("app", "No chat transport configured; commands and notifications are unavailable until one is enabled")
	}
	c.Channels = mgr

	targets := make([]chat.ChannelRef, 0, len(cfg.Notify.Targets))
	for _, raw := range cfg.Notify.Targets {
		ref, err := chat.ParseChannelRef(raw)
		if err != nil {
			c.closePartial()
			return nil, err
		}
		targets = append(targets, ref)
	}
	dispatcher, err := notify.New(notify.Config{
		Targets:     targets,
		PerSecond:   cfg.Notify.Rate.PerSecond,
		Burst:       cfg.Notify.Rate.Burst,
		Retry:       retryPolicy(cfg.Notify.Retry),
		AttachMedia: cfg.Notify.AttachMedia,
		TemplateDir: cfg.Notify.TemplateDir,
	}, mgr, c.Client)
	if err != nil {
		c.closePartial()
		return nil, err
	}
	c.Dispatcher = dispatcher

	if cfg.Poller.Enabled {
		wmStore := persistence.NewWatermarkStore(persistence.NewStateFile(cfg.Storage.StateFile))
		c.Relay = poller.New(poller.Config{
			Interval:  cfg.Poller.Interval,
			PageLimit: cfg.Poller.PageLimit,
			MaxPages:  cfg.Poller.MaxPages,
			Backoff: retry.Policy{
				Initial:    cfg.Poller.Backoff.Initial,
				Multiplier: cfg.Poller.Backoff.Multiplier,
				Ceiling:    cfg.Poller.Backoff.Ceiling,
			},
			DegradedAfter: cfg.Poller.Backoff.DegradedAfter,
			ReplayWindow:  cfg.Poller.ReplayWindow,
			DedupCapacity: cfg.Poller.Dedup.Capacity,
			DedupTTL:      cfg.Poller.Dedup.TTL,
		}, c.Client, wmStore, dispatcher, c.MsgBus)
	}

	// Interface parameters must stay untyped nil when a subsystem is off,
	// otherwise the schedulers' nil checks see a non-nil interface holding
	// a nil pointer.
	var relaySource scheduler.Relay
	if c.Relay != nil {
		relaySource = c.Relay
	}
	var counter scheduler.EventCounter
	if c.Audit != nil {
		counter = c.Audit
	}
	digest, err := scheduler.New(cfg.Digest, c.Client, counter, relaySource, dispatcher, c.MsgBus)
	if err != nil {
		c.closePartial()
		return nil, err
	}
	c.Digest = digest

	grants, err := cfg.Permissions.Table()
	if err != nil {
		c.closePartial()
		return nil, err
	}
	c.Router = router.New(c.MsgBus, grants, cfg.Monitoring.Timeout)

	var relayCtl router.RelayControl
	if c.Relay != nil {
		relayCtl = c.Relay
	}
	handlers := router.NewHandlers(c.Client, relayCtl, digest, c.MsgBus)
	if err := handlers.RegisterAll(c.Router); err != nil {
		c.closePartial()
		return nil, err
	}

	if cfg.Gateway.Enabled {
		c.API = api.NewServer(cfg, mgr, c.Client, c.Relay, digest, c.Audit, c.MsgBus)
	}

	return c, nil
}

// retryPolicy converts the config section into the shared retry type.
func retryPolicy(rc config.RetryConfig) retry.Policy {
	if rc.MaxAttempts == 0 && rc.Initial == 0 {
		return retry.DefaultPolicy()
	}
	return retry.Policy{
		MaxAttempts: rc.MaxAttempts,
		Initial:     rc.Initial,
		Multiplier:  rc.Multiplier,
		Ceiling:     rc.Ceiling,
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Start brings the bridge up: command router first so inbound traffic has
// a consumer, then the relay and digest loops, then the chat transports,
// and finally the ops gateway. Returns once everything is running.
func (c *Container) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.Router.Run(runCtx)
	}()

	if c.Relay != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if err := c.Relay.Run(runCtx); err != nil {
				logger.ErrorCF("app", "Relay stopped", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}()
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.Digest.Run(runCtx); err != nil {
			logger.ErrorCF("app", "Digest schedule stopped", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	if err := c.Channels.Start(runCtx); err != nil {
		cancel()
		c.wg.Wait()
		return err
	}

	if c.opts.ConfigPath != "" {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.watchPermissions(runCtx)
		}()
	}

	if c.API != nil {
		if err := c.API.Start(runCtx); err != nil {
			cancel()
			c.wg.Wait()
			return err
		}
	}

	c.MsgBus.PublishSystem(bus.SystemEvent{
		Type:   events.SystemStarted,
		Source: "app",
		Data: map[string]interface{}{
			"transports":    c.Channels.Connected(),
			"relay_enabled": c.Relay != nil,
		},
	})
	logger.InfoCF("app", "Bridge started", map[string]interface{}{
		"transports": c.Channels.Connected(),
	})
	return nil
}

// Stop tears the bridge down in reverse order. The run context is
// cancelled first so consumer loops drain before their producers close.
func (c *Container) Stop() {
	if c.MsgBus == nil {
		return
	}
	c.MsgBus.PublishSystem(bus.SystemEvent{
		Type:   events.SystemStopping,
		Source: "app",
		Data:   map[string]interface{}{},
	})

	if c.cancel != nil {
		c.cancel()
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c.Channels.Stop(stopCtx)

	if c.API != nil {
		if err := c.API.Stop(); err != nil {
			logger.WarnCF("app", "Gateway shutdown error", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	c.wg.Wait()
	c.closePartial()
	logger.InfoC("app", "Bridge stopped")
}

// closePartial releases resources that New may have opened before failing.
// Safe to call twice; also used as the final cleanup step in Stop.
func (c *Container) closePartial() {
	if c.MsgBus != nil {
		c.MsgBus.Close()
		c.MsgBus = nil
	}
	if c.DomainBus != nil {
		c.DomainBus.Close()
		c.DomainBus = nil
	}
	if c.Audit != nil {
		c.Audit.Close()
		c.Audit = nil
	}
}

// ---------------------------------------------------------------------------
// Permission hot-reload
// ---------------------------------------------------------------------------

// watchPermissions re-reads the config file on change and swaps the
// router's grant table. A broken edit keeps the previous grants; scopes
// never fail open.
func (c *Container) watchPermissions(ctx context.Context) {
	reload := config.Watch(ctx, c.opts.ConfigPath)
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-reload:
			if !ok {
				return
			}
			cfg, err := config.Load(c.opts.ConfigPath)
			if err != nil {
				logger.WarnCF("app", "Config reload rejected", map[string]interface{}{
					"path":  c.opts.ConfigPath,
					"error": err.Error(),
				})
				continue
			}
			grants, err := cfg.Permissions.Table()
			if err != nil {
				logger.WarnCF("app", "Permission reload rejected", map[string]interface{}{
					"error": err.Error(),
				})
				continue
			}
			c.Router.SetGrants(grants)
		}
	}
}
