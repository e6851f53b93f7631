package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/picobot-run/picobot/internal/agentloop"
	"github.com/picobot-run/picobot/internal/channelprofile"
	"github.com/picobot-run/picobot/internal/config"
	"github.com/picobot-run/picobot/internal/kernel"
	"github.com/picobot-run/picobot/internal/models"
	"github.com/picobot-run/picobot/internal/observability"
	"github.com/picobot-run/picobot/internal/queue"
	"github.com/picobot-run/picobot/internal/retention"
	"github.com/picobot-run/picobot/internal/scheduler"
	"github.com/picobot-run/picobot/internal/sessionstore"
	"github.com/picobot-run/picobot/internal/toolregistry"
	"github.com/picobot-run/picobot/internal/transport"
	"github.com/picobot-run/picobot/internal/transport/discord"
	"github.com/picobot-run/picobot/internal/transport/httpapi"
	"github.com/picobot-run/picobot/internal/transport/mattermost"
	"github.com/picobot-run/picobot/internal/transport/nostr"
	"github.com/picobot-run/picobot/internal/transport/slack"
	"github.com/picobot-run/picobot/internal/transport/telegram"
	"github.com/picobot-run/picobot/internal/transport/whatsapp"
)

// app bundles every long-lived dependency runServe wires together. It is
// the receiver for the adapters in wiring.go that need more than one
// package's worth of state (modelByName, the scheduler runner).
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	shutdownTracer func(context.Context) error

	db       *sql.DB
	sessions *sessionstore.Store
	schedStore *scheduler.Store

	profiles *channelprofile.Registry
	tools    *toolregistry.Registry
	kernel   *kernel.Kernel
	kernels  map[string]*kernel.Kernel

	backends map[string]models.Model

	transports *transport.Registry
	deliveries *queue.DeliveryQueue
	notifications *queue.NotificationQueue

	schedulerSvc  *scheduler.Service
	retentionSvc  *retention.Service
	httpServer    *http.Server
}

// kernelFor returns the kernel pre-built for channelType's resolved
// permission profile, falling back to the default-profile kernel for
// unknown or empty channel types. The per-identity scoping (user,
// session, channel) still happens via CloneWithContext on top of this.
func (a *app) kernelFor(channelType, channelID string) *kernel.Kernel {
	if k, ok := a.kernels[channelType]; ok {
		return k
	}
	return a.kernel
}

func (a *app) modelByName(name string) (models.Model, error) {
	if name == "" {
		name = a.cfg.Models.DefaultProvider
	}
	for _, candidate := range append([]string{name}, a.cfg.Models.FallbackChain...) {
		if b, ok := a.backends[candidate]; ok {
			return b, nil
		}
	}
	return nil, fmt.Errorf("no model backend configured for %q (default_provider=%q)", name, a.cfg.Models.DefaultProvider)
}

// runServe loads config, wires every package that makes up the running
// service, and runs until SIGINT/SIGTERM, then shuts down gracefully:
// load+validate config, build a managed server, run it under a
// signal-derived context, and give it a bounded window to shut down
// cleanly.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if debug {
		cfg.Observability.LogLevel = "debug"
	}

	logger := observability.New(observability.LogConfig{
		Level:  cfg.Observability.LogLevel,
		Format: cfg.Observability.LogFormat,
	})
	metrics := observability.NewMetrics()
	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		Enabled:        cfg.Observability.Tracing.Enabled,
		Endpoint:       cfg.Observability.Tracing.Endpoint,
		ServiceName:    cfg.Observability.Tracing.ServiceName,
		ServiceVersion: cfg.Observability.Tracing.ServiceVersion,
		Environment:    cfg.Observability.Tracing.Environment,
		SamplingRate:   cfg.Observability.Tracing.SamplingRate,
		Insecure:       cfg.Observability.Tracing.Insecure,
	})

	logger.Info("picobot starting", "config", configPath, "data_dir", cfg.DataDir)

	a, err := buildApp(ctx, cfg, logger, metrics, tracer, shutdownTracer)
	if err != nil {
		return err
	}

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.start(runCtx)
	}()

	select {
	case <-runCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return a.stop(shutdownCtx)
}

// runMigrate opens (and therefore migrates, per sessionstore.Open) the
// session database and exits; the same migration runs automatically on
// every `serve` startup, so this subcommand exists only as an explicit
// pre-flight check for operators.
func runMigrate(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, err := sessionstore.Open(ctx, cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open session database: %w", err)
	}
	defer db.Close()
	fmt.Println("migrations applied")
	return nil
}

func buildApp(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	metrics *observability.Metrics,
	tracer *observability.Tracer,
	shutdownTracer func(context.Context) error,
) (*app, error) {
	db, err := sessionstore.Open(ctx, cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open session database: %w", err)
	}
	sessions := sessionstore.NewStore(db)
	schedStore := scheduler.NewStore(db)

	profiles, err := config.BuildChannelProfileRegistry(cfg.Channels)
	if err != nil {
		return nil, fmt.Errorf("build channel profile registry: %w", err)
	}

	tools, err := buildToolRegistry(sessions, cfg.Models)
	if err != nil {
		return nil, err
	}

	backends, err := buildModelBackends(ctx, cfg.Models)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:            cfg,
		logger:         logger,
		metrics:        metrics,
		tracer:         tracer,
		shutdownTracer: shutdownTracer,
		db:             db,
		sessions:       sessions,
		schedStore:     schedStore,
		profiles:       profiles,
		tools:          tools,
		backends:       backends,
	}

	notifQ := queue.NewNotificationQueue(queue.DefaultNotificationConfig(), func(ctx context.Context, req queue.NotificationRequest) error {
		sender, ok := a.transports.Outbound(channelTypeOf(req.ChannelID))
		if !ok {
			return fmt.Errorf("no outbound sender for channel %q", req.ChannelID)
		}
		_, err := sender.Send(ctx, queue.OutboundMessage{ChannelID: req.ChannelID, UserID: req.UserID, Text: req.Text})
		return err
	})
	deliveryQ := queue.NewDeliveryQueue(queue.DefaultConfig(), func(ctx context.Context, msg queue.OutboundMessage) error {
		sender, ok := a.transports.Outbound(channelTypeOf(msg.ChannelID))
		if !ok {
			return fmt.Errorf("no outbound sender for channel %q", msg.ChannelID)
		}
		_, err := sender.Send(ctx, msg)
		return err
	})
	a.notifications = notifQ
	a.deliveries = deliveryQ

	notifSink := notificationSinkAdapter{queue: notifQ}

	toolCtxTemplate := models.ToolContext{
		WorkingDir:    cfg.DataDir,
		Scheduler:     schedulerAdapter{store: schedStore},
		Notifications: notifSink,
		ExecutionMode: models.ModeUser,
	}
	k := kernel.New(tools, profiles.Resolve("", ""), nil, kernel.DefaultConfig(), toolCtxTemplate)
	a.kernel = k

	a.kernels = make(map[string]*kernel.Kernel)
	for _, ct := range []string{"whatsapp", "slack", "discord", "telegram", "mattermost", "nostr", "websocket"} {
		a.kernels[ct] = kernel.New(tools, profiles.Resolve(ct, ""), nil, kernel.DefaultConfig(), toolCtxTemplate)
	}

	a.transports = buildTransportRegistry(cfg, logger)

	executor := scheduler.NewExecutor(schedStore, schedulerRunner{app: a}, notifierAdapter{sink: notifSink, log: func(err error) {
		logger.Error("notify delivery failed", "error", err)
	}}, logger)
	schedCfg := scheduler.Config{
		TickInterval:       cfg.Scheduler.TickInterval,
		ConcurrencyLimit:   cfg.Scheduler.ConcurrencyLimit,
		PerUserConcurrency: cfg.Scheduler.PerUserConcurrency,
		LeaseFor:           cfg.Scheduler.LeaseFor,
		MaxJobsPerUser:     cfg.Scheduler.MaxJobsPerUser,
		MaxJobsPerWindow:   cfg.Scheduler.MaxJobsPerWindow,
		QuotaWindow:        cfg.Scheduler.QuotaWindow,
		JobTimeout:         cfg.Scheduler.JobTimeout,
		MaxBackoff:         cfg.Scheduler.MaxBackoff,
	}
	a.schedulerSvc = scheduler.NewService(schedStore, executor, schedCfg, scheduler.WithLogger(logger))

	var summaryModel models.Model
	if b, err := a.modelByName(""); err == nil {
		summaryModel = b
	}
	retentionCfg := retention.Config{
		RetentionInterval:   cfg.Retention.RetentionInterval,
		MaxAge:              cfg.Retention.MaxAge,
		SummaryInterval:     cfg.Retention.SummaryInterval,
		TriggerMessageCount: cfg.Retention.TriggerMessageCount,
	}
	a.retentionSvc = retention.New(retentionCfg, sessions, summarizer{store: sessions, model: summaryModel}, retention.WithLogger(logger))

	var auth *httpapi.JWTAuthenticator
	if cfg.HTTP.JWTSecret != "" {
		auth = httpapi.NewJWTAuthenticator(cfg.HTTP.JWTSecret, cfg.HTTP.TokenTTL)
	}
	ws := httpapi.NewWSServer(sessionSource{app: a}, auth, logger)
	mux := http.NewServeMux()
	mux.Handle("/ws", ws)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if cfg.Observability.MetricsAddr == "" {
		mux.Handle("/metrics", promhttp.Handler())
	}
	a.httpServer = &http.Server{Addr: cfg.HTTP.ListenAddr, Handler: mux}

	return a, nil
}

func buildTransportRegistry(cfg *config.Config, logger *slog.Logger) *transport.Registry {
	reg := transport.NewRegistry()

	if cfg.Channels.Discord.Enabled {
		if a, err := discord.New(discord.Config{Token: cfg.Channels.Discord.BotToken}, logger); err != nil {
			logger.Error("discord adapter init failed", "error", err)
		} else {
			reg.RegisterInbound(a)
			reg.RegisterOutbound(a)
		}
	}
	if cfg.Channels.Slack.Enabled {
		if a, err := slack.New(slack.Config{BotToken: cfg.Channels.Slack.BotToken, AppToken: cfg.Channels.Slack.AppToken}, logger); err != nil {
			logger.Error("slack adapter init failed", "error", err)
		} else {
			reg.RegisterInbound(a)
			reg.RegisterOutbound(a)
		}
	}
	if cfg.Channels.Telegram.Enabled {
		if a, err := telegram.New(telegram.Config{Token: cfg.Channels.Telegram.BotToken}, logger); err != nil {
			logger.Error("telegram adapter init failed", "error", err)
		} else {
			reg.RegisterInbound(a)
			reg.RegisterOutbound(a)
		}
	}
	if cfg.Channels.WhatsApp.Enabled {
		if a, err := whatsapp.New(whatsapp.Config{SessionPath: cfg.Channels.WhatsApp.SessionPath}, logger); err != nil {
			logger.Error("whatsapp adapter init failed", "error", err)
		} else {
			reg.RegisterInbound(a)
			reg.RegisterOutbound(a)
		}
	}
	if cfg.Channels.Mattermost.Enabled {
		if a, err := mattermost.New(mattermost.Config{ServerURL: cfg.Channels.Mattermost.ServerURL, Token: cfg.Channels.Mattermost.Token}, logger); err != nil {
			logger.Error("mattermost adapter init failed", "error", err)
		} else {
			reg.RegisterInbound(a)
			reg.RegisterOutbound(a)
		}
	}
	if cfg.Channels.Nostr.Enabled {
		if a, err := nostr.New(nostr.Config{PrivateKey: cfg.Channels.Nostr.PrivateKey, Relays: cfg.Channels.Nostr.Relays}, logger); err != nil {
			logger.Error("nostr adapter init failed", "error", err)
		} else {
			reg.RegisterInbound(a)
			reg.RegisterOutbound(a)
		}
	}

	return reg
}

// start launches every background service and the HTTP/WebSocket
// listener, then blocks consuming inbound channel messages until ctx is
// cancelled.
func (a *app) start(ctx context.Context) error {
	if err := a.transports.StartAll(ctx); err != nil {
		return fmt.Errorf("start transports: %w", err)
	}

	a.schedulerSvc.Start(ctx)
	a.retentionSvc.Start(ctx)

	inbound, err := a.transports.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe to transports: %w", err)
	}
	go a.consumeInbound(ctx, inbound)

	a.logger.Info("picobot listening", "addr", a.cfg.HTTP.ListenAddr)
	if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// consumeInbound runs each deduplicated inbound message through one agent
// loop turn, mirroring the WebSocket transport's own handleChat but driven
// by the transport registry's fan-in channel instead of a single
// connection (spec §6: bot-API channels have no live connection of their
// own to drive a turn from).
func (a *app) consumeInbound(ctx context.Context, inbound <-chan transport.InboundMessage) {
	src := sessionSource{app: a}
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-inbound:
			if !ok {
				return
			}
			msg := msg
			go a.handleInbound(ctx, src, msg)
		}
	}
}

func (a *app) handleInbound(ctx context.Context, src sessionSource, msg transport.InboundMessage) {
	sess, err := src.Resolve(ctx, "", msg.ChannelID, msg.UserID)
	if err != nil {
		a.logger.Error("resolve session failed", "channel", msg.ChannelType, "error", err)
		return
	}
	model, err := a.modelByName("")
	if err != nil {
		a.logger.Error("resolve model failed", "error", err)
		return
	}
	k := src.Kernel(sess)

	text, err := agentloop.Run(ctx, k, model, a.tools, sess, msg.Text, agentloop.DefaultConfig(), agentloop.Callbacks{})
	if err != nil {
		a.logger.Error("agent loop failed", "session_id", sess.ID, "error", err)
		return
	}
	if err := src.Save(ctx, sess); err != nil {
		a.logger.Error("save session failed", "session_id", sess.ID, "error", err)
	}

	if sender, ok := a.transports.Outbound(msg.ChannelType); ok {
		if _, err := sender.Send(ctx, queue.OutboundMessage{ChannelID: msg.ChannelID, UserID: msg.UserID, Text: text}); err != nil {
			a.logger.Error("send reply failed", "channel", msg.ChannelType, "error", err)
		}
	}
}

// stop shuts down the HTTP server, background services, and transports, in
// roughly reverse order of startup, collecting (not short-circuiting on)
// the first error so every component gets a chance to close.
func (a *app) stop(ctx context.Context) error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	record(a.httpServer.Shutdown(ctx))
	record(a.schedulerSvc.Stop(ctx))
	a.retentionSvc.Wait()
	record(a.transports.StopAll(ctx))
	if a.shutdownTracer != nil {
		record(a.shutdownTracer(ctx))
	}
	record(a.db.Close())
	return firstErr
}
