// Package daemon wires the store, tier router, channels, message pipeline,
// scheduler and admin HTTP server into one process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/warband/internal/config"
	"github.com/harun/warband/internal/logger"
	"github.com/harun/warband/internal/observability"
	"github.com/harun/warband/internal/telegram"
	"github.com/harun/warband/internal/tracing"
	"github.com/harun/warband/internal/whatsapp"
	"github.com/harun/warband/pkg/agent"
	"github.com/harun/warband/pkg/channels"
	"github.com/harun/warband/pkg/commandqueue"
	"github.com/harun/warband/pkg/linking"
	"github.com/harun/warband/pkg/pipeline"
	"github.com/harun/warband/pkg/scheduler"
	"github.com/harun/warband/pkg/store"
)

// Version is stamped at build time with -ldflags "-X".
var Version = "dev"

// ConsoleChannel is the always-registered in-process channel. Replies sent
// to it are logged.
const ConsoleChannel = "console"

const shutdownTimeout = 15 * time.Second

// Deps overrides collaborators that New would otherwise build from config.
type Deps struct {
	Store    store.Store
	Platform agent.LLMProvider
	Channels []channels.Channel
	Now      func() time.Time
}

// Daemon represents the Warband daemon service
type Daemon struct {
	config *config.Config
	logger zerolog.Logger

	store     store.Store
	router    *agent.Router
	registry  *channels.Registry
	console   *channels.DirectChannel
	queue     *commandqueue.CommandQueue
	linking   *linking.Service
	pipeline  *pipeline.Pipeline
	scheduler *scheduler.Service
	admin     *AdminServer
	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc

	startTime      time.Time
	running        bool
	mu             sync.RWMutex
	tracingEnabled bool
	auditEnabled   bool
}

// Status is a point-in-time view of the daemon.
type Status struct {
	Running   bool
	Uptime    time.Duration
	StartTime time.Time
	Channels  []string
	Scheduler bool
}

// New creates a daemon from configuration.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	return NewWithDeps(cfg, log.GetZerolog(), Deps{})
}

// NewWithDeps creates a daemon, using deps where set.
func NewWithDeps(cfg *config.Config, log zerolog.Logger, deps Deps) (*Daemon, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		config: cfg,
		logger: log.With().Str("component", "daemon").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, warning := range config.NewValidator().ValidateConfig(cfg) {
		d.logger.Warn().Err(warning).Msg("Config warning")
	}

	if err := d.initialize(log, deps); err != nil {
		cancel()
		d.closeResources()
		return nil, err
	}
	d.lifecycle = NewLifecycleManager(d)
	return d, nil
}

func (d *Daemon) initialize(log zerolog.Logger, deps Deps) error {
	cfg := d.config
	observability.EnsureRegistered()

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(tracing.Options{
			ServiceName:    "warband",
			ServiceVersion: Version,
			SampleRatio:    cfg.Tracing.SampleRatio,
		}); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to initialize tracing, continuing without it")
		} else {
			d.tracingEnabled = true
		}
	}

	if cfg.Logging.AuditFile != "" {
		if err := observability.InitAuditLogger(cfg.Logging.AuditFile); err != nil {
			d.logger.Warn().Err(err).Str("path", cfg.Logging.AuditFile).Msg("Failed to open audit log, using stderr")
		} else {
			d.auditEnabled = true
		}
	}

	// Store
	d.store = deps.Store
	if d.store == nil {
		st, err := store.Open(d.ctx, cfg.Store)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		d.store = st
	}
	if err := d.store.Migrate(d.ctx); err != nil {
		return fmt.Errorf("failed to migrate store: %w", err)
	}

	// Tier router
	fallback, err := cfg.Fallback.Chain()
	if err != nil {
		return err
	}
	factory := agent.ProviderFactory{Kind: cfg.AI.Provider, BaseURL: cfg.AI.BaseURL}
	platform := deps.Platform
	if platform == nil && cfg.AI.APIKey != "" {
		if platform, err = factory.NewProvider(cfg.AI.APIKey); err != nil {
			return fmt.Errorf("failed to create platform provider: %w", err)
		}
	}
	routerCfg := agent.RouterConfig{
		Tiers:       cfg.Tiers,
		Fallback:    fallback,
		Platform:    platform,
		MaxAttempts: cfg.AI.MaxAttempts,
		Logger:      log,
	}
	if cfg.AI.BYOK {
		routerCfg.Vault = d.store
		routerCfg.Factory = factory
	}
	if d.router, err = agent.NewRouter(routerCfg); err != nil {
		return fmt.Errorf("failed to create tier router: %w", err)
	}

	// Channels
	d.registry = channels.NewRegistry(nil, channels.RegistryOptions{
		SendsPerSecond: cfg.Pipeline.SendsPerSecond,
		Burst:          cfg.Pipeline.SendBurst,
	})
	d.console = channels.NewDirectChannel(ConsoleChannel, 4096)
	d.console.OnSend(func(msg channels.Delivery) {
		d.logger.Info().Str("identity", msg.Identity).Str("text", msg.Text).Msg("Console delivery")
	})
	if err := d.registry.Register(d.console); err != nil {
		return err
	}
	if cfg.Telegram.Enabled {
		bot, err := telegram.New(&cfg.Telegram, log)
		if err != nil {
			return fmt.Errorf("failed to create telegram bot: %w", err)
		}
		if err := d.registry.Register(bot); err != nil {
			return err
		}
	}
	if cfg.WhatsApp.Enabled {
		wa, err := whatsapp.New(&cfg.WhatsApp, log)
		if err != nil {
			return fmt.Errorf("failed to create whatsapp channel: %w", err)
		}
		if err := d.registry.Register(wa); err != nil {
			return err
		}
	}
	for _, ch := range deps.Channels {
		if err := d.registry.Register(ch); err != nil {
			return err
		}
	}

	// Linking, pipeline, scheduler
	d.linking = linking.NewService(d.store, linking.Options{
		TTL:    cfg.Linking.CodeTTL,
		Now:    deps.Now,
		Logger: log,
	})
	d.pipeline, err = pipeline.New(pipeline.Config{
		Store:          d.store,
		Dispatcher:     d.router,
		Outbox:         d.registry,
		Linker:         d.linking,
		Hints:          cfg.Pipeline.Hints,
		HistoryLimit:   cfg.Pipeline.HistoryLimit,
		TypingInterval: cfg.Pipeline.TypingInterval,
		Now:            deps.Now,
		Logger:         log,
	})
	if err != nil {
		return fmt.Errorf("failed to create message pipeline: %w", err)
	}
	d.queue = commandqueue.New(commandqueue.Options{
		DedupTTL: cfg.Pipeline.DedupTTL,
		Logger:   log,
	})
	d.registry.SetDispatch(d.dispatch)

	d.scheduler, err = scheduler.New(scheduler.Options{
		Store:      d.store,
		Dispatcher: d.router,
		Sender:     d.registry,
		Config:     cfg.Scheduler,
		Now:        deps.Now,
		Logger:     log,
	})
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	if cfg.Admin.Enabled {
		d.admin = NewAdminServer(AdminOptions{
			Listen:    cfg.Admin.Listen,
			Secret:    cfg.Admin.SharedSecret,
			Scheduler: d.scheduler,
			Linker:    d.linking,
			Health:    d.store,
			Logger:    log,
		})
	}
	return nil
}

// dispatch hands msg to the pipeline on the sender's lane, so one
// identity's messages are handled in arrival order. Redelivered transport
// messages are dropped.
func (d *Daemon) dispatch(ctx context.Context, msg channels.InboundMessage) error {
	var requestID string
	if msg.MessageID != "" {
		requestID = msg.Channel + ":" + msg.Identity + ":" + msg.MessageID
	}
	err := d.queue.DoOnce(ctx, commandqueue.LaneKey(msg.Channel, msg.Identity), requestID, func(ctx context.Context) error {
		return d.pipeline.Handle(ctx, msg)
	})
	if errors.Is(err, commandqueue.ErrDuplicate) {
		observability.RecordInbound(msg.Channel, "duplicate")
		return nil
	}
	return err
}

// Start starts the lifecycle manager, channels, scheduler and admin server.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	logger := d.logger.With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Str("version", Version).Msg("Starting Warband daemon")

	if err := d.start(logger); err != nil {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
		d.stopComponents(logger)
		return err
	}

	logger.Info().Msg("Daemon started")
	return nil
}

func (d *Daemon) start(logger zerolog.Logger) error {
	if err := d.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}
	if err := d.registry.StartAll(d.ctx); err != nil {
		return fmt.Errorf("failed to start channels: %w", err)
	}
	logger.Info().Strs("channels", d.registry.Names()).Msg("Channels started")

	if err := d.scheduler.Start(d.ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	logger.Info().Str("holder_id", d.scheduler.HolderID()).Msg("Scheduler started")

	if d.admin != nil {
		if err := d.admin.Start(); err != nil {
			return fmt.Errorf("failed to start admin server: %w", err)
		}
		logger.Info().Str("addr", d.admin.Addr()).Msg("Admin server started")
	}
	return nil
}

// Stop shuts everything down in reverse order and releases resources.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	logger := d.logger.With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Stopping Warband daemon")

	err := d.stopComponents(logger)
	d.cancel()
	d.closeResources()

	logger.Info().Msg("Daemon stopped")
	return err
}

func (d *Daemon) stopComponents(logger zerolog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if d.admin != nil {
		if err := d.admin.Shutdown(ctx); err != nil {
			logger.Error().Err(err).Msg("Failed to stop admin server")
			errs = append(errs, err)
		}
	}
	if err := d.scheduler.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to stop scheduler")
		errs = append(errs, err)
	}
	if err := d.registry.StopAll(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to stop channels")
		errs = append(errs, err)
	}
	if err := d.queue.Close(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to drain message queue")
		errs = append(errs, err)
	}
	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (d *Daemon) closeResources() {
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to close store")
		}
	}
	if d.auditEnabled {
		_ = observability.GetAuditLogger().Close()
		d.auditEnabled = false
	}
	if d.tracingEnabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracing.ShutdownOpenTelemetry(ctx)
		d.tracingEnabled = false
	}
}

// Run starts the daemon, blocks until ctx is done, then stops it.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return d.Stop()
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running:   d.running,
		StartTime: d.startTime,
		Channels:  d.registry.Names(),
		Scheduler: d.scheduler.Running(),
	}
	if d.running {
		status.Uptime = time.Since(d.startTime)
	}
	return status
}

// Config returns the daemon configuration.
func (d *Daemon) Config() *config.Config { return d.config }

// Store returns the persistent store.
func (d *Daemon) Store() store.Store { return d.store }

// Router returns the tier router.
func (d *Daemon) Router() *agent.Router { return d.router }

// Registry returns the channel registry.
func (d *Daemon) Registry() *channels.Registry { return d.registry }

// Console returns the in-process console channel.
func (d *Daemon) Console() *channels.DirectChannel { return d.console }

// Linking returns the connection code service.
func (d *Daemon) Linking() *linking.Service { return d.linking }

// Pipeline returns the inbound message pipeline.
func (d *Daemon) Pipeline() *pipeline.Pipeline { return d.pipeline }

// Scheduler returns the recurring task scheduler.
func (d *Daemon) Scheduler() *scheduler.Service { return d.scheduler }

// Admin returns the admin server, nil when disabled.
func (d *Daemon) Admin() *AdminServer { return d.admin }
