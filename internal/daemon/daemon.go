package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/hiplan/internal/config"
	"github.com/harun/hiplan/internal/logger"
	"github.com/harun/hiplan/internal/observability"
	"github.com/harun/hiplan/internal/tracing"
	"github.com/harun/hiplan/pkg/agent"
	"github.com/harun/hiplan/pkg/capability"
	"github.com/harun/hiplan/pkg/commandqueue"
	"github.com/harun/hiplan/pkg/cron"
	"github.com/harun/hiplan/pkg/events"
	"github.com/harun/hiplan/pkg/gateway"
	"github.com/harun/hiplan/pkg/generation"
	"github.com/harun/hiplan/pkg/planner"
	"github.com/harun/hiplan/pkg/prompts"
	"github.com/harun/hiplan/pkg/stepexecutor"
	"github.com/harun/hiplan/pkg/tracestore"
)

// DefaultStopTimeout bounds Wait's shutdown after a signal.
const DefaultStopTimeout = 30 * time.Second

// Daemon owns every hiplan component built from one config.
type Daemon struct {
	config *config.Config
	logger *logger.Logger
	log    zerolog.Logger

	// Core modules
	queue      *commandqueue.CommandQueue
	store      tracestore.Store
	registry   *capability.Registry
	events     *events.Mux
	prompts    *prompts.Registry
	pool       *generation.Pool
	planner    *planner.Planner
	executor   *stepexecutor.Executor
	controller *agent.Controller

	// Services
	gatewayServer *gateway.Server
	cronService   *cron.Service
	watcher       *config.Watcher
	lifecycle     *LifecycleManager

	// Options
	extraProviders []capability.Provider
	generator      generation.Provider
	configPath     string
	pidFile        bool

	startTime      time.Time
	running        bool
	stopped        bool
	mu             sync.RWMutex
	tracingEnabled bool
}

// Option customises a Daemon.
type Option func(*Daemon)

// WithProviders adds providers served alongside the configured ones, such
// as in-process capabilities of an embedding program.
func WithProviders(providers ...capability.Provider) Option {
	return func(d *Daemon) {
		d.extraProviders = append(d.extraProviders, providers...)
	}
}

// WithGenerationProvider replaces the provider built from the generation
// config.
func WithGenerationProvider(provider generation.Provider) Option {
	return func(d *Daemon) {
		d.generator = provider
	}
}

// WithConfigPath names the config file to watch when
// capabilities.watch is set.
func WithConfigPath(path string) Option {
	return func(d *Daemon) {
		d.configPath = path
	}
}

// WithPIDFile makes Start write data_dir/hiplan.pid.
func WithPIDFile() Option {
	return func(d *Daemon) {
		d.pidFile = true
	}
}

var newGenerationProvider = generation.NewProvider

// New builds every component from cfg. Nothing is started and no provider
// is contacted until Start.
func New(cfg *config.Config, log *logger.Logger, opts ...Option) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}

	d := &Daemon{
		config: cfg,
		logger: log,
		log:    log.Component("daemon"),
	}
	for _, opt := range opts {
		opt(d)
	}

	observability.EnsureRegistered()
	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(cfg.Tracing.ServiceName, cfg.Tracing.SampleRatio); err != nil {
			d.log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracingEnabled = true
			d.log.Info().Msg("Tracing initialized")
		}
	}

	if err := d.initializeCoreModules(); err != nil {
		d.closeCore()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}
	if err := d.initializeServices(); err != nil {
		d.closeCore()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	return d, nil
}

// initializeCoreModules builds the session pipeline in dependency order.
func (d *Daemon) initializeCoreModules() error {
	cfg := d.config

	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
		auditPath := filepath.Join(cfg.DataDir, "audit.log")
		if err := observability.InitAuditLogger(auditPath); err != nil {
			d.log.Warn().Err(err).Msg("Failed to initialize audit logger")
		}
	}

	d.queue = commandqueue.New(d.logger.Zerolog())

	embedder, err := tracestore.NewEmbedder(
		cfg.Store.Embedding.Provider,
		cfg.Store.Embedding.Model,
		cfg.Store.Embedding.Dimension,
		cfg.Generation.APIKey,
		cfg.Generation.BaseURL,
	)
	if err != nil {
		return fmt.Errorf("failed to create embedder: %w", err)
	}
	store, err := tracestore.Open(context.Background(), tracestore.Config{
		Driver:       cfg.Store.Driver,
		Path:         cfg.Store.Path,
		DSN:          cfg.Store.DSN,
		Embedder:     embedder,
		EmbedTimeout: cfg.Store.Embedding.Timeout,
		Logger:       d.logger.Zerolog(),
	})
	if err != nil {
		return fmt.Errorf("failed to open trace store: %w", err)
	}
	d.store = store
	d.log.Info().Str("driver", cfg.Store.Driver).Msg("Trace store opened")

	providers, err := d.buildProviders(cfg.Capabilities)
	if err != nil {
		return err
	}
	d.registry = capability.NewRegistry(providers, cfg.Capabilities.Required, d.logger.Zerolog())

	d.prompts = prompts.DefaultRegistry()
	if cfg.Prompts.File != "" {
		n, err := d.prompts.LoadOverrides(cfg.Prompts.File)
		if err != nil {
			return fmt.Errorf("failed to load prompt overrides: %w", err)
		}
		d.log.Info().Str("file", cfg.Prompts.File).Int("count", n).Msg("Prompt overrides loaded")
	}

	provider := d.generator
	if provider == nil {
		provider, err = newGenerationProvider(generation.ProviderConfig{
			Provider:        cfg.Generation.Provider,
			APIKey:          cfg.Generation.APIKey,
			BaseURL:         cfg.Generation.BaseURL,
			Model:           cfg.Generation.Model,
			AzureEndpoint:   cfg.Generation.AzureEndpoint,
			AzureAPIVersion: cfg.Generation.AzureAPIVersion,
			Temperature:     cfg.Generation.Temperature,
			MaxTokens:       cfg.Generation.MaxTokens,
		})
		if err != nil {
			return fmt.Errorf("failed to create generation provider: %w", err)
		}
	}
	d.pool, err = generation.NewPool(provider, d.queue, generation.PoolConfig{
		MaxConcurrent:  cfg.Generation.MaxConcurrent,
		MaxAttempts:    cfg.Generation.MaxAttempts,
		InitialBackoff: cfg.Generation.InitialBackoff,
		MaxBackoff:     cfg.Generation.MaxBackoff,
		AttemptTimeout: cfg.Session.GenerationTimeout,
		Logger:         d.logger.Zerolog(),
	})
	if err != nil {
		return fmt.Errorf("failed to create generation pool: %w", err)
	}
	d.log.Info().Str("provider", provider.Name()).Str("model", cfg.Generation.Model).Msg("Generation pool initialized")

	// The planner reads zero as "use the default"; a configured zero means
	// no replanning at all.
	maxReplans := cfg.Session.MaxReplans
	if maxReplans == 0 {
		maxReplans = -1
	}
	d.planner, err = planner.New(planner.Config{
		Port:       d.pool,
		Prompts:    d.prompts,
		MaxReplans: maxReplans,
		Logger:     d.logger.Component("planner"),
	})
	if err != nil {
		return fmt.Errorf("failed to create planner: %w", err)
	}

	d.executor, err = stepexecutor.New(stepexecutor.Config{
		Store:             d.store,
		Port:              d.pool,
		Prompts:           d.prompts,
		CapabilityTimeout: cfg.Session.CapabilityTimeout,
		Stream:            cfg.Session.StreamGeneration,
		Logger:            d.logger.Component("stepexecutor"),
	})
	if err != nil {
		return fmt.Errorf("failed to create step executor: %w", err)
	}

	d.events = events.New(events.Config{
		Buffer: cfg.Session.EventBuffer,
		Logger: d.logger.Zerolog(),
	})

	d.controller, err = agent.New(agent.Config{
		Planner:      d.planner,
		Executor:     d.executor,
		Capabilities: d.registry,
		Store:        d.store,
		Events:       d.events,
		Port:         d.pool,
		Prompts:      d.prompts,
		DefaultBudget: agent.Budget{
			MaxIterations: cfg.Session.MaxIterations,
			MaxDuration:   cfg.Session.MaxDuration,
		},
		SummarizeSteps:   cfg.Session.SummarizeSteps,
		SynthesizeAnswer: cfg.Session.SynthesizeAnswer,
		Logger:           d.logger.Component("agent"),
	})
	if err != nil {
		return fmt.Errorf("failed to create session controller: %w", err)
	}
	d.log.Info().Msg("Session controller initialized")

	return nil
}

// initializeServices builds the gateway, cron service and lifecycle
// manager.
func (d *Daemon) initializeServices() error {
	cfg := d.config

	if cfg.Gateway.Enabled {
		server, err := gateway.NewServer(gateway.Config{
			Host:         cfg.Gateway.Host,
			Port:         cfg.Gateway.Port,
			SharedSecret: cfg.Gateway.SharedSecret,
			TickInterval: cfg.Gateway.TickInterval,
			RateLimit:    cfg.Gateway.RateLimit,
			RunTimeout:   cfg.Session.MaxDuration,
			Sessions:     d.controller,
			Capabilities: d.registry,
			Store:        d.store,
			Logger:       d.logger.Zerolog(),
		})
		if err != nil {
			return fmt.Errorf("failed to create gateway server: %w", err)
		}
		d.gatewayServer = server
	}

	var statePath string
	if cfg.DataDir != "" {
		statePath = filepath.Join(cfg.DataDir, "cron.json")
	}
	cronService, err := cron.NewService(cron.ServiceOptions{
		Logger:    d.logger.Zerolog(),
		StatePath: statePath,
	})
	if err != nil {
		return fmt.Errorf("failed to create cron service: %w", err)
	}
	d.cronService = cronService
	if err := d.registerMaintenanceJobs(); err != nil {
		return err
	}

	d.lifecycle = NewLifecycleManager(d)
	return nil
}

// Start discovers capabilities and starts the cron service, the gateway
// and the config watcher.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	if d.stopped {
		d.mu.Unlock()
		return fmt.Errorf("daemon was stopped")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	log := d.log.With().Str("trace_id", traceID).Logger()
	log.Info().Msg("Starting hiplan daemon")

	if d.pidFile {
		if err := d.lifecycle.Start(); err != nil {
			return fmt.Errorf("failed to start lifecycle manager: %w", err)
		}
	}

	ctx := tracing.WithTraceID(context.Background(), traceID)
	snap, err := d.registry.Discover(ctx)
	switch {
	case snap == nil:
		return fmt.Errorf("failed to discover capabilities: %w", err)
	case err != nil:
		log.Warn().Err(err).Msg("Some capability providers are unreachable")
	}
	log.Info().Int("capabilities", snap.Len()).Msg("Capabilities discovered")

	if err := d.cronService.Start(); err != nil {
		return fmt.Errorf("failed to start cron service: %w", err)
	}
	log.Info().Msg("Cron service started")

	if d.gatewayServer != nil {
		if err := d.gatewayServer.Start(); err != nil {
			return fmt.Errorf("failed to start gateway server: %w", err)
		}
		log.Info().Str("addr", d.gatewayServer.Addr()).Msg("Gateway server started")
	}

	if d.config.Capabilities.Watch && d.configPath != "" {
		watcher, err := config.NewWatcher(config.NewLoader(d.configPath), d.logger.Zerolog(), d.Reconfigure)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to start config watcher")
		} else {
			d.watcher = watcher
			log.Info().Str("path", d.configPath).Msg("Config watcher started")
		}
	}

	log.Info().Msg("Daemon started successfully")
	return nil
}

// Stop shuts everything down in the reverse order of Start and New.
// Running sessions are cancelled and given until ctx is done to finish.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	d.running = false
	d.mu.Unlock()

	log := d.log.With().Str("trace_id", tracing.NewTraceID()).Logger()
	log.Info().Msg("Stopping hiplan daemon")

	var errs []error
	record := func(what string, err error) {
		if err != nil {
			log.Error().Err(err).Msg("Failed to " + what)
			errs = append(errs, fmt.Errorf("failed to %s: %w", what, err))
		}
	}

	if d.watcher != nil {
		record("stop config watcher", d.watcher.Stop())
	}
	if d.gatewayServer != nil {
		record("stop gateway server", d.gatewayServer.Stop(ctx))
	}
	record("stop cron service", d.cronService.Stop(ctx))
	record("shut down session controller", d.controller.Shutdown(ctx))

	d.closeCore()

	if d.pidFile {
		record("stop lifecycle manager", d.lifecycle.Stop())
	}

	log.Info().Msg("Daemon stopped")
	return errors.Join(errs...)
}

// closeCore releases what New acquired. It tolerates a partially built
// daemon.
func (d *Daemon) closeCore() {
	if d.queue != nil {
		if err := d.queue.Close(); err != nil {
			d.log.Error().Err(err).Msg("Failed to close command queue")
		}
	}
	if d.registry != nil {
		if err := d.registry.Close(); err != nil {
			d.log.Error().Err(err).Msg("Failed to close capability providers")
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.log.Error().Err(err).Msg("Failed to close trace store")
		}
	}
	if d.tracingEnabled {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tracing.ShutdownOpenTelemetry(shutdownCtx); err != nil {
			d.log.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		cancel()
		d.tracingEnabled = false
	}
	if err := observability.GetAuditLogger().Close(); err != nil {
		d.log.Error().Err(err).Msg("Failed to close audit logger")
	}
}

// Reconfigure applies a reloaded config: the capability providers, the
// required set, the refresh schedule and the retention window. Other
// settings take effect on restart.
func (d *Daemon) Reconfigure(cfg *config.Config) {
	ctx := tracing.WithTraceID(context.Background(), tracing.NewTraceID())
	log := tracing.LoggerFromContext(ctx, d.log)

	d.mu.RLock()
	stopped := d.stopped
	d.mu.RUnlock()
	if stopped {
		return
	}

	providers, err := d.buildProviders(cfg.Capabilities)
	if err != nil {
		log.Error().Err(err).Msg("Failed to build capability providers from reloaded config")
		return
	}
	snap, err := d.registry.Reconfigure(ctx, providers, cfg.Capabilities.Required)
	switch {
	case snap == nil:
		log.Error().Err(err).Msg("Reloaded capability configuration rejected")
		return
	case err != nil:
		log.Warn().Err(err).Msg("Some capability providers are unreachable")
	}

	d.mu.Lock()
	previous := d.config
	d.config = cfg
	d.mu.Unlock()

	if cfg.Capabilities.RefreshSchedule != previous.Capabilities.RefreshSchedule {
		spec := cfg.Capabilities.RefreshSchedule
		enabled := spec != ""
		patch := cron.JobPatch{Enabled: &enabled}
		if enabled {
			patch.Spec = &spec
		}
		if _, err := d.cronService.UpdateJob(jobCapabilityRefresh, patch); err != nil {
			log.Error().Err(err).Msg("Failed to update capability refresh schedule")
		}
	}

	observability.RecordConfigAudit(ctx, "reload", "config_watcher", map[string]interface{}{
		"providers":        len(providers),
		"capabilities":     snap.Len(),
		"snapshot_version": snap.Version(),
	})
	log.Info().Int("capabilities", snap.Len()).Int64("version", snap.Version()).Msg("Configuration applied")
}

// Status is a point-in-time view of the daemon.
type Status struct {
	Running   bool
	Uptime    time.Duration
	StartTime time.Time
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running: d.running,
	}

	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}

	return status
}

// Wait blocks until SIGINT, SIGTERM or ctx ends, then stops the daemon.
func (d *Daemon) Wait(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	d.log.Info().Msg("Shutdown requested")

	stopCtx, cancel := context.WithTimeout(context.Background(), DefaultStopTimeout)
	defer cancel()
	return d.Stop(stopCtx)
}

// currentConfig returns the most recently applied config.
func (d *Daemon) currentConfig() *config.Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.config
}

// Controller returns the session controller.
func (d *Daemon) Controller() *agent.Controller {
	return d.controller
}

// Registry returns the capability registry.
func (d *Daemon) Registry() *capability.Registry {
	return d.registry
}

// Store returns the trace store.
func (d *Daemon) Store() tracestore.Store {
	return d.store
}

// Gateway returns the gateway server, or nil when it is disabled.
func (d *Daemon) Gateway() *gateway.Server {
	return d.gatewayServer
}

// Cron returns the maintenance scheduler.
func (d *Daemon) Cron() *cron.Service {
	return d.cronService
}
