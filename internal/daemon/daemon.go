package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/andhika/lumen/internal/config"
	"github.com/andhika/lumen/internal/logger"
	"github.com/andhika/lumen/internal/observability"
	"github.com/andhika/lumen/internal/tracing"
	"github.com/andhika/lumen/pkg/agentrun"
	"github.com/andhika/lumen/pkg/coretools"
	"github.com/andhika/lumen/pkg/gateway"
	"github.com/andhika/lumen/pkg/modelclient"
	"github.com/andhika/lumen/pkg/toolinvoker"
)

const shutdownReason = "daemon shutting down"

// Daemon wires the agent runtime together: session registry, iteration
// engine, progress broadcaster, tool invoker, model client, gateway, and
// retention pruner.
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	// Core modules
	sessions *agentrun.Registry
	progress *agentrun.Broadcaster
	engine   *agentrun.Engine
	invoker  *toolinvoker.Invoker
	model    *modelclient.Client

	// Services
	gatewayServer *gateway.Server
	pruner        *agentrun.Pruner
	configWatcher *config.Watcher

	// Internal
	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Status describes the daemon's runtime state.
type Status struct {
	Running        bool
	Uptime         time.Duration
	StartTime      time.Time
	ActiveSessions int
}

// New creates a daemon instance. It validates configuration and builds
// every module, but does not listen or run anything until Start.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if log == nil {
		return nil, fmt.Errorf("logger is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	zlog := log.GetZerolog()

	observability.EnsureRegistered()
	if err := tracing.InitOpenTelemetry("lumen-daemon"); err != nil {
		zlog.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
	}

	d := &Daemon{
		config:         cfg,
		logger:         log,
		ctx:            ctx,
		cancel:         cancel,
		tracingEnabled: true,
	}

	if err := d.initializeCoreModules(); err != nil {
		cancel()
		d.shutdownTracing()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	if err := d.initializeServices(); err != nil {
		cancel()
		d.shutdownTracing()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

// initializeCoreModules builds the agent runtime in dependency order.
func (d *Daemon) initializeCoreModules() error {
	zlog := d.logger.GetZerolog()

	d.invoker = toolinvoker.New(time.Duration(d.config.Tools.TimeoutSeconds) * time.Second)
	workspaceRoot := filepath.Join(d.config.DataDir, "workspace")
	if err := coretools.Register(d.invoker, coretools.Options{
		WorkspaceRoot: workspaceRoot,
		Logger:        zlog,
	}); err != nil {
		return fmt.Errorf("failed to register core tools: %w", err)
	}
	zlog.Info().
		Int("tools", len(d.invoker.List())).
		Str("workspace", workspaceRoot).
		Msg("Tool invoker initialized")

	model, err := d.buildModelClient(zlog)
	if err != nil {
		return err
	}
	d.model = model

	d.sessions = agentrun.NewRegistry(agentrun.Config{
		Enabled:       d.config.Agent.Enabled,
		SystemPrompt:  d.config.Agent.SystemPrompt,
		MaxIterations: d.config.Agent.MaxIterations,
		Timeout:       time.Duration(d.config.Agent.TimeoutMinutes) * time.Minute,
		HistoryCap:    d.config.Agent.HistoryCap,
	}, zlog)

	d.progress = agentrun.NewBroadcaster(d.sessions, zlog)
	d.progress.SetAutoShowSuppressed(d.config.Agent.AutoShowSuppressed)

	engine, err := agentrun.NewEngine(d.sessions, d.model, &toolBridge{invoker: d.invoker}, zlog)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	d.engine = engine
	zlog.Info().Bool("enabled", d.config.Agent.Enabled).Msg("Agent runtime initialized")

	pruner, err := agentrun.NewPruner(
		d.sessions,
		time.Duration(d.config.Agent.RetentionHours)*time.Hour,
		d.config.Agent.PruneSchedule,
		zlog,
	)
	if err != nil {
		return fmt.Errorf("failed to create session pruner: %w", err)
	}
	d.pruner = pruner

	return nil
}

// buildModelClient picks the best matching auth profile for the
// configured provider, preferring lower priority values.
func (d *Daemon) buildModelClient(zlog zerolog.Logger) (*modelclient.Client, error) {
	if len(d.config.AI.Profiles) == 0 {
		return nil, fmt.Errorf("no AI profiles configured")
	}

	profiles := make([]config.AIProfile, len(d.config.AI.Profiles))
	copy(profiles, d.config.AI.Profiles)
	sort.SliceStable(profiles, func(i, j int) bool {
		return profiles[i].Priority < profiles[j].Priority
	})

	selected := profiles[0]
	for _, p := range profiles {
		if p.Provider == d.config.Model.Provider {
			selected = p
			break
		}
	}

	factory := &modelclient.ProviderFactory{}
	provider, err := factory.NewProvider(modelclient.AuthProfile{
		ID:       selected.ID,
		Provider: selected.Provider,
		APIKey:   selected.APIKey,
		Priority: selected.Priority,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create model provider: %w", err)
	}

	client, err := modelclient.NewClient(provider, modelclient.Config{
		Model:       d.config.Model.Model,
		Temperature: d.config.Model.Temperature,
		MaxTokens:   d.config.Model.MaxTokens,
		MaxRetries:  d.config.Model.MaxRetries,
	}, zlog)
	if err != nil {
		return nil, fmt.Errorf("failed to create model client: %w", err)
	}

	zlog.Info().
		Str("provider", selected.Provider).
		Str("profile", selected.ID).
		Str("model", d.config.Model.Model).
		Msg("Model client initialized")

	return client, nil
}

// initializeServices builds the outward-facing surfaces.
func (d *Daemon) initializeServices() error {
	zlog := d.logger.GetZerolog()

	if d.config.Gateway.Enabled {
		server, err := gateway.NewServer(gateway.Config{
			Host:         d.config.Gateway.Host,
			Port:         d.config.Gateway.Port,
			SharedSecret: d.config.Gateway.SharedSecret,
			Sessions:     d.sessions,
			Progress:     d.progress,
			StartRun:     d.startAgentRun,
			Logger:       zlog,
		})
		if err != nil {
			return fmt.Errorf("failed to create gateway server: %w", err)
		}
		d.gatewayServer = server
	}

	watcher, err := config.NewWatcher(config.NewLoader(""), d.handleConfigReload)
	if err != nil {
		zlog.Warn().Err(err).Msg("Config watcher unavailable, live reload disabled")
	} else {
		d.configWatcher = watcher
	}

	return nil
}

// startAgentRun drives one session's agent loop. It runs under the
// daemon context so shutdown cancels in-flight runs.
func (d *Daemon) startAgentRun(_ context.Context, sessionID string) error {
	d.wg.Add(1)
	defer d.wg.Done()
	return d.engine.Run(d.ctx, sessionID)
}

// handleConfigReload applies the dynamic subset of a reloaded config.
// Structural settings (ports, providers, limits) require a restart.
func (d *Daemon) handleConfigReload(cfg *config.Config) {
	zlog := d.logger.GetZerolog()
	zlog.Info().Msg("Configuration reloaded")
	d.progress.SetAutoShowSuppressed(cfg.Agent.AutoShowSuppressed)

	d.mu.Lock()
	d.config.Agent.AutoShowSuppressed = cfg.Agent.AutoShowSuppressed
	d.mu.Unlock()
}

// Start starts the daemon service.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	log := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	log.Info().Msg("Starting Lumen daemon")

	if err := d.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if d.gatewayServer != nil {
		if err := d.gatewayServer.Start(); err != nil {
			return fmt.Errorf("failed to start gateway server: %w", err)
		}
		log.Info().Msg("Gateway server started")
	}

	d.pruner.Start()

	if d.configWatcher != nil {
		if err := d.configWatcher.Start(); err != nil {
			log.Warn().Err(err).Msg("Failed to start config watcher")
		} else {
			log.Info().Msg("Config watcher started")
		}
	}

	log.Info().Msg("Daemon started successfully")

	return nil
}

// Stop stops the daemon gracefully. Active sessions are cancelled and
// in-flight runs drain before modules shut down.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	log := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	log.Info().Msg("Stopping Lumen daemon")

	if d.configWatcher != nil {
		d.configWatcher.Stop()
	}

	d.sessions.Close(shutdownReason)
	d.cancel()
	d.wg.Wait()

	d.pruner.Stop()

	if d.gatewayServer != nil {
		if err := d.gatewayServer.Stop(); err != nil {
			log.Error().Err(err).Msg("Failed to stop gateway server")
		}
	}

	if err := d.lifecycle.Stop(); err != nil {
		log.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	d.shutdownTracing()

	log.Info().Msg("Daemon stopped successfully")

	return nil
}

func (d *Daemon) shutdownTracing() {
	if !d.tracingEnabled {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tracing.ShutdownOpenTelemetry(shutdownCtx); err != nil {
		zlog := d.logger.GetZerolog()
		zlog.Error().Err(err).Msg("Failed to shutdown tracing")
	}
	d.tracingEnabled = false
}

// Status returns the daemon status.
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running:        d.running,
		ActiveSessions: len(d.sessions.ListActive()),
	}

	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}

	return status
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon.
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	zlog := d.logger.GetZerolog()
	zlog.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		zlog.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// GetConfig returns the daemon configuration.
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetLogger returns the daemon logger.
func (d *Daemon) GetLogger() *logger.Logger {
	return d.logger
}

// GetSessionRegistry returns the session registry.
func (d *Daemon) GetSessionRegistry() *agentrun.Registry {
	return d.sessions
}

// GetProgressBroadcaster returns the progress broadcaster.
func (d *Daemon) GetProgressBroadcaster() *agentrun.Broadcaster {
	return d.progress
}

// GetToolInvoker returns the tool invoker.
func (d *Daemon) GetToolInvoker() *toolinvoker.Invoker {
	return d.invoker
}

// GetGatewayServer returns the gateway server, nil when disabled.
func (d *Daemon) GetGatewayServer() *gateway.Server {
	return d.gatewayServer
}
