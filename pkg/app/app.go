package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dyike/PolishGo/config"
	"github.com/dyike/PolishGo/internal/governor"
	"github.com/dyike/PolishGo/internal/llm"
	"github.com/dyike/PolishGo/internal/logging"
	"github.com/dyike/PolishGo/internal/pipeline"
	"github.com/dyike/PolishGo/internal/service"
	"github.com/dyike/PolishGo/internal/storage"
	"github.com/dyike/PolishGo/pkg/bridge"
)

// App wires the store, governor, orchestrator, dispatcher and service
// around one config Runtime.
type App struct {
	Runtime      *Runtime
	Store        *storage.Store
	Governor     *governor.Governor
	Orchestrator *pipeline.Orchestrator
	Dispatcher   *pipeline.Dispatcher
	Service      *service.Service
	Logger       *slog.Logger
}

type appOptions struct {
	logger  *slog.Logger
	notify  func(topic, payload string)
	clients pipeline.ClientSource
	recover bool
	workers bool
}

type AppOption func(*appOptions)

func WithLogger(logger *slog.Logger) AppOption {
	return func(o *appOptions) {
		o.logger = logger
	}
}

// WithEventSink replaces bridge.Notify for session and engine events.
func WithEventSink(fn func(topic, payload string)) AppOption {
	return func(o *appOptions) {
		o.notify = fn
	}
}

// WithClientSource replaces the HTTP model clients, mainly for tests.
func WithClientSource(cs pipeline.ClientSource) AppOption {
	return func(o *appOptions) {
		o.clients = cs
	}
}

// WithoutProcessing opens the app for reads and writes only: no workers
// start and nothing is recovered, so created sessions stay queued.
func WithoutProcessing() AppOption {
	return func(o *appOptions) {
		o.workers = false
		o.recover = false
	}
}

// WithoutRecovery skips re-dispatching sessions left over by a previous run.
func WithoutRecovery() AppOption {
	return func(o *appOptions) {
		o.recover = false
	}
}

func New(ctx context.Context, mgr *config.Manager, opts ...AppOption) (*App, error) {
	if mgr == nil {
		return nil, fmt.Errorf("config manager is required")
	}
	options := appOptions{notify: bridge.Notify, recover: true, workers: true}
	for _, opt := range opts {
		opt(&options)
	}

	cfg := mgr.Get()
	logger := options.logger
	if logger == nil {
		logger = logging.New(cfg.LogLevel, cfg.LogFormat, nil)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	store, err := storage.OpenInDataDir(cfg.DataDir, cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	gov := governor.New(cfg.GovernorCapacity)
	rt, err := NewRuntime(mgr,
		WithRuntimeLogger(logger),
		WithNotifier(options.notify),
		WithReloadHook(func(e *Engine) {
			gov.SetCapacity(e.Config.GovernorCapacity)
		}),
	)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	clients := options.clients
	if clients == nil {
		clients = llm.NewClients(
			llm.WithTimeout(cfg.RequestTimeout()),
			llm.WithLogger(logger.WithGroup("llm")),
		)
	}

	orch, err := pipeline.NewOrchestrator(store, clients, gov,
		pipeline.WithLogger(logger),
		pipeline.WithSettings(rt.Settings),
		pipeline.WithNotifier(options.notify),
	)
	if err != nil {
		rt.Close()
		_ = store.Close()
		return nil, err
	}

	disp := pipeline.NewDispatcher(orch, cfg.DispatcherWorkers, cfg.DispatcherQueue, logger)
	if options.workers {
		disp.Start(ctx)
	}

	a := &App{
		Runtime:      rt,
		Store:        store,
		Governor:     gov,
		Orchestrator: orch,
		Dispatcher:   disp,
		Service:      service.New(store, orch, disp, gov, rt.Config, logger),
		Logger:       logger,
	}
	if options.recover {
		if _, err := a.Service.Recover(ctx); err != nil {
			logger.Warn("startup recovery failed", "error", err)
		}
	}
	return a, nil
}

// Close drains the dispatcher until ctx ends, then releases the runtime and
// the store. Sessions still running when ctx ends stay processing and are
// recovered on the next start.
func (a *App) Close(ctx context.Context) error {
	err := a.Dispatcher.Shutdown(ctx)
	a.Runtime.Close()
	return errors.Join(err, a.Store.Close())
}
