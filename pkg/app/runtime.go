package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dyike/PolishGo/config"
	"github.com/dyike/PolishGo/consts"
	"github.com/dyike/PolishGo/internal/pipeline"
)

type EngineBuilder func(config.Config) (*Engine, error)

type Option func(*Runtime)

func WithBuilder(builder EngineBuilder) Option {
	return func(r *Runtime) {
		if builder != nil {
			r.builder = builder
		}
	}
}

func WithNotifier(fn func(topic, payload string)) Option {
	return func(r *Runtime) {
		r.notify = fn
	}
}

// WithReloadHook runs after every successful engine swap.
func WithReloadHook(fn func(*Engine)) Option {
	return func(r *Runtime) {
		r.onReload = fn
	}
}

func WithRuntimeLogger(logger *slog.Logger) Option {
	return func(r *Runtime) {
		if logger != nil {
			r.logger = logger
		}
	}
}

type Runtime struct {
	cfgMgr *config.Manager
	engine atomic.Pointer[Engine]

	builder  EngineBuilder
	notify   func(string, string)
	onReload func(*Engine)
	logger   *slog.Logger
	cancel   context.CancelFunc
}

func NewRuntime(cfgMgr *config.Manager, opts ...Option) (*Runtime, error) {
	if cfgMgr == nil {
		return nil, fmt.Errorf("config manager is required")
	}

	rt := &Runtime{
		cfgMgr:  cfgMgr,
		builder: BuildEngine,
		logger:  slog.Default(),
	}

	for _, opt := range opts {
		opt(rt)
	}

	if err := rt.reload(cfgMgr.Get()); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	rt.cancel = cancel
	if err := cfgMgr.Watch(ctx, func(cfg config.Config) {
		if err := rt.reload(cfg); err != nil {
			rt.logger.Error("engine reload failed", "error", err)
		}
	}); err != nil {
		cancel()
		return nil, err
	}

	return rt, nil
}

// Config returns the config of the current engine.
func (r *Runtime) Config() config.Config {
	return r.Engine().Config
}

// Settings returns the pipeline tunables of the current engine.
func (r *Runtime) Settings() pipeline.Settings {
	return r.Engine().Settings
}

func (r *Runtime) Engine() *Engine {
	return r.engine.Load()
}

func (r *Runtime) Close() {
	if r.cancel != nil {
		r.cancel()
	}
}

// UpdateConfigJSON persists a partial config. The manager calls back into
// reload before returning, so the new engine is live on success.
func (r *Runtime) UpdateConfigJSON(jsonStr string) error {
	return r.cfgMgr.UpdateFromJSON(jsonStr)
}

func (r *Runtime) reload(cfg config.Config) error {
	engine, err := r.builder(cfg)
	if err != nil {
		r.notifyFailure(err)
		return err
	}
	r.engine.Store(engine)
	if r.onReload != nil {
		r.onReload(engine)
	}
	r.notifySuccess(engine)
	return nil
}

func (r *Runtime) notifySuccess(engine *Engine) {
	if r.notify == nil {
		return
	}
	payload, _ := json.Marshal(map[string]any{
		"version":  engine.Version,
		"built_at": engine.BuiltAt.UTC().Format(time.RFC3339),
	})
	r.notify(consts.EventEngineReloaded, string(payload))
}

func (r *Runtime) notifyFailure(err error) {
	if r.notify == nil {
		return
	}
	payload, _ := json.Marshal(map[string]string{
		"error": err.Error(),
	})
	r.notify(consts.EventEngineReloadFailed, string(payload))
}
