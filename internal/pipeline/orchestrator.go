package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dyike/PolishGo/consts"
	"github.com/dyike/PolishGo/internal/governor"
	"github.com/dyike/PolishGo/internal/history"
	"github.com/dyike/PolishGo/internal/llm"
	"github.com/dyike/PolishGo/internal/logging"
	"github.com/dyike/PolishGo/internal/storage"
	"github.com/dyike/PolishGo/models"
	"github.com/dyike/PolishGo/pkg/bridge"
)

// Store is the persistence the orchestrator drives a session through.
type Store interface {
	Checkpointer
	GetSession(ctx context.Context, sessionID string) (*models.SessionRecord, error)
	ListSegments(ctx context.Context, sessionID string) ([]*models.SegmentRecord, error)
	MarkProcessing(ctx context.Context, sessionID string) error
	EnterStage(ctx context.Context, sessionID string, stage models.Stage, position int, progress float64) error
	MarkFailed(ctx context.Context, sessionID, message string) error
	MarkCompleted(ctx context.Context, sessionID string) error
	CustomPrompt(ctx context.Context, owner, task string) (string, bool, error)
}

// ClientSource resolves a stage's model configuration to a completer.
type ClientSource interface {
	ClientFor(cfg models.ModelConfig) (llm.Completer, error)
}

// Settings are the tunables read at the start of every stage, so a config
// reload applies from the next stage on.
type Settings struct {
	StageTemperature       float64
	CompressionTemperature float64
	HistoryBudget          int
}

func DefaultSettings() Settings {
	return Settings{
		StageTemperature:       0.7,
		CompressionTemperature: history.DefaultTemperature,
		HistoryBudget:          4000,
	}
}

type Option func(*Orchestrator)

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logging.OrDiscard(logger)
	}
}

// WithNotifier replaces bridge.Notify as the event sink.
func WithNotifier(fn func(topic, payload string)) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.notify = fn
		}
	}
}

func WithSettings(fn func() Settings) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.settings = fn
		}
	}
}

func WithTemplates(t llm.Templates) Option {
	return func(o *Orchestrator) {
		if t != nil {
			o.templates = t
		}
	}
}

func WithHistories(r *history.Registry) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.histories = r
		}
	}
}

// Orchestrator moves sessions through queued -> processing -> completed or
// failed. It is the single writer for a session: Run refuses a session that
// is already running in this process.
type Orchestrator struct {
	store     Store
	clients   ClientSource
	governor  *governor.Governor
	histories *history.Registry
	templates llm.Templates
	runner    *StageRunner
	settings  func() Settings
	notify    func(topic, payload string)
	logger    *slog.Logger

	mu      sync.Mutex
	running map[string]*atomic.Bool
}

func NewOrchestrator(store Store, clients ClientSource, gov *governor.Governor, opts ...Option) (*Orchestrator, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if clients == nil {
		return nil, fmt.Errorf("client source is required")
	}
	o := &Orchestrator{
		store:     store,
		clients:   clients,
		governor:  gov,
		histories: history.NewRegistry(),
		settings:  DefaultSettings,
		notify:    bridge.Notify,
		logger:    logging.Discard(),
		running:   make(map[string]*atomic.Bool),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.templates == nil {
		t, err := llm.DefaultTemplates()
		if err != nil {
			return nil, fmt.Errorf("load prompt templates: %w", err)
		}
		o.templates = t
	}
	o.runner = NewStageRunner(store, o.histories, o.logger)
	return o, nil
}

// Templates returns the built-in prompt templates in use.
func (o *Orchestrator) Templates() llm.Templates {
	return o.templates
}

// StagePrompts resolves each stage's system prompt, preferring the owner's
// custom prompt over the built-in one.
func (o *Orchestrator) StagePrompts(ctx context.Context, owner string, stages []models.Stage) (map[models.Stage]string, error) {
	prompts := make(map[models.Stage]string, len(stages))
	for _, stage := range stages {
		task, err := llm.TaskForStage(stage)
		if err != nil {
			return nil, err
		}
		custom, _, err := o.store.CustomPrompt(ctx, owner, string(task))
		if err != nil {
			return nil, err
		}
		prompts[stage] = o.templates.SystemPrompt(task, custom)
	}
	return prompts, nil
}

// Digest fingerprints the session's resolved configuration as it would run now.
func (o *Orchestrator) Digest(ctx context.Context, rec *models.SessionRecord) (string, error) {
	prompts, err := o.StagePrompts(ctx, rec.Owner, rec.Stages)
	if err != nil {
		return "", err
	}
	return ConfigDigest(rec.Stages, rec.StageConfigs, prompts), nil
}

func (o *Orchestrator) claim(sessionID string) (*atomic.Bool, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.running[sessionID]; ok {
		return nil, false
	}
	flag := new(atomic.Bool)
	o.running[sessionID] = flag
	return flag, true
}

func (o *Orchestrator) unclaim(sessionID string) {
	o.mu.Lock()
	delete(o.running, sessionID)
	o.mu.Unlock()
	o.histories.Drop(sessionID)
}

// Running reports whether the session is being processed in this process.
func (o *Orchestrator) Running(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.running[sessionID]
	return ok
}

// Cancel asks a running session to stop before its next segment. It reports
// whether the session was running.
func (o *Orchestrator) Cancel(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	flag, ok := o.running[sessionID]
	if ok {
		flag.Store(true)
	}
	return ok
}

// Run processes a queued session from its checkpoint to a terminal state.
// If ctx ends mid-run the session is left processing so startup recovery
// can pick it up again.
func (o *Orchestrator) Run(ctx context.Context, sessionID string) error {
	cancelled, ok := o.claim(sessionID)
	if !ok {
		return ErrAlreadyRunning
	}
	defer o.unclaim(sessionID)

	rec, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if rec.Status != models.StatusQueued {
		return fmt.Errorf("%w: session is %s", ErrInvalidState, rec.Status)
	}
	if err := o.store.MarkProcessing(ctx, sessionID); err != nil {
		if errors.Is(err, storage.ErrStateConflict) {
			return fmt.Errorf("%w: session left queued state", ErrInvalidState)
		}
		return err
	}
	rec.Status = models.StatusProcessing
	rec.ErrorMessage = nil

	log := o.logger.With("session_id", sessionID)
	log.Info("session started", "stage", rec.CurrentStage, "position", rec.CurrentPosition,
		"total", rec.TotalSegments)
	o.publish(consts.EventSessionProgress, rec)

	runErr := o.runStages(ctx, rec, cancelled.Load)
	if runErr == nil {
		if err := o.store.MarkCompleted(context.WithoutCancel(ctx), sessionID); err != nil {
			return fmt.Errorf("mark completed: %w", err)
		}
		rec.Status = models.StatusCompleted
		rec.Progress = 1
		rec.CurrentPosition = rec.TotalSegments
		log.Info("session completed")
		o.publish(consts.EventSessionCompleted, rec)
		return nil
	}

	if ctx.Err() != nil && !errors.Is(runErr, ErrCancelled) {
		log.Warn("session interrupted", "position", rec.CurrentPosition, "error", runErr)
		return runErr
	}

	msg := o.failureMessage(rec, runErr)
	if err := o.store.MarkFailed(context.WithoutCancel(ctx), sessionID, msg); err != nil {
		log.Error("mark failed", "error", err)
		return errors.Join(runErr, err)
	}
	rec.Status = models.StatusFailed
	rec.ErrorMessage = &msg
	log.Warn("session failed", "stage", rec.CurrentStage, "position", rec.CurrentPosition,
		"kind", llm.Kind(runErr), "error", msg)
	o.publish(consts.EventSessionFailed, rec)
	return runErr
}

func (o *Orchestrator) runStages(ctx context.Context, rec *models.SessionRecord, cancelled func() bool) error {
	prompts, err := o.StagePrompts(ctx, rec.Owner, rec.Stages)
	if err != nil {
		return fmt.Errorf("resolve prompts: %w", err)
	}

	first := rec.StageIndex(rec.CurrentStage)
	if first < 0 {
		first = 0
	}
	for idx := first; idx < len(rec.Stages); idx++ {
		stage := rec.Stages[idx]
		position := 0
		if idx == first && stage == rec.CurrentStage {
			position = rec.CurrentPosition
		}
		progress := models.OverallProgress(idx, len(rec.Stages), position, rec.TotalSegments)
		if err := o.store.EnterStage(ctx, rec.ID, stage, position, progress); err != nil {
			return fmt.Errorf("enter %s stage: %w", stage, err)
		}
		rec.CurrentStage = stage
		rec.CurrentPosition = position
		rec.Progress = progress

		segments, err := o.store.ListSegments(ctx, rec.ID)
		if err != nil {
			return fmt.Errorf("load segments: %w", err)
		}
		completer, err := o.clients.ClientFor(rec.StageConfig(stage))
		if err != nil {
			return &StageError{Stage: stage, Position: position, Err: err}
		}
		completer = gate(completer, o.governor, rec.ID)
		settings := o.settings()

		pos, err := o.runner.Run(ctx, StageJob{
			Session:    rec,
			Stage:      stage,
			StageIndex: idx,
			Start:      position,
			Segments:   segments,
			Completer:  completer,
			Summarizer: history.ModelSummarizer{
				Completer:   completer,
				Templates:   o.templates,
				Temperature: settings.CompressionTemperature,
			},
			SystemPrompt: prompts[stage],
			Temperature:  settings.StageTemperature,
			Budget:       settings.HistoryBudget,
			Cancelled:    cancelled,
			OnSegment: func(p int, pr float64) {
				rec.CurrentPosition = p
				rec.Progress = pr
				o.publish(consts.EventSessionProgress, rec)
			},
		})
		rec.CurrentPosition = pos
		if err != nil {
			return err
		}
	}
	return nil
}

// failureMessage renders err for error_message with every API key the
// session uses redacted.
func (o *Orchestrator) failureMessage(rec *models.SessionRecord, err error) string {
	if errors.Is(err, ErrCancelled) {
		return ErrCancelled.Error()
	}
	msg := err.Error()
	for _, cfg := range rec.StageConfigs {
		if cfg.APIKey != "" {
			msg = strings.ReplaceAll(msg, cfg.APIKey, llm.RedactKey(cfg.APIKey))
		}
	}
	return msg
}

type sessionEvent struct {
	SessionID       string               `json:"session_id"`
	Status          models.SessionStatus `json:"status"`
	Stage           models.Stage         `json:"current_stage"`
	CurrentPosition int                  `json:"current_position"`
	TotalSegments   int                  `json:"total_segments"`
	Progress        float64              `json:"progress"`
	ErrorMessage    *string              `json:"error_message,omitempty"`
}

func (o *Orchestrator) publish(topic string, rec *models.SessionRecord) {
	payload, err := json.Marshal(sessionEvent{
		SessionID:       rec.ID,
		Status:          rec.Status,
		Stage:           rec.CurrentStage,
		CurrentPosition: rec.CurrentPosition,
		TotalSegments:   rec.TotalSegments,
		Progress:        rec.Progress,
		ErrorMessage:    rec.ErrorMessage,
	})
	if err != nil {
		return
	}
	o.notify(topic, string(payload))
}
