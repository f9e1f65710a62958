package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dyike/PolishGo/config"
	"github.com/dyike/PolishGo/internal/governor"
	"github.com/dyike/PolishGo/internal/llm"
	"github.com/dyike/PolishGo/internal/logging"
	"github.com/dyike/PolishGo/internal/pipeline"
	"github.com/dyike/PolishGo/internal/segment"
	"github.com/dyike/PolishGo/internal/storage"
	"github.com/dyike/PolishGo/models"
)

const (
	DefaultOwner     = "default"
	defaultListLimit = 20
	maxListLimit     = 100
)

var (
	// ErrInvalidParams marks caller mistakes: bad mode, empty text, unknown
	// task and the like.
	ErrInvalidParams = errors.New("invalid params")
	ErrAckRequired   = errors.New("academic integrity acknowledgement is required to export")
)

// Dispatcher queues sessions for processing.
type Dispatcher interface {
	Submit(sessionID string) error
	Pending() int
}

// Service is the application surface shared by the CLI and the Dispatch
// router. It owns no goroutines of its own.
type Service struct {
	store      *storage.Store
	orch       *pipeline.Orchestrator
	dispatcher Dispatcher
	governor   *governor.Governor
	config     func() config.Config
	logger     *slog.Logger
}

func New(store *storage.Store, orch *pipeline.Orchestrator, dispatcher Dispatcher, gov *governor.Governor,
	cfg func() config.Config, logger *slog.Logger) *Service {
	return &Service{
		store:      store,
		orch:       orch,
		dispatcher: dispatcher,
		governor:   gov,
		config:     cfg,
		logger:     logging.OrDiscard(logger).With("component", "service"),
	}
}

func owner(o string) string {
	if o = strings.TrimSpace(o); o == "" {
		return DefaultOwner
	}
	return o
}

// resolveConfigs fills every stage's model config from the process defaults.
func resolveConfigs(cfg config.Config, stages []models.Stage, given map[models.Stage]models.ModelConfig) (map[models.Stage]models.ModelConfig, error) {
	out := make(map[models.Stage]models.ModelConfig, len(stages))
	for _, stage := range stages {
		mc := given[stage].WithDefaults(cfg.StageDefaults(stage))
		if strings.TrimSpace(mc.Model) == "" {
			return nil, fmt.Errorf("%w: no model configured for stage %s", ErrInvalidParams, stage)
		}
		if strings.TrimSpace(mc.BaseURL) == "" {
			return nil, fmt.Errorf("%w: no base url configured for stage %s", ErrInvalidParams, stage)
		}
		out[stage] = mc
	}
	return out, nil
}

// CreateSession segments the text, persists the session and queues it.
func (s *Service) CreateSession(ctx context.Context, p models.CreateSessionParams) (*models.SessionRecord, error) {
	cfg := s.config()
	stages, err := p.ProcessingMode.Stages()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	segments, err := segment.SplitDocument(p.OriginalText, cfg.SegmentMaxUnits)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	configs, err := resolveConfigs(cfg, stages, p.StageConfigs)
	if err != nil {
		return nil, err
	}

	rec := &models.SessionRecord{
		Owner:        owner(p.Owner),
		OriginalText: p.OriginalText,
		Mode:         p.ProcessingMode,
		Stages:       stages,
		CurrentStage: stages[0],
		Status:       models.StatusQueued,
		StageConfigs: configs,
	}
	if rec.ConfigDigest, err = s.orch.Digest(ctx, rec); err != nil {
		return nil, fmt.Errorf("config digest: %w", err)
	}
	if err := s.store.CreateSession(ctx, rec, segments); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	s.logger.Info("session created", "session_id", rec.ID, "owner", rec.Owner, "mode", rec.Mode,
		"segments", rec.TotalSegments)

	if err := s.submit(ctx, rec.ID); err != nil {
		return rec, err
	}
	return rec, nil
}

// submit hands a queued session to the dispatcher. When the queue is full
// the session is failed with a retryable message instead of sitting queued
// with no worker coming.
func (s *Service) submit(ctx context.Context, sessionID string) error {
	err := s.dispatcher.Submit(sessionID)
	if err == nil {
		return nil
	}
	if ferr := s.store.MarkFailed(ctx, sessionID, err.Error()); ferr != nil {
		s.logger.Error("mark undispatched session failed", "session_id", sessionID, "error", ferr)
	}
	return fmt.Errorf("dispatch session: %w", err)
}

// session loads a session and hides sessions owned by someone else.
func (s *Service) session(ctx context.Context, p models.SessionParams) (*models.SessionRecord, error) {
	if strings.TrimSpace(p.SessionID) == "" {
		return nil, fmt.Errorf("%w: session_id is required", ErrInvalidParams)
	}
	rec, err := s.store.GetSession(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Owner) != "" && rec.Owner != owner(p.Owner) {
		return nil, storage.ErrNotFound
	}
	return rec, nil
}

func (s *Service) Status(ctx context.Context, p models.SessionParams) (*models.SessionProgress, error) {
	if _, err := s.session(ctx, p); err != nil {
		return nil, err
	}
	return s.store.GetProgress(ctx, p.SessionID)
}

func (s *Service) Detail(ctx context.Context, p models.SessionParams) (*models.SessionDetail, error) {
	rec, err := s.session(ctx, p)
	if err != nil {
		return nil, err
	}
	segs, err := s.store.ListSegments(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	return &models.SessionDetail{Session: rec, Segments: segs}, nil
}

func (s *Service) ListSessions(ctx context.Context, p models.ListSessionsParams) ([]*models.SessionRecord, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return s.store.ListSessions(ctx, owner(p.Owner), limit, p.Offset)
}

// Changes returns the latest change record per (segment, stage).
func (s *Service) Changes(ctx context.Context, p models.SessionParams) ([]models.ChangeRecord, error) {
	if _, err := s.session(ctx, p); err != nil {
		return nil, err
	}
	return s.store.LatestChanges(ctx, p.SessionID)
}

// ChangeLog returns every change record of the session in write order,
// including attempts later superseded by a retry.
func (s *Service) ChangeLog(ctx context.Context, p models.SessionParams) ([]models.ChangeRecord, error) {
	if _, err := s.session(ctx, p); err != nil {
		return nil, err
	}
	return s.store.ListChanges(ctx, p.SessionID)
}

// Retry requeues a failed session from its checkpoint. It is refused when
// the stage configuration or prompts have changed since creation.
func (s *Service) Retry(ctx context.Context, p models.SessionParams) error {
	rec, err := s.session(ctx, p)
	if err != nil {
		return err
	}
	if rec.Status != models.StatusFailed {
		return fmt.Errorf("%w: only failed sessions can be retried, session is %s", pipeline.ErrInvalidState, rec.Status)
	}
	digest, err := s.orch.Digest(ctx, rec)
	if err != nil {
		return fmt.Errorf("config digest: %w", err)
	}
	if rec.ConfigDigest != "" && digest != rec.ConfigDigest {
		return pipeline.ErrConfigChanged
	}
	if err := s.store.ResetForRetry(ctx, rec.ID); err != nil {
		if errors.Is(err, storage.ErrStateConflict) {
			return fmt.Errorf("%w: session changed state", pipeline.ErrInvalidState)
		}
		return err
	}
	s.logger.Info("session retry", "session_id", rec.ID, "stage", rec.CurrentStage, "position", rec.CurrentPosition)
	return s.submit(ctx, rec.ID)
}

// Cancel stops a running session before its next segment, or fails a
// session still waiting in the queue.
func (s *Service) Cancel(ctx context.Context, p models.SessionParams) error {
	rec, err := s.session(ctx, p)
	if err != nil {
		return err
	}
	if s.orch.Cancel(rec.ID) {
		return nil
	}
	switch rec.Status {
	case models.StatusQueued, models.StatusProcessing:
		err := s.store.MarkFailed(ctx, rec.ID, pipeline.ErrCancelled.Error())
		if errors.Is(err, storage.ErrStateConflict) {
			return fmt.Errorf("%w: session already finished", pipeline.ErrInvalidState)
		}
		return err
	default:
		return fmt.Errorf("%w: session is %s", pipeline.ErrInvalidState, rec.Status)
	}
}

func (s *Service) Delete(ctx context.Context, p models.SessionParams) error {
	rec, err := s.session(ctx, p)
	if err != nil {
		return err
	}
	if s.orch.Running(rec.ID) {
		return fmt.Errorf("%w: session is running, cancel it first", pipeline.ErrInvalidState)
	}
	return s.store.DeleteSession(ctx, rec.ID)
}

// Export renders a completed session as plain text, each segment taking its
// latest stage output and falling back to the original.
func (s *Service) Export(ctx context.Context, p models.ExportParams) (*models.ExportResult, error) {
	if !p.Acknowledge {
		return nil, ErrAckRequired
	}
	format := strings.ToLower(strings.TrimSpace(p.Format))
	if format == "" {
		format = "txt"
	}
	if format != "txt" {
		return nil, fmt.Errorf("%w: unsupported export format %q", ErrInvalidParams, p.Format)
	}
	rec, err := s.session(ctx, models.SessionParams{SessionID: p.SessionID, Owner: p.Owner})
	if err != nil {
		return nil, err
	}
	if rec.Status != models.StatusCompleted {
		return nil, fmt.Errorf("%w: session is %s, only completed sessions can be exported", pipeline.ErrInvalidState, rec.Status)
	}
	segs, err := s.store.ListSegments(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	return &models.ExportResult{
		Format:   format,
		Content:  ExportText(rec.Stages, segs),
		Filename: exportFilename(rec),
	}, nil
}

// ExportText joins each segment's final text with a blank line.
func ExportText(stages []models.Stage, segs []*models.SegmentRecord) string {
	parts := make([]string, len(segs))
	for i, seg := range segs {
		parts[i] = seg.FinalText(stages)
	}
	return strings.Join(parts, "\n\n")
}

func exportFilename(rec *models.SessionRecord) string {
	id := rec.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("polishgo_%s_%s.txt", id, rec.CreatedAt.Format("20060102"))
}

// QueueStatus reports governor occupancy and, when sessionID is waiting for
// a permit, its 1-based position.
func (s *Service) QueueStatus(sessionID string) models.QueueStatus {
	st := s.governor.Status(sessionID)
	return models.QueueStatus{
		Capacity:        st.Capacity,
		ActiveCount:     st.ActiveCount,
		QueuedCount:     st.QueuedCount,
		PositionInQueue: st.PositionInQueue,
		PendingSessions: s.dispatcher.Pending(),
	}
}

func stageTask(name string) (llm.Task, error) {
	task, err := llm.ParseTask(name)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if task == llm.TaskCompressHistory {
		return "", fmt.Errorf("%w: %s prompt cannot be customized", ErrInvalidParams, task)
	}
	return task, nil
}

// Prompt returns the system prompt a task runs with for the owner.
func (s *Service) Prompt(ctx context.Context, p models.PromptParams) (*models.PromptInfo, error) {
	task, err := stageTask(p.Task)
	if err != nil {
		return nil, err
	}
	custom, ok, err := s.store.CustomPrompt(ctx, owner(p.Owner), string(task))
	if err != nil {
		return nil, err
	}
	return &models.PromptInfo{
		Task:    string(task),
		Content: s.orch.Templates().SystemPrompt(task, custom),
		Custom:  ok,
	}, nil
}

func (s *Service) SetPrompt(ctx context.Context, p models.PromptParams) error {
	task, err := stageTask(p.Task)
	if err != nil {
		return err
	}
	if strings.TrimSpace(p.Content) == "" {
		return fmt.Errorf("%w: prompt content is required", ErrInvalidParams)
	}
	return s.store.SetPrompt(ctx, owner(p.Owner), string(task), p.Content)
}

func (s *Service) ResetPrompt(ctx context.Context, p models.PromptParams) error {
	task, err := stageTask(p.Task)
	if err != nil {
		return err
	}
	return s.store.DeletePrompt(ctx, owner(p.Owner), string(task))
}

// Recover requeues sessions a previous process left processing, then
// dispatches every queued session. It returns the dispatched ids.
func (s *Service) Recover(ctx context.Context) ([]string, error) {
	recs, err := s.store.ListSessionsByStatus(ctx, models.StatusProcessing)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		if s.orch.Running(rec.ID) {
			continue
		}
		if err := s.store.RequeueInterrupted(ctx, rec.ID); err != nil {
			s.logger.Warn("requeue interrupted session", "session_id", rec.ID, "error", err)
		}
	}
	ids, err := s.DispatchQueued(ctx)
	if len(ids) > 0 {
		s.logger.Info("recovered sessions", "count", len(ids))
	}
	return ids, err
}

// DispatchQueued hands every queued session that is not already running to
// the dispatcher, oldest first. Sessions that do not fit stay queued.
func (s *Service) DispatchQueued(ctx context.Context) ([]string, error) {
	recs, err := s.store.ListSessionsByStatus(ctx, models.StatusQueued)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, rec := range recs {
		if s.orch.Running(rec.ID) {
			continue
		}
		if err := s.dispatcher.Submit(rec.ID); err != nil {
			s.logger.Warn("dispatch stopped", "session_id", rec.ID, "error", err)
			break
		}
		ids = append(ids, rec.ID)
	}
	return ids, nil
}

// Wait polls until the session reaches a terminal status or ctx ends.
func (s *Service) Wait(ctx context.Context, sessionID string, interval time.Duration) (*models.SessionProgress, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		p, err := s.store.GetProgress(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if p.Status.Terminal() {
			return p, nil
		}
		select {
		case <-ctx.Done():
			return p, ctx.Err()
		case <-ticker.C:
		}
	}
}
