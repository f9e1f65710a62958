package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dyike/PolishGo/internal/history"
	"github.com/dyike/PolishGo/internal/llm"
	"github.com/dyike/PolishGo/internal/logging"
	"github.com/dyike/PolishGo/internal/segment"
	"github.com/dyike/PolishGo/internal/storage"
	"github.com/dyike/PolishGo/models"
)

// Checkpointer is the part of the store a stage run writes through.
type Checkpointer interface {
	CommitSegment(ctx context.Context, c storage.SegmentCommit) (int64, error)
	MarkSegmentFailed(ctx context.Context, sessionID string, index int) error
}

// StageJob describes one stage pass over a session's segments.
type StageJob struct {
	Session    *models.SessionRecord
	Stage      models.Stage
	StageIndex int
	// Start is the first segment index to process.
	Start    int
	Segments []*models.SegmentRecord

	Completer    llm.Completer
	Summarizer   history.Summarizer
	SystemPrompt string
	Temperature  float64
	Budget       int

	// Cancelled is polled before each segment.
	Cancelled func() bool
	// OnSegment is called after each committed segment.
	OnSegment func(position int, progress float64)
}

// StageError records where a stage stopped.
type StageError struct {
	Stage    models.Stage
	Position int
	Err      error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed at segment %d: %v", e.Stage, e.Position+1, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

type StageRunner struct {
	store     Checkpointer
	histories *history.Registry
	logger    *slog.Logger
}

func NewStageRunner(store Checkpointer, histories *history.Registry, logger *slog.Logger) *StageRunner {
	if histories == nil {
		histories = history.NewRegistry()
	}
	return &StageRunner{store: store, histories: histories, logger: logging.OrDiscard(logger)}
}

// Run processes segments Start..end in order and returns the position
// reached. Each segment's output, change record and checkpoint are committed
// together before the next segment starts; on error the position is the
// index of the segment that failed and nothing after it was touched.
func (r *StageRunner) Run(ctx context.Context, job StageJob) (int, error) {
	rec := job.Session
	total := len(job.Segments)
	h := r.histories.Get(history.Key{SessionID: rec.ID, Stage: job.Stage})
	log := r.logger.With("session_id", rec.ID, "stage", job.Stage)

	for pos := job.Start; pos < total; pos++ {
		if job.Cancelled != nil && job.Cancelled() {
			return pos, &StageError{Stage: job.Stage, Position: pos, Err: ErrCancelled}
		}
		if err := ctx.Err(); err != nil {
			return pos, &StageError{Stage: job.Stage, Position: pos, Err: err}
		}

		if job.Summarizer != nil {
			compressed, err := h.Compress(ctx, job.Summarizer, job.Budget)
			if err != nil {
				r.failSegment(ctx, rec.ID, pos)
				return pos, &StageError{Stage: job.Stage, Position: pos, Err: fmt.Errorf("compress history: %w", err)}
			}
			if compressed {
				log.Debug("history compressed", "position", pos, "size", h.Size())
			}
		}

		seg := job.Segments[pos]
		input := seg.Input(rec.Stages, job.Stage)
		msgs := llm.StageMessages(h.Snapshot(), job.SystemPrompt, input)

		start := time.Now()
		output, err := job.Completer.Complete(ctx, msgs, job.Temperature, nil)
		if err != nil {
			r.failSegment(ctx, rec.ID, pos)
			return pos, &StageError{Stage: job.Stage, Position: pos, Err: err}
		}

		detail, _ := json.Marshal(models.ChangeDetail{
			Model:       rec.StageConfig(job.Stage).Model,
			BeforeUnits: segment.CountUnits(input),
			AfterUnits:  segment.CountUnits(output),
			HistorySize: h.Size(),
			DurationMS:  time.Since(start).Milliseconds(),
		})
		progress := models.OverallProgress(job.StageIndex, len(rec.Stages), pos+1, total)
		if _, err := r.store.CommitSegment(ctx, storage.SegmentCommit{
			SessionID: rec.ID,
			Index:     pos,
			Stage:     job.Stage,
			Before:    input,
			After:     output,
			Detail:    detail,
			Progress:  progress,
		}); err != nil {
			return pos, &StageError{Stage: job.Stage, Position: pos, Err: fmt.Errorf("checkpoint: %w", err)}
		}

		h.Append(llm.RoleUser, input)
		h.Append(llm.RoleAssistant, output)
		if seg.Outputs == nil {
			seg.Outputs = make(map[models.Stage]string)
		}
		seg.Outputs[job.Stage] = output

		log.Debug("segment committed", "position", pos+1, "total", total, "progress", progress)
		if job.OnSegment != nil {
			job.OnSegment(pos+1, progress)
		}
	}
	return total, nil
}

func (r *StageRunner) failSegment(ctx context.Context, sessionID string, pos int) {
	if err := r.store.MarkSegmentFailed(context.WithoutCancel(ctx), sessionID, pos); err != nil {
		r.logger.Warn("mark segment failed", "session_id", sessionID, "position", pos, "error", err)
	}
}
