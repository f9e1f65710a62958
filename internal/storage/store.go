package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dyike/PolishGo/models"
	"github.com/dyike/PolishGo/pkg/sqlite"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrStateConflict means a conditional update found the row in an
	// unexpected state (wrong status or checkpoint position).
	ErrStateConflict = errors.New("state conflict")
)

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func Open(dbPath string) (*Store, error) {
	db, err := sqlite.Open(dbPath)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func initSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    owner TEXT NOT NULL,
    original_text TEXT NOT NULL,
    processing_mode TEXT NOT NULL,
    stages TEXT NOT NULL,
    current_stage TEXT NOT NULL,
    status TEXT NOT NULL,
    progress REAL NOT NULL DEFAULT 0,
    current_position INTEGER NOT NULL DEFAULT 0,
    total_segments INTEGER NOT NULL,
    error_message TEXT,
    stage_configs TEXT NOT NULL DEFAULT '{}',
    config_digest TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    CHECK (current_position <= total_segments)
);

CREATE TABLE IF NOT EXISTS segments (
    session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    segment_index INTEGER NOT NULL,
    original_text TEXT NOT NULL,
    polish_text TEXT,
    enhance_text TEXT,
    emotion_rewrite_text TEXT,
    status TEXT NOT NULL DEFAULT 'pending',
    PRIMARY KEY (session_id, segment_index)
);

CREATE TABLE IF NOT EXISTS change_records (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    segment_index INTEGER NOT NULL,
    stage TEXT NOT NULL,
    before_text TEXT NOT NULL,
    after_text TEXT NOT NULL,
    detail TEXT,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS prompts (
    owner TEXT NOT NULL,
    task TEXT NOT NULL,
    content TEXT NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (owner, task)
);

CREATE INDEX IF NOT EXISTS idx_sessions_owner_created ON sessions(owner, created_at);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_change_records_key ON change_records(session_id, segment_index, stage);
`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func stageColumn(stage models.Stage) (string, error) {
	switch stage {
	case models.StagePolish:
		return "polish_text", nil
	case models.StageEnhance:
		return "enhance_text", nil
	case models.StageEmotionRewrite:
		return "emotion_rewrite_text", nil
	default:
		return "", fmt.Errorf("unknown stage %q", string(stage))
	}
}

func joinStages(stages []models.Stage) string {
	parts := make([]string, len(stages))
	for i, st := range stages {
		parts[i] = string(st)
	}
	return strings.Join(parts, ",")
}

func splitStages(s string) []models.Stage {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]models.Stage, len(parts))
	for i, p := range parts {
		out[i] = models.Stage(p)
	}
	return out
}

func (s *Store) stamp() int64 {
	return s.now().UnixMilli()
}

// CreateSession inserts the session and its segments in one transaction. An
// empty rec.ID is filled with a new UUID.
func (s *Store) CreateSession(ctx context.Context, rec *models.SessionRecord, segments []string) error {
	if rec == nil {
		return fmt.Errorf("session is required")
	}
	if len(segments) == 0 {
		return fmt.Errorf("session needs at least one segment")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Status == "" {
		rec.Status = models.StatusQueued
	}
	rec.TotalSegments = len(segments)

	configs, err := json.Marshal(rec.StageConfigs)
	if err != nil {
		return fmt.Errorf("encode stage configs: %w", err)
	}

	now := s.now()
	rec.CreatedAt = time.UnixMilli(now.UnixMilli())
	rec.UpdatedAt = rec.CreatedAt

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create session: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
INSERT INTO sessions (id, owner, original_text, processing_mode, stages, current_stage, status,
    progress, current_position, total_segments, error_message, stage_configs, config_digest,
    created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, rec.ID, rec.Owner, rec.OriginalText, string(rec.Mode), joinStages(rec.Stages), string(rec.CurrentStage),
		string(rec.Status), rec.Progress, rec.CurrentPosition, rec.TotalSegments, rec.ErrorMessage,
		string(configs), rec.ConfigDigest, rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO segments (session_id, segment_index, original_text, status) VALUES (?, ?, ?, ?)
`)
	if err != nil {
		return fmt.Errorf("prepare segment insert: %w", err)
	}
	defer stmt.Close()
	for i, text := range segments {
		if _, err := stmt.ExecContext(ctx, rec.ID, i, text, string(models.SegmentPending)); err != nil {
			return fmt.Errorf("insert segment %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create session: %w", err)
	}
	return nil
}

const sessionColumns = `id, owner, original_text, processing_mode, stages, current_stage, status,
    progress, current_position, total_segments, error_message, stage_configs, config_digest,
    created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*models.SessionRecord, error) {
	var (
		rec                  models.SessionRecord
		mode, stages         string
		stage, status        string
		errMsg               sql.NullString
		configs              string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&rec.ID, &rec.Owner, &rec.OriginalText, &mode, &stages, &stage, &status,
		&rec.Progress, &rec.CurrentPosition, &rec.TotalSegments, &errMsg, &configs, &rec.ConfigDigest,
		&createdAt, &updatedAt); err != nil {
		return nil, err
	}
	rec.Mode = models.ProcessingMode(mode)
	rec.Stages = splitStages(stages)
	rec.CurrentStage = models.Stage(stage)
	rec.Status = models.SessionStatus(status)
	if errMsg.Valid {
		msg := errMsg.String
		rec.ErrorMessage = &msg
	}
	if configs != "" {
		if err := json.Unmarshal([]byte(configs), &rec.StageConfigs); err != nil {
			return nil, fmt.Errorf("decode stage configs: %w", err)
		}
	}
	rec.CreatedAt = time.UnixMilli(createdAt)
	rec.UpdatedAt = time.UnixMilli(updatedAt)
	return &rec, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*models.SessionRecord, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, fmt.Errorf("session id is required")
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, sessionID)
	rec, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return rec, nil
}

func (s *Store) querySessions(ctx context.Context, query string, args ...any) ([]*models.SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions rows: %w", err)
	}
	return out, nil
}

// ListSessions returns an owner's sessions, newest first.
func (s *Store) ListSessions(ctx context.Context, owner string, limit, offset int) ([]*models.SessionRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.querySessions(ctx, `SELECT `+sessionColumns+` FROM sessions
WHERE owner = ? ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`, owner, limit, offset)
}

// ListSessionsByStatus returns sessions in any of the given states, oldest first.
func (s *Store) ListSessionsByStatus(ctx context.Context, statuses ...models.SessionStatus) ([]*models.SessionRecord, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	return s.querySessions(ctx, `SELECT `+sessionColumns+` FROM sessions
WHERE status IN (`+placeholders+`) ORDER BY created_at ASC, rowid ASC`, args...)
}

func (s *Store) GetProgress(ctx context.Context, sessionID string) (*models.SessionProgress, error) {
	var (
		p      models.SessionProgress
		status string
		stage  string
		errMsg sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
SELECT id, status, progress, current_position, total_segments, current_stage, error_message
FROM sessions WHERE id = ?`, sessionID).Scan(&p.SessionID, &status, &p.Progress, &p.CurrentPosition,
		&p.TotalSegments, &stage, &errMsg)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get progress: %w", err)
	}
	p.Status = models.SessionStatus(status)
	p.CurrentStage = models.Stage(stage)
	if errMsg.Valid {
		msg := errMsg.String
		p.ErrorMessage = &msg
	}
	return &p, nil
}

func (s *Store) ListSegments(ctx context.Context, sessionID string) ([]*models.SegmentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT session_id, segment_index, original_text, polish_text, enhance_text, emotion_rewrite_text, status
FROM segments WHERE session_id = ? ORDER BY segment_index ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	defer rows.Close()

	var out []*models.SegmentRecord
	for rows.Next() {
		var (
			seg                       models.SegmentRecord
			polish, enhance, emotion sql.NullString
			status                    string
		)
		if err := rows.Scan(&seg.SessionID, &seg.Index, &seg.OriginalText, &polish, &enhance, &emotion, &status); err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		seg.Status = models.SegmentStatus(status)
		seg.Outputs = make(map[models.Stage]string)
		if polish.Valid {
			seg.Outputs[models.StagePolish] = polish.String
		}
		if enhance.Valid {
			seg.Outputs[models.StageEnhance] = enhance.String
		}
		if emotion.Valid {
			seg.Outputs[models.StageEmotionRewrite] = emotion.String
		}
		out = append(out, &seg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list segments rows: %w", err)
	}
	return out, nil
}

// updateSession runs a conditional UPDATE and maps "no row changed" onto
// ErrNotFound or ErrStateConflict.
func (s *Store) updateSession(ctx context.Context, exec interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, sessionID, query string, args ...any) error {
	res, err := exec.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session rows: %w", err)
	}
	if n > 0 {
		return nil
	}
	var exists int
	if err := exec.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, sessionID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("check session: %w", err)
	}
	return ErrStateConflict
}

// MarkProcessing moves a queued session to processing.
func (s *Store) MarkProcessing(ctx context.Context, sessionID string) error {
	return s.updateSession(ctx, s.db, sessionID, `
UPDATE sessions SET status = ?, error_message = NULL, updated_at = ?
WHERE id = ? AND status = ?`,
		string(models.StatusProcessing), s.stamp(), sessionID, string(models.StatusQueued))
}

// EnterStage records the stage about to run and its starting checkpoint.
func (s *Store) EnterStage(ctx context.Context, sessionID string, stage models.Stage, position int, progress float64) error {
	return s.updateSession(ctx, s.db, sessionID, `
UPDATE sessions SET current_stage = ?, current_position = ?, progress = ?, updated_at = ?
WHERE id = ? AND status = ?`,
		string(stage), position, progress, s.stamp(), sessionID, string(models.StatusProcessing))
}

// SegmentCommit is the durable checkpoint written after one segment.
type SegmentCommit struct {
	SessionID string
	Index     int
	Stage     models.Stage
	Before    string
	After     string
	Detail    json.RawMessage
	Progress  float64
}

// CommitSegment stores a segment's stage output, appends its change record
// and advances the session checkpoint to Index+1, all in one transaction.
// The checkpoint only moves if it currently points at Index.
func (s *Store) CommitSegment(ctx context.Context, c SegmentCommit) (int64, error) {
	col, err := stageColumn(c.Stage)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin commit segment: %w", err)
	}
	defer tx.Rollback()

	now := s.stamp()
	if err := s.updateSession(ctx, tx, c.SessionID, `
UPDATE sessions SET current_position = ?, progress = ?, updated_at = ?
WHERE id = ? AND status = ? AND current_stage = ? AND current_position = ?`,
		c.Index+1, c.Progress, now, c.SessionID, string(models.StatusProcessing), string(c.Stage), c.Index); err != nil {
		return 0, err
	}

	res, err := tx.ExecContext(ctx, `UPDATE segments SET `+col+` = ?, status = ?
WHERE session_id = ? AND segment_index = ?`, c.After, string(models.SegmentDone), c.SessionID, c.Index)
	if err != nil {
		return 0, fmt.Errorf("update segment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, fmt.Errorf("segment %d: %w", c.Index, ErrNotFound)
	}

	var detail any
	if len(c.Detail) > 0 {
		detail = string(c.Detail)
	}
	res, err = tx.ExecContext(ctx, `
INSERT INTO change_records (session_id, segment_index, stage, before_text, after_text, detail, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`, c.SessionID, c.Index, string(c.Stage), c.Before, c.After, detail, now)
	if err != nil {
		return 0, fmt.Errorf("insert change record: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("change record id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit segment: %w", err)
	}
	return id, nil
}

// MarkSegmentFailed flags the segment a stage stopped on.
func (s *Store) MarkSegmentFailed(ctx context.Context, sessionID string, index int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE segments SET status = ? WHERE session_id = ? AND segment_index = ?`,
		string(models.SegmentFailed), sessionID, index)
	if err != nil {
		return fmt.Errorf("mark segment failed: %w", err)
	}
	return nil
}

// MarkFailed ends an active session with a user-visible message. The
// checkpoint is left untouched so a retry resumes from it.
func (s *Store) MarkFailed(ctx context.Context, sessionID, message string) error {
	if strings.TrimSpace(message) == "" {
		message = "processing failed"
	}
	return s.updateSession(ctx, s.db, sessionID, `
UPDATE sessions SET status = ?, error_message = ?, updated_at = ?
WHERE id = ? AND status IN (?, ?)`,
		string(models.StatusFailed), message, s.stamp(), sessionID,
		string(models.StatusQueued), string(models.StatusProcessing))
}

// MarkCompleted closes a processing session at full progress.
func (s *Store) MarkCompleted(ctx context.Context, sessionID string) error {
	return s.updateSession(ctx, s.db, sessionID, `
UPDATE sessions SET status = ?, progress = 1.0, current_position = total_segments,
    error_message = NULL, updated_at = ?
WHERE id = ? AND status = ?`,
		string(models.StatusCompleted), s.stamp(), sessionID, string(models.StatusProcessing))
}

// ResetForRetry moves a failed session back to queued and clears its error.
func (s *Store) ResetForRetry(ctx context.Context, sessionID string) error {
	return s.updateSession(ctx, s.db, sessionID, `
UPDATE sessions SET status = ?, error_message = NULL, updated_at = ?
WHERE id = ? AND status = ?`,
		string(models.StatusQueued), s.stamp(), sessionID, string(models.StatusFailed))
}

// RequeueInterrupted returns a processing session left behind by a crash to
// the queue, keeping its checkpoint.
func (s *Store) RequeueInterrupted(ctx context.Context, sessionID string) error {
	return s.updateSession(ctx, s.db, sessionID, `
UPDATE sessions SET status = ?, updated_at = ?
WHERE id = ? AND status = ?`,
		string(models.StatusQueued), s.stamp(), sessionID, string(models.StatusProcessing))
}

// DeleteSession removes a session; segments and change records cascade.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
