package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dyike/PolishGo/models"
)

const stageOrder = `CASE stage WHEN 'polish' THEN 0 WHEN 'enhance' THEN 1 WHEN 'emotion_rewrite' THEN 2 ELSE 3 END`

// LatestChanges returns the newest change record per (segment, stage),
// ordered by segment index and then by stage order.
func (s *Store) LatestChanges(ctx context.Context, sessionID string) ([]models.ChangeRecord, error) {
	return s.queryChanges(ctx, `
SELECT id, session_id, segment_index, stage, before_text, after_text, detail, created_at
FROM change_records
WHERE id IN (
    SELECT MAX(id) FROM change_records WHERE session_id = ? GROUP BY segment_index, stage
)
ORDER BY segment_index ASC, `+stageOrder+` ASC`, sessionID)
}

// ListChanges returns the full audit trail, oldest first.
func (s *Store) ListChanges(ctx context.Context, sessionID string) ([]models.ChangeRecord, error) {
	return s.queryChanges(ctx, `
SELECT id, session_id, segment_index, stage, before_text, after_text, detail, created_at
FROM change_records WHERE session_id = ? ORDER BY id ASC`, sessionID)
}

func (s *Store) queryChanges(ctx context.Context, query string, args ...any) ([]models.ChangeRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list changes: %w", err)
	}
	defer rows.Close()

	var out []models.ChangeRecord
	for rows.Next() {
		var (
			rec       models.ChangeRecord
			stage     string
			detail    sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.SegmentIndex, &stage, &rec.BeforeText,
			&rec.AfterText, &detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		rec.Stage = models.Stage(stage)
		if detail.Valid && detail.String != "" {
			rec.Detail = []byte(detail.String)
		}
		rec.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list changes rows: %w", err)
	}
	return out, nil
}
