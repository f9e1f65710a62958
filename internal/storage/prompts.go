package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// CustomPrompt returns the owner's system prompt override for task.
func (s *Store) CustomPrompt(ctx context.Context, owner, task string) (string, bool, error) {
	var content string
	err := s.db.QueryRowContext(ctx, `SELECT content FROM prompts WHERE owner = ? AND task = ?`,
		owner, task).Scan(&content)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get prompt: %w", err)
	}
	return content, true, nil
}

func (s *Store) SetPrompt(ctx context.Context, owner, task, content string) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("prompt content is required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO prompts (owner, task, content, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT(owner, task) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at`,
		owner, task, content, s.stamp())
	if err != nil {
		return fmt.Errorf("set prompt: %w", err)
	}
	return nil
}

// DeletePrompt drops an override so the built-in template applies again.
func (s *Store) DeletePrompt(ctx context.Context, owner, task string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM prompts WHERE owner = ? AND task = ?`, owner, task); err != nil {
		return fmt.Errorf("delete prompt: %w", err)
	}
	return nil
}
