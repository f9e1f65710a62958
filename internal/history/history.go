// Package history keeps the rolling conversation that makes a stage's
// output stylistically consistent across the segments of one session.
//
// A History is keyed by (session, stage). The stage runner appends each
// completed user/assistant exchange and reads a Snapshot before every model
// call. When the accumulated size passes a budget, Compress replaces the
// whole history with a single system turn produced by a summarization call,
// so the context sent per segment stays bounded whatever the document
// length.
//
// Only assistant turns and earlier summaries feed compression: the summary
// carries output style forward, not the raw input text.
package history

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/dyike/PolishGo/internal/llm"
	"github.com/dyike/PolishGo/models"
)

// Key identifies the history of one stage of one session.
type Key struct {
	SessionID string
	Stage     models.Stage
}

// Summarizer condenses prior outputs into a single summary text.
type Summarizer interface {
	Summarize(ctx context.Context, texts []string) (string, error)
}

// History is safe for concurrent use. Compress holds the lock for the whole
// summarization call, so a concurrent Snapshot waits for the new history
// rather than reading a half-rewritten one.
type History struct {
	mu    sync.Mutex
	turns []llm.Message
}

func (h *History) Append(role llm.Role, content string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = append(h.turns, llm.Message{Role: role, Content: content})
}

// Snapshot returns a copy of the current turns.
func (h *History) Snapshot() []llm.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]llm.Message, len(h.turns))
	copy(out, h.turns)
	return out
}

// Size is the total rune count of all turns.
func (h *History) Size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return sizeOf(h.turns)
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.turns)
}

// Reset drops every turn.
func (h *History) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = nil
}

// Compress summarizes the history when its size exceeds budget. It reports
// whether a compression happened. On error the history is left unchanged.
func (h *History) Compress(ctx context.Context, s Summarizer, budget int) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if budget <= 0 || sizeOf(h.turns) <= budget {
		return false, nil
	}

	var system, assistant []string
	for _, m := range h.turns {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		switch m.Role {
		case llm.RoleSystem:
			system = append(system, m.Content)
		case llm.RoleAssistant:
			assistant = append(assistant, m.Content)
		}
	}
	texts := append(system, assistant...)
	if len(texts) == 0 {
		h.turns = nil
		return true, nil
	}

	summary, err := s.Summarize(ctx, texts)
	if err != nil {
		return false, fmt.Errorf("compress history: %w", err)
	}
	h.turns = []llm.Message{llm.SystemMessage(summary)}
	return true, nil
}

func sizeOf(turns []llm.Message) int {
	n := 0
	for _, m := range turns {
		n += utf8.RuneCountInString(m.Content)
	}
	return n
}

// Registry owns the histories of all active (session, stage) pairs.
type Registry struct {
	mu      sync.Mutex
	entries map[Key]*History
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[Key]*History)}
}

// Get returns the history for key, creating it on first use.
func (r *Registry) Get(key Key) *History {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.entries[key]
	if !ok {
		h = &History{}
		r.entries[key] = h
	}
	return h
}

// Drop forgets every stage history of a session.
func (r *Registry) Drop(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.entries {
		if k.SessionID == sessionID {
			delete(r.entries, k)
		}
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
