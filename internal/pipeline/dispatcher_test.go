package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type countingRunner struct {
	mu   sync.Mutex
	seen []string
	gate chan struct{}
}

func (r *countingRunner) Run(ctx context.Context, sessionID string) error {
	if r.gate != nil {
		select {
		case <-r.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	r.seen = append(r.seen, sessionID)
	r.mu.Unlock()
	return nil
}

func (r *countingRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

func TestDispatcherRunsSubmittedSessions(t *testing.T) {
	runner := &countingRunner{}
	d := NewDispatcher(runner, 3, 10, nil)
	d.Start(context.Background())

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		if err := d.Submit(id); err != nil {
			t.Fatalf("submit %s: %v", id, err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if runner.count() != 5 {
		t.Fatalf("expected 5 runs, got %d", runner.count())
	}
	if err := d.Submit("late"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestDispatcherQueueFull(t *testing.T) {
	runner := &countingRunner{gate: make(chan struct{})}
	d := NewDispatcher(runner, 1, 1, nil)

	// Not started: the single queue slot fills and the next submit is refused.
	if err := d.Submit("a"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := d.Submit("a"); err != nil {
		t.Fatalf("duplicate submit should be absorbed: %v", err)
	}
	if err := d.Submit("b"); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if d.Pending() != 1 {
		t.Fatalf("expected 1 pending, got %d", d.Pending())
	}

	d.Start(context.Background())
	close(runner.gate)
	if err := d.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if runner.count() != 1 {
		t.Fatalf("expected the queued session to run, got %d", runner.count())
	}
}

func TestDispatcherShutdownDeadlineInterrupts(t *testing.T) {
	runner := &countingRunner{gate: make(chan struct{})}
	d := NewDispatcher(runner, 1, 4, nil)
	d.Start(context.Background())
	_ = d.Submit("stuck")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := d.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if runner.count() != 0 {
		t.Fatalf("interrupted run should not have completed")
	}
}
