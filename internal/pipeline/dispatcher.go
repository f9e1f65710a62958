package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/dyike/PolishGo/internal/logging"
)

// Runner processes one session to completion.
type Runner interface {
	Run(ctx context.Context, sessionID string) error
}

// Dispatcher feeds session ids from a bounded queue to a fixed pool of
// workers. Each session runs entirely on one worker.
type Dispatcher struct {
	runner  Runner
	workers int
	logger  *slog.Logger

	mu      sync.Mutex
	queue   chan string
	pending map[string]struct{}
	closed  bool
	started bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

func NewDispatcher(runner Runner, workers, queueSize int, logger *slog.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Dispatcher{
		runner:  runner,
		workers: workers,
		logger:  logging.OrDiscard(logger).With("component", "dispatcher"),
		queue:   make(chan string, queueSize),
		pending: make(map[string]struct{}),
	}
}

// Start launches the workers. Runs inherit ctx; cancelling it interrupts
// in-flight sessions between model calls.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true

	ctx, d.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < d.workers; i++ {
		g.Go(func() error {
			d.work(gctx)
			return nil
		})
	}
	d.group = g
}

func (d *Dispatcher) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id, ok := <-d.queue:
			if !ok {
				return
			}
			d.mu.Lock()
			delete(d.pending, id)
			d.mu.Unlock()
			if err := d.runner.Run(ctx, id); err != nil {
				switch {
				case errors.Is(err, ErrAlreadyRunning), errors.Is(err, ErrInvalidState):
					d.logger.Debug("dispatch skipped", "session_id", id, "error", err)
				default:
					d.logger.Warn("session run ended with error", "session_id", id, "error", err)
				}
			}
		}
	}
}

// Submit enqueues a session without blocking. A session already waiting in
// the queue is not queued twice.
func (d *Dispatcher) Submit(sessionID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if _, ok := d.pending[sessionID]; ok {
		return nil
	}
	select {
	case d.queue <- sessionID:
		d.pending[sessionID] = struct{}{}
		return nil
	default:
		return ErrQueueFull
	}
}

// Pending is the number of sessions waiting for a worker.
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

// Shutdown stops accepting work and waits for the workers to drain the
// queue. When ctx ends first, in-flight runs are interrupted and left for
// startup recovery.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	g, cancel := d.group, d.cancel
	d.mu.Unlock()

	if g == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		cancel()
		return err
	case <-ctx.Done():
		cancel()
		<-done
		return ctx.Err()
	}
}
