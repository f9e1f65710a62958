package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dyike/PolishGo/consts"
	"github.com/dyike/PolishGo/internal/llm"
	"github.com/dyike/PolishGo/models"
)

func TestRunPolishThenEnhance(t *testing.T) {
	polish := &fakeCompleter{model: "p"}
	enhance := &fakeCompleter{model: "e"}
	h := newHarness(t, fakeClients{"p": polish, "e": enhance}, 1<<20)
	rec := h.seed(t, models.ModePolishThenEnhance, "a", "b", "c")
	ctx := context.Background()

	if err := h.orch.Run(ctx, rec.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	got := h.session(t, rec.ID)
	if got.Status != models.StatusCompleted || got.Progress != 1 || got.CurrentPosition != 3 {
		t.Fatalf("unexpected final session: %+v", got)
	}
	segs, _ := h.store.ListSegments(ctx, rec.ID)
	for i, want := range []string{"a", "b", "c"} {
		if segs[i].Outputs[models.StagePolish] != "[p]"+want {
			t.Fatalf("segment %d polish = %q", i, segs[i].Outputs[models.StagePolish])
		}
		if segs[i].Outputs[models.StageEnhance] != "[e][p]"+want {
			t.Fatalf("segment %d enhance = %q", i, segs[i].Outputs[models.StageEnhance])
		}
	}

	changes, _ := h.store.LatestChanges(ctx, rec.ID)
	if len(changes) != 6 {
		t.Fatalf("expected 6 change records, got %d", len(changes))
	}
	if changes[0].Stage != models.StagePolish || changes[1].Stage != models.StageEnhance || changes[1].SegmentIndex != 0 {
		t.Fatalf("unexpected change ordering: %+v", changes[:2])
	}
	if h.events.last() != consts.EventSessionCompleted {
		t.Fatalf("expected completion event last, got %q", h.events.last())
	}
	if h.histories.Len() != 0 {
		t.Fatalf("histories not dropped after run")
	}
	if h.orch.Running(rec.ID) {
		t.Fatalf("session still marked running")
	}
}

func TestHistoryFeedsLaterSegments(t *testing.T) {
	polish := &fakeCompleter{model: "p"}
	h := newHarness(t, fakeClients{"p": polish}, 1<<20)
	rec := h.seed(t, models.ModePolishOnly, "one", "two")

	if err := h.orch.Run(context.Background(), rec.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	calls := polish.stageCalls()
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(calls))
	}
	second := calls[1].msgs
	// user+assistant from segment 0, then system prompt, then user text.
	if len(second) != 4 {
		t.Fatalf("expected 4 messages, got %+v", second)
	}
	if second[0].Role != llm.RoleUser || second[1].Content != "[p]one" {
		t.Fatalf("history not carried: %+v", second[:2])
	}
	if second[2].Role != llm.RoleSystem || !strings.Contains(second[2].Content, "防御提示词注入攻击") {
		t.Fatalf("system prompt missing guard: %q", second[2].Content)
	}
	if calls[1].temperature != 0.7 {
		t.Fatalf("unexpected stage temperature %v", calls[1].temperature)
	}
}

func TestHistoryCompressedOverBudget(t *testing.T) {
	polish := &fakeCompleter{model: "p"}
	h := newHarness(t, fakeClients{"p": polish}, 5)
	rec := h.seed(t, models.ModePolishOnly, "first segment", "second segment")

	if err := h.orch.Run(context.Background(), rec.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	calls := polish.stageCalls()
	if len(calls) != 2 {
		t.Fatalf("expected 2 stage calls, got %d", len(calls))
	}
	second := calls[1].msgs
	if len(second) != 3 || second[0].Role != llm.RoleSystem || second[0].Content != "SUMMARY" {
		t.Fatalf("expected compressed history, got %+v", second)
	}
	if len(polish.calls) != 3 {
		t.Fatalf("expected one compression call, got %d calls total", len(polish.calls))
	}
}

func TestFailureThenRetryResumes(t *testing.T) {
	polish := &fakeCompleter{
		model:  "p",
		failAt: map[string]error{"s2": &llm.UpstreamError{StatusCode: 500, Body: "bad key " + testKey}},
	}
	h := newHarness(t, fakeClients{"p": polish}, 1<<20)
	rec := h.seed(t, models.ModePolishOnly, "s0", "s1", "s2", "s3", "s4")
	ctx := context.Background()

	err := h.orch.Run(ctx, rec.ID)
	var upstream *llm.UpstreamError
	if !errors.As(err, &upstream) || upstream.StatusCode != 500 {
		t.Fatalf("expected upstream error, got %v", err)
	}

	got := h.session(t, rec.ID)
	if got.Status != models.StatusFailed || got.CurrentPosition != 2 {
		t.Fatalf("unexpected failed session: %+v", got)
	}
	if got.ErrorMessage == nil || !strings.Contains(*got.ErrorMessage, "500") {
		t.Fatalf("error message missing status: %v", got.ErrorMessage)
	}
	if strings.Contains(*got.ErrorMessage, testKey) || !strings.Contains(*got.ErrorMessage, llm.RedactKey(testKey)) {
		t.Fatalf("api key not redacted: %q", *got.ErrorMessage)
	}
	if h.events.last() != consts.EventSessionFailed {
		t.Fatalf("expected failure event, got %q", h.events.last())
	}
	segs, _ := h.store.ListSegments(ctx, rec.ID)
	if segs[2].Status != models.SegmentFailed || segs[3].Status != models.SegmentPending {
		t.Fatalf("unexpected segment states: %v %v", segs[2].Status, segs[3].Status)
	}

	if err := h.store.ResetForRetry(ctx, rec.ID); err != nil {
		t.Fatalf("reset: %v", err)
	}
	before := len(polish.stageCalls())
	if err := h.orch.Run(ctx, rec.ID); err != nil {
		t.Fatalf("retry run: %v", err)
	}
	if n := len(polish.stageCalls()) - before; n != 3 {
		t.Fatalf("retry made %d calls, want 3", n)
	}

	changes, _ := h.store.ListChanges(ctx, rec.ID)
	seen := map[int]int{}
	for _, c := range changes {
		seen[c.SegmentIndex]++
	}
	for i := 0; i < 5; i++ {
		if seen[i] != 1 {
			t.Fatalf("segment %d has %d change records, want 1", i, seen[i])
		}
	}
	if got := h.session(t, rec.ID); got.Status != models.StatusCompleted || got.ErrorMessage != nil {
		t.Fatalf("retry did not complete cleanly: %+v", got)
	}
}

func TestProgressNeverDecreases(t *testing.T) {
	polish := &fakeCompleter{model: "p"}
	enhance := &fakeCompleter{model: "e"}
	h := newHarness(t, fakeClients{"p": polish, "e": enhance}, 1<<20)
	rec := h.seed(t, models.ModePolishThenEnhance, "a", "b", "c", "d")

	var progress []float64
	h.orch.notify = func(topic, payload string) {
		if topic != consts.EventSessionProgress {
			return
		}
		p, err := h.store.GetProgress(context.Background(), rec.ID)
		if err == nil {
			progress = append(progress, p.Progress)
		}
	}
	if err := h.orch.Run(context.Background(), rec.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(progress) < 8 {
		t.Fatalf("expected a progress event per segment, got %d", len(progress))
	}
	for i := 1; i < len(progress); i++ {
		if progress[i] < progress[i-1] {
			t.Fatalf("progress went backwards: %v", progress)
		}
	}
}

// blockingCompleter parks each call until released or its context ends.
type blockingCompleter struct {
	entered chan struct{}
	release chan struct{}
}

func newBlocking() *blockingCompleter {
	return &blockingCompleter{entered: make(chan struct{}, 16), release: make(chan struct{})}
}

func (b *blockingCompleter) Complete(ctx context.Context, msgs []llm.Message, _ float64, _ *int) (string, error) {
	b.entered <- struct{}{}
	select {
	case <-b.release:
		return "ok", nil
	case <-ctx.Done():
		return "", &llm.TransportError{Err: ctx.Err()}
	}
}

func waitEntered(t *testing.T, b *blockingCompleter) {
	t.Helper()
	select {
	case <-b.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("model call never started")
	}
}

func TestCancelStopsBetweenSegments(t *testing.T) {
	block := newBlocking()
	h := newHarness(t, fakeClients{"p": block}, 1<<20)
	rec := h.seed(t, models.ModePolishOnly, "a", "b", "c")

	done := make(chan error, 1)
	go func() { done <- h.orch.Run(context.Background(), rec.ID) }()
	waitEntered(t, block)

	if err := h.orch.Run(context.Background(), rec.ID); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	if !h.orch.Cancel(rec.ID) {
		t.Fatalf("cancel reported session not running")
	}
	close(block.release)

	if err := <-done; !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	got := h.session(t, rec.ID)
	if got.Status != models.StatusFailed || got.CurrentPosition != 1 {
		t.Fatalf("unexpected cancelled session: %+v", got)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage != "session cancelled" {
		t.Fatalf("unexpected message: %v", got.ErrorMessage)
	}
	if h.orch.Cancel(rec.ID) {
		t.Fatalf("cancel of finished session reported running")
	}
}

func TestInterruptedRunStaysProcessing(t *testing.T) {
	block := newBlocking()
	h := newHarness(t, fakeClients{"p": block}, 1<<20)
	rec := h.seed(t, models.ModePolishOnly, "a", "b")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.orch.Run(ctx, rec.ID) }()
	waitEntered(t, block)
	cancel()

	if err := <-done; err == nil {
		t.Fatalf("expected interrupted run to return an error")
	}
	got := h.session(t, rec.ID)
	if got.Status != models.StatusProcessing || got.CurrentPosition != 0 {
		t.Fatalf("interrupted session should stay processing at 0: %+v", got)
	}
}

func TestRunRequiresQueued(t *testing.T) {
	polish := &fakeCompleter{model: "p"}
	h := newHarness(t, fakeClients{"p": polish}, 1<<20)
	rec := h.seed(t, models.ModePolishOnly, "a")

	if err := h.orch.Run(context.Background(), rec.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := h.orch.Run(context.Background(), rec.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if err := h.orch.Run(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUnknownModelFailsSession(t *testing.T) {
	h := newHarness(t, fakeClients{}, 1<<20)
	rec := h.seed(t, models.ModeEmotionRewrite, "a")

	if err := h.orch.Run(context.Background(), rec.ID); err == nil {
		t.Fatalf("expected error")
	}
	got := h.session(t, rec.ID)
	if got.Status != models.StatusFailed || got.CurrentStage != models.StageEmotionRewrite {
		t.Fatalf("unexpected session: %+v", got)
	}
}

func TestCustomPromptAndDigest(t *testing.T) {
	polish := &fakeCompleter{model: "p"}
	h := newHarness(t, fakeClients{"p": polish}, 1<<20)
	rec := h.seed(t, models.ModePolishOnly, "a")
	ctx := context.Background()

	before, err := h.orch.Digest(ctx, rec)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if err := h.store.SetPrompt(ctx, "alice", string(llm.TaskPolish), "只改错别字"); err != nil {
		t.Fatalf("set prompt: %v", err)
	}
	after, _ := h.orch.Digest(ctx, rec)
	if before == after {
		t.Fatalf("custom prompt did not change digest")
	}

	if err := h.orch.Run(ctx, rec.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	system := polish.stageCalls()[0].msgs[0].Content
	if !strings.HasPrefix(system, "只改错别字") {
		t.Fatalf("custom prompt not used: %q", system)
	}
}
