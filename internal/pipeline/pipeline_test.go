package pipeline

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/dyike/PolishGo/internal/governor"
	"github.com/dyike/PolishGo/internal/history"
	"github.com/dyike/PolishGo/internal/llm"
	"github.com/dyike/PolishGo/internal/storage"
	"github.com/dyike/PolishGo/models"
)

const testKey = "sk-test-0123456789abcdef"

type fakeCall struct {
	msgs        []llm.Message
	temperature float64
}

// fakeCompleter echoes the segment text tagged with its model name and
// returns "SUMMARY" for compression calls.
type fakeCompleter struct {
	model string

	mu     sync.Mutex
	calls  []fakeCall
	failAt map[string]error
}

func (f *fakeCompleter) Complete(ctx context.Context, msgs []llm.Message, temperature float64, _ *int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fakeCall{msgs: msgs, temperature: temperature})
	if temperature == history.DefaultTemperature {
		return "SUMMARY", nil
	}
	input := strings.TrimSpace(msgs[len(msgs)-1].Content)
	if err, ok := f.failAt[input]; ok {
		delete(f.failAt, input)
		return "", err
	}
	return "[" + f.model + "]" + input, nil
}

func (f *fakeCompleter) stageCalls() []fakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []fakeCall
	for _, c := range f.calls {
		if c.temperature != history.DefaultTemperature {
			out = append(out, c)
		}
	}
	return out
}

type fakeClients map[string]llm.Completer

func (fc fakeClients) ClientFor(cfg models.ModelConfig) (llm.Completer, error) {
	c, ok := fc[cfg.Model]
	if !ok {
		return nil, &llm.UpstreamError{StatusCode: 404, Body: "unknown model " + cfg.Model}
	}
	return c, nil
}

type recorder struct {
	mu     sync.Mutex
	topics []string
}

func (r *recorder) notify(topic, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, topic)
}

func (r *recorder) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.topics) == 0 {
		return ""
	}
	return r.topics[len(r.topics)-1]
}

type harness struct {
	store     *storage.Store
	orch      *Orchestrator
	histories *history.Registry
	events    *recorder
}

func newHarness(t *testing.T, clients fakeClients, budget int) *harness {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "pipeline.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	h := &harness{store: store, histories: history.NewRegistry(), events: &recorder{}}
	h.orch, err = NewOrchestrator(store, clients, governor.New(2),
		WithHistories(h.histories),
		WithNotifier(h.events.notify),
		WithSettings(func() Settings {
			return Settings{StageTemperature: 0.7, CompressionTemperature: history.DefaultTemperature, HistoryBudget: budget}
		}),
	)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return h
}

func (h *harness) seed(t *testing.T, mode models.ProcessingMode, texts ...string) *models.SessionRecord {
	t.Helper()
	stages, err := mode.Stages()
	if err != nil {
		t.Fatalf("stages: %v", err)
	}
	rec := &models.SessionRecord{
		Owner:        "alice",
		OriginalText: strings.Join(texts, "\n"),
		Mode:         mode,
		Stages:       stages,
		CurrentStage: stages[0],
		StageConfigs: map[models.Stage]models.ModelConfig{
			models.StagePolish:         {Model: "p", BaseURL: "http://fake", APIKey: testKey},
			models.StageEnhance:        {Model: "e", BaseURL: "http://fake", APIKey: testKey},
			models.StageEmotionRewrite: {Model: "r", BaseURL: "http://fake", APIKey: testKey},
		},
	}
	if err := h.store.CreateSession(context.Background(), rec, texts); err != nil {
		t.Fatalf("create session: %v", err)
	}
	return rec
}

func (h *harness) session(t *testing.T, id string) *models.SessionRecord {
	t.Helper()
	rec, err := h.store.GetSession(context.Background(), id)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	return rec
}
