package history

import (
	"context"
	"strings"

	"github.com/dyike/PolishGo/internal/llm"
)

// DefaultTemperature keeps summaries close to deterministic.
const DefaultTemperature = 0.3

const separator = "\n\n---段落分隔---\n\n"

// ModelSummarizer runs the compress_history template through a chat model.
type ModelSummarizer struct {
	Completer   llm.Completer
	Templates   llm.Templates
	Temperature float64
}

func (s ModelSummarizer) Summarize(ctx context.Context, texts []string) (string, error) {
	tpl := s.Templates[llm.TaskCompressHistory]
	temperature := s.Temperature
	if temperature <= 0 {
		temperature = DefaultTemperature
	}
	msgs := []llm.Message{
		llm.SystemMessage(strings.TrimSpace(tpl.System)),
		llm.UserMessage(tpl.UserPrefix + "\n\n" + strings.Join(texts, separator)),
	}
	return s.Completer.Complete(ctx, msgs, temperature, nil)
}
