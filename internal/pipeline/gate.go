package pipeline

import (
	"context"

	"github.com/dyike/PolishGo/internal/governor"
	"github.com/dyike/PolishGo/internal/llm"
)

// gatedCompleter holds a governor permit for exactly the duration of each
// model call, so segment calls and compression calls share one admission
// limit.
type gatedCompleter struct {
	next      llm.Completer
	gov       *governor.Governor
	sessionID string
}

func gate(next llm.Completer, gov *governor.Governor, sessionID string) llm.Completer {
	if gov == nil {
		return next
	}
	return &gatedCompleter{next: next, gov: gov, sessionID: sessionID}
}

func (g *gatedCompleter) Complete(ctx context.Context, messages []llm.Message, temperature float64, maxTokens *int) (string, error) {
	permit, err := g.gov.Acquire(ctx, g.sessionID)
	if err != nil {
		return "", err
	}
	defer permit.Release()
	return g.next.Complete(ctx, messages, temperature, maxTokens)
}
