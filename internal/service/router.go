package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/dyike/PolishGo/consts"
	"github.com/dyike/PolishGo/internal/pipeline"
	"github.com/dyike/PolishGo/internal/storage"
	"github.com/dyike/PolishGo/models"
)

// Version is stamped at build time through -ldflags.
var Version = "dev"

type Response struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data any    `json:"data,omitempty"`
}

func decode(paramsJSON string, v any) error {
	if strings.TrimSpace(paramsJSON) == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(paramsJSON), v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return nil
}

// call decodes params into P and invokes fn.
func call[P any](paramsJSON string, fn func(P) (any, error)) (any, error) {
	var p P
	if err := decode(paramsJSON, &p); err != nil {
		return nil, err
	}
	return fn(p)
}

func SystemInfo() any {
	return map[string]any{
		"version": Version,
		"go":      runtime.Version(),
		"os":      runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// Dispatch routes a JSON method call and returns a JSON envelope.
func (s *Service) Dispatch(method string, paramsJSON string) string {
	ctx := context.Background()
	var result any
	var err error

	switch method {
	case consts.MethodSystemInfo:
		result = SystemInfo()
	case consts.MethodSessionCreate:
		result, err = call(paramsJSON, func(p models.CreateSessionParams) (any, error) {
			return s.CreateSession(ctx, p)
		})
	case consts.MethodSessionStatus:
		result, err = call(paramsJSON, func(p models.SessionParams) (any, error) {
			return s.Status(ctx, p)
		})
	case consts.MethodSessionDetail:
		result, err = call(paramsJSON, func(p models.SessionParams) (any, error) {
			return s.Detail(ctx, p)
		})
	case consts.MethodSessionList:
		result, err = call(paramsJSON, func(p models.ListSessionsParams) (any, error) {
			return s.ListSessions(ctx, p)
		})
	case consts.MethodSessionChanges:
		result, err = call(paramsJSON, func(p models.SessionParams) (any, error) {
			return s.Changes(ctx, p)
		})
	case consts.MethodSessionRetry:
		result, err = call(paramsJSON, func(p models.SessionParams) (any, error) {
			return nil, s.Retry(ctx, p)
		})
	case consts.MethodSessionCancel:
		result, err = call(paramsJSON, func(p models.SessionParams) (any, error) {
			return nil, s.Cancel(ctx, p)
		})
	case consts.MethodSessionDelete:
		result, err = call(paramsJSON, func(p models.SessionParams) (any, error) {
			return nil, s.Delete(ctx, p)
		})
	case consts.MethodSessionExport:
		result, err = call(paramsJSON, func(p models.ExportParams) (any, error) {
			return s.Export(ctx, p)
		})
	case consts.MethodQueueStatus:
		result, err = call(paramsJSON, func(p models.SessionParams) (any, error) {
			return s.QueueStatus(p.SessionID), nil
		})
	case consts.MethodPromptGet:
		result, err = call(paramsJSON, func(p models.PromptParams) (any, error) {
			return s.Prompt(ctx, p)
		})
	case consts.MethodPromptSet:
		result, err = call(paramsJSON, func(p models.PromptParams) (any, error) {
			return nil, s.SetPrompt(ctx, p)
		})
	case consts.MethodPromptReset:
		result, err = call(paramsJSON, func(p models.PromptParams) (any, error) {
			return nil, s.ResetPrompt(ctx, p)
		})
	default:
		return jsonResp(404, "Method not found", nil)
	}
	if err != nil {
		return jsonResp(StatusCode(err), err.Error(), nil)
	}
	return jsonResp(200, "Ok", result)
}

// StatusCode maps an error onto the envelope's HTTP-like code.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return 200
	case errors.Is(err, ErrInvalidParams), errors.Is(err, ErrAckRequired):
		return 400
	case errors.Is(err, storage.ErrNotFound):
		return 404
	case errors.Is(err, pipeline.ErrInvalidState), errors.Is(err, pipeline.ErrConfigChanged),
		errors.Is(err, pipeline.ErrAlreadyRunning):
		return 409
	case errors.Is(err, pipeline.ErrQueueFull):
		return 429
	case errors.Is(err, pipeline.ErrClosed):
		return 503
	default:
		return 500
	}
}

func jsonResp(code int, msg string, data any) string {
	resp := Response{Code: code, Msg: msg, Data: data}
	b, _ := json.Marshal(resp)
	return string(b)
}
