package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dyike/PolishGo/models"
)

const testKey = "sk-test-1234567890abcdef"

func newTestClient(t *testing.T, url string, opts ...Option) *Client {
	t.Helper()
	c, err := NewClient(models.ModelConfig{Model: "gpt-test", APIKey: testKey, BaseURL: url}, opts...)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestCompleteSendsOpenAIRequest(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer "+testKey {
			t.Errorf("unexpected authorization header %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"model":"gpt-test","choices":[{"message":{"role":"assistant","content":"润色结果"}}]}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL+"/v1/")
	maxTokens := 256
	out, err := c.Complete(context.Background(), []Message{SystemMessage("s"), UserMessage("u")}, 0.7, &maxTokens)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out != "润色结果" {
		t.Fatalf("unexpected content %q", out)
	}
	if got.Model != "gpt-test" || len(got.Messages) != 2 || got.Temperature != 0.7 {
		t.Fatalf("unexpected request %+v", got)
	}
	if got.MaxTokens == nil || *got.MaxTokens != 256 {
		t.Fatalf("max_tokens not forwarded")
	}
}

func TestCompleteOmitsMaxTokens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if bytes.Contains(body, []byte("max_tokens")) {
			t.Errorf("max_tokens should be omitted: %s", body)
		}
		io.WriteString(w, `{"choices":[{"message":{"content":"ok"}}]}`)
	}))
	defer srv.Close()

	if _, err := newTestClient(t, srv.URL).Complete(context.Background(), nil, 0.3, nil); err != nil {
		t.Fatalf("Complete: %v", err)
	}
}

func TestCompleteUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error":{"message":"slow down"}}`)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).Complete(context.Background(), nil, 0.7, nil)
	var upstream *UpstreamError
	if !errors.As(err, &upstream) {
		t.Fatalf("expected UpstreamError, got %T %v", err, err)
	}
	if upstream.StatusCode != http.StatusTooManyRequests || !upstream.IsRateLimited() {
		t.Fatalf("unexpected status %d", upstream.StatusCode)
	}
	if !strings.Contains(upstream.Body, "slow down") {
		t.Fatalf("body not captured: %q", upstream.Body)
	}
	if Kind(err) != "upstream" {
		t.Fatalf("unexpected kind %q", Kind(err))
	}
}

func TestCompleteMalformedResponses(t *testing.T) {
	cases := map[string]string{
		"not json":        `<html>`,
		"missing choices": `{"id":"x"}`,
		"empty choices":   `{"choices":[]}`,
		"missing content": `{"choices":[{"message":{"role":"assistant"}}]}`,
		"missing message": `{"choices":[{}]}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				io.WriteString(w, body)
			}))
			defer srv.Close()

			_, err := newTestClient(t, srv.URL).Complete(context.Background(), nil, 0.7, nil)
			var malformed *MalformedResponseError
			if !errors.As(err, &malformed) {
				t.Fatalf("expected MalformedResponseError, got %T %v", err, err)
			}
		})
	}
}

func TestCompleteEmptyContentIsValid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"choices":[{"message":{"content":""}}]}`)
	}))
	defer srv.Close()

	out, err := newTestClient(t, srv.URL).Complete(context.Background(), nil, 0.7, nil)
	if err != nil || out != "" {
		t.Fatalf("expected empty content without error, got %q %v", out, err)
	}
}

func TestCompleteTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, WithTimeout(20*time.Millisecond))
	_, err := c.Complete(context.Background(), nil, 0.7, nil)
	var transport *TransportError
	if !errors.As(err, &transport) {
		t.Fatalf("expected TransportError, got %T %v", err, err)
	}
}

func TestRequestLogsRedactKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"choices":[{"message":{"content":"ok"}}]}`)
	}))
	defer srv.Close()

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	c := newTestClient(t, srv.URL, WithLogger(logger))
	if _, err := c.Complete(context.Background(), []Message{UserMessage("hi")}, 0.7, nil); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	logs := buf.String()
	if strings.Contains(logs, testKey) {
		t.Fatalf("credential leaked into logs:\n%s", logs)
	}
	if !strings.Contains(logs, RedactKey(testKey)) {
		t.Fatalf("redacted credential missing from logs:\n%s", logs)
	}
}

func TestRedactKey(t *testing.T) {
	if got := RedactKey("short"); got != "***" {
		t.Fatalf("short keys must be fully masked, got %q", got)
	}
	if got := RedactKey("sk-abcdefghijklmnop"); got != "sk-abcde...mnop" {
		t.Fatalf("unexpected redaction %q", got)
	}
}

func TestClientsReuseByConfig(t *testing.T) {
	cs := NewClients()
	cfg := models.ModelConfig{Model: "m", BaseURL: "http://example.invalid"}
	a, err := cs.ClientFor(cfg)
	if err != nil {
		t.Fatalf("ClientFor: %v", err)
	}
	b, _ := cs.ClientFor(cfg)
	if a != b {
		t.Fatalf("expected cached client")
	}
	if _, err := cs.ClientFor(models.ModelConfig{BaseURL: "http://x"}); err == nil {
		t.Fatalf("expected error for missing model")
	}
}
