package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/dyike/PolishGo/models"
)

// DefaultTimeout bounds a single chat-completion request.
const DefaultTimeout = 60 * time.Second

// Client talks to one OpenAI-compatible /chat/completions endpoint. It is
// stateless apart from its HTTP connection pool and never retries.
type Client struct {
	http     *resty.Client
	model    string
	apiKey   string
	endpoint string
	logger   *slog.Logger
}

type clientOptions struct {
	timeout    time.Duration
	logger     *slog.Logger
	httpClient *http.Client
}

type Option func(*clientOptions)

func WithTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *clientOptions) {
		o.logger = logger
	}
}

// WithHTTPClient replaces the underlying transport, mainly for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(o *clientOptions) {
		o.httpClient = c
	}
}

func NewClient(cfg models.ModelConfig, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("llm: model is required")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("llm: base url is required")
	}

	options := clientOptions{timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(&options)
	}
	logger := options.logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	var rc *resty.Client
	if options.httpClient != nil {
		rc = resty.NewWithClient(options.httpClient)
	} else {
		rc = resty.New()
	}
	rc.SetTimeout(options.timeout)
	rc.SetHeader("Content-Type", "application/json")
	rc.SetHeader("Accept", "application/json")

	return &Client{
		http:     rc,
		model:    cfg.Model,
		apiKey:   cfg.APIKey,
		endpoint: strings.TrimRight(cfg.BaseURL, "/") + "/chat/completions",
		logger:   logger.With("component", "llm", "model", cfg.Model),
	}, nil
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message *struct {
			Content *string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage json.RawMessage `json:"usage"`
}

// Complete sends messages and returns choices[0].message.content.
func (c *Client) Complete(ctx context.Context, messages []Message, temperature float64, maxTokens *int) (string, error) {
	payload := chatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}

	c.logger.Info("llm request",
		"url", c.endpoint,
		"authorization", "Bearer "+RedactKey(c.apiKey),
		"messages", len(messages),
		"temperature", temperature,
	)
	if c.logger.Enabled(ctx, slog.LevelDebug) {
		if body, err := json.Marshal(payload); err == nil {
			c.logger.Debug("llm request payload", "payload", string(body))
		}
	}

	started := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(c.apiKey).
		SetBody(payload).
		Post(c.endpoint)
	if err != nil {
		c.logger.Warn("llm transport error", "error", err, "elapsed", time.Since(started))
		return "", &TransportError{Err: err}
	}

	body := resp.Body()
	if !resp.IsSuccess() {
		c.logger.Warn("llm upstream error",
			"status", resp.StatusCode(),
			"body", truncate(string(body), maxErrorBody),
			"elapsed", time.Since(started),
		)
		return "", &UpstreamError{
			StatusCode: resp.StatusCode(),
			Body:       truncate(string(body), maxErrorBody),
		}
	}

	var wire chatResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return "", &MalformedResponseError{Reason: fmt.Sprintf("decode body: %v", err)}
	}
	c.logger.Info("llm response",
		"status", resp.StatusCode(),
		"response_model", wire.Model,
		"usage", string(wire.Usage),
		"elapsed", time.Since(started),
	)
	c.logger.Debug("llm response body", "body", string(body))

	if len(wire.Choices) == 0 {
		return "", &MalformedResponseError{Reason: "missing choices"}
	}
	msg := wire.Choices[0].Message
	if msg == nil || msg.Content == nil {
		return "", &MalformedResponseError{Reason: "missing content"}
	}
	return *msg.Content, nil
}

// RedactKey keeps the first 8 and last 4 characters of a credential.
func RedactKey(key string) string {
	if len(key) <= 12 {
		return "***"
	}
	return key[:8] + "..." + key[len(key)-4:]
}

// Clients hands out one Client per distinct model configuration so that
// sessions sharing an endpoint share its connection pool.
type Clients struct {
	mu      sync.Mutex
	opts    []Option
	clients map[models.ModelConfig]*Client
}

func NewClients(opts ...Option) *Clients {
	return &Clients{
		opts:    opts,
		clients: make(map[models.ModelConfig]*Client),
	}
}

func (cs *Clients) ClientFor(cfg models.ModelConfig) (Completer, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if c, ok := cs.clients[cfg]; ok {
		return c, nil
	}
	c, err := NewClient(cfg, cs.opts...)
	if err != nil {
		return nil, err
	}
	cs.clients[cfg] = c
	return c, nil
}
