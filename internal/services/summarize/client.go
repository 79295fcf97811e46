package summarize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"vidflow/internal/services"
)

const (
	serviceName           = "summarization"
	jsonResponseType      = "json_object"
	defaultHTTPTimeout    = 60 * time.Second
	defaultRetryAttempts  = 5
	defaultRetryBaseDelay = time.Second
	defaultRetryMaxDelay  = 10 * time.Second
	defaultMaxKeyPoints   = 5
)

const systemPrompt = `You summarize video transcripts.
Respond with JSON only, using this shape:
{"summary": "<one paragraph>", "key_points": ["<point>", "..."]}
Return at most %d key points. Write in %s.`

// Config captures the runtime settings required to talk to the chat
// completion endpoint.
type Config struct {
	APIKey         string
	BaseURL        string
	Model          string
	TimeoutSeconds int
}

// Options tune a single summary request.
type Options struct {
	MaxKeyPoints int
	Language     string
}

// Result is the generated summary.
type Result struct {
	Summary    string
	KeyPoints  []string
	TokensUsed int
}

// Client wraps an OpenAI-compatible chat completion API.
type Client struct {
	cfg        Config
	httpClient *http.Client

	retryMaxAttempts int
	retryBaseDelay   time.Duration
	retryMaxDelay    time.Duration
	sleeper          func(context.Context, time.Duration) error
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithRetryMaxAttempts overrides the default retry count (defaults to 5).
func WithRetryMaxAttempts(attempts int) Option {
	return func(c *Client) { c.retryMaxAttempts = attempts }
}

// WithRetryBackoff overrides the retry backoff delays.
func WithRetryBackoff(baseDelay, maxDelay time.Duration) Option {
	return func(c *Client) {
		c.retryBaseDelay = baseDelay
		c.retryMaxDelay = maxDelay
	}
}

// NewClient constructs a summarization client using the supplied configuration.
func NewClient(cfg Config, opts ...Option) *Client {
	timeout := defaultHTTPTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	c := &Client{
		cfg: Config{
			APIKey:         strings.TrimSpace(cfg.APIKey),
			BaseURL:        strings.TrimSpace(cfg.BaseURL),
			Model:          strings.TrimSpace(cfg.Model),
			TimeoutSeconds: cfg.TimeoutSeconds,
		},
		httpClient:       &http.Client{Timeout: timeout},
		retryMaxAttempts: defaultRetryAttempts,
		retryBaseDelay:   defaultRetryBaseDelay,
		retryMaxDelay:    defaultRetryMaxDelay,
		sleeper:          services.SleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.retryMaxAttempts < 1 {
		c.retryMaxAttempts = 1
	}
	return c
}

type chatCompletionRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
			Refusal string `json:"refusal"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

type summaryPayload struct {
	Summary   string   `json:"summary"`
	KeyPoints []string `json:"key_points"`
}

// Generate summarizes text.
func (c *Client) Generate(ctx context.Context, text string, opts Options) (Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Result{}, services.Wrap(services.ErrInvalidResponse, serviceName, "generate", "transcript is empty", nil)
	}
	if c.cfg.APIKey == "" {
		return Result{}, services.Wrap(services.ErrConfiguration, serviceName, "generate", "api key required", nil)
	}
	if c.cfg.BaseURL == "" {
		return Result{}, services.Wrap(services.ErrConfiguration, serviceName, "generate", "base url required", nil)
	}
	maxPoints := opts.MaxKeyPoints
	if maxPoints <= 0 {
		maxPoints = defaultMaxKeyPoints
	}
	language := strings.TrimSpace(opts.Language)
	if language == "" {
		language = "English"
	}
	payload := chatCompletionRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: fmt.Sprintf(systemPrompt, maxPoints, language)},
			{Role: "user", Content: text},
		},
		ResponseFormat: map[string]string{"type": jsonResponseType},
	}

	completion, err := c.completeWithRetry(ctx, payload)
	if err != nil {
		return Result{}, err
	}
	if len(completion.Choices) == 0 {
		return Result{}, services.Wrap(services.ErrInvalidResponse, serviceName, "generate", "empty choices", nil)
	}
	choice := completion.Choices[0]
	content := strings.TrimSpace(choice.Message.Content)
	if content == "" {
		msg := fmt.Sprintf("empty content (finish_reason=%q, refusal=%q)", choice.FinishReason, choice.Message.Refusal)
		return Result{}, services.Wrap(services.ErrInvalidResponse, serviceName, "generate", msg, nil)
	}
	var parsed summaryPayload
	if err := json.Unmarshal([]byte(stripCodeFence(content)), &parsed); err != nil {
		return Result{}, services.Wrap(services.ErrInvalidResponse, serviceName, "generate", "parse payload", err)
	}
	parsed.Summary = strings.TrimSpace(parsed.Summary)
	if parsed.Summary == "" {
		return Result{}, services.Wrap(services.ErrInvalidResponse, serviceName, "generate", "summary missing", nil)
	}
	points := make([]string, 0, len(parsed.KeyPoints))
	for _, p := range parsed.KeyPoints {
		if p = strings.TrimSpace(p); p != "" {
			points = append(points, p)
		}
		if len(points) == maxPoints {
			break
		}
	}
	return Result{Summary: parsed.Summary, KeyPoints: points, TokensUsed: completion.Usage.TotalTokens}, nil
}

func (c *Client) completeWithRetry(ctx context.Context, payload chatCompletionRequest) (chatCompletionResponse, error) {
	var lastErr error
	for attempt := 1; attempt <= c.retryMaxAttempts; attempt++ {
		completion, retryAfter, err := c.sendOnce(ctx, payload)
		if err == nil {
			return completion, nil
		}
		lastErr = err
		if !services.IsRetryable(err) || attempt == c.retryMaxAttempts {
			break
		}
		delay := services.Backoff(attempt, c.retryBaseDelay, c.retryMaxDelay)
		if retryAfter > delay {
			delay = retryAfter
		}
		if err := c.sleeper(ctx, delay); err != nil {
			return chatCompletionResponse{}, err
		}
	}
	return chatCompletionResponse{}, lastErr
}

func (c *Client) sendOnce(ctx context.Context, payload chatCompletionRequest) (chatCompletionResponse, time.Duration, error) {
	var completion chatCompletionResponse
	encoded, err := json.Marshal(payload)
	if err != nil {
		return completion, 0, fmt.Errorf("summarization request: encode body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL, bytes.NewReader(encoded))
	if err != nil {
		return completion, 0, fmt.Errorf("summarization request: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return completion, 0, ctx.Err()
		}
		return completion, 0, services.Wrap(services.ErrTransient, serviceName, "generate", "request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return completion, 0, services.Wrap(services.ErrTransient, serviceName, "generate", "read body", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return completion, services.RetryAfter(resp), services.StatusError(serviceName, "generate", resp, string(body))
	}
	if err := json.Unmarshal(body, &completion); err != nil {
		return completion, 0, services.Wrap(services.ErrInvalidResponse, serviceName, "generate", "decode body", err)
	}
	return completion, 0, nil
}

// stripCodeFence removes a markdown ```json fence some models wrap around
// JSON answers.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
