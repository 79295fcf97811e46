package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"vidflow/internal/services"
)

const (
	serviceName           = "transcription"
	defaultHTTPTimeout    = 30 * time.Second
	defaultRetryAttempts  = 3
	defaultRetryBaseDelay = time.Second
	defaultRetryMaxDelay  = 10 * time.Second
)

// ErrNotReady is returned by FetchResult while the remote job is still running.
var ErrNotReady = errors.New("transcript not ready")

// Config captures the runtime settings required to talk to the service.
type Config struct {
	BaseURL        string
	APIKey         string
	TimeoutSeconds int
}

// Result is a finished transcript.
type Result struct {
	Text       string
	Confidence float64
}

// Client talks to an AssemblyAI-style transcription API: jobs are submitted
// with an audio URL and polled by id.
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

// WithRetryMaxAttempts overrides the default attempt count (defaults to 3).
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

func NewClient(cfg Config, opts ...Option) *Client {
	timeout := defaultHTTPTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	c := &Client{
		cfg: Config{
			BaseURL:        strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
			APIKey:         strings.TrimSpace(cfg.APIKey),
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

type submitRequest struct {
	AudioURL string `json:"audio_url"`
}

type transcriptResponse struct {
	ID         string  `json:"id"`
	Status     string  `json:"status"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Error      string  `json:"error"`
}

// Submit starts a transcription of audioURL and returns the remote job id.
func (c *Client) Submit(ctx context.Context, audioURL string) (string, error) {
	audioURL = strings.TrimSpace(audioURL)
	if audioURL == "" {
		return "", services.Wrap(services.ErrConfiguration, serviceName, "submit", "audio url required", nil)
	}
	body, err := json.Marshal(submitRequest{AudioURL: audioURL})
	if err != nil {
		return "", err
	}
	var resp transcriptResponse
	if err := c.do(ctx, "submit", http.MethodPost, "/transcript", body, &resp); err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.ID) == "" {
		return "", services.Wrap(services.ErrInvalidResponse, serviceName, "submit", "missing transcript id", nil)
	}
	return resp.ID, nil
}

// FetchResult returns the transcript for id, or ErrNotReady while the remote
// job is queued or processing.
func (c *Client) FetchResult(ctx context.Context, id string) (Result, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Result{}, services.Wrap(services.ErrConfiguration, serviceName, "fetch", "transcript id required", nil)
	}
	var resp transcriptResponse
	if err := c.do(ctx, "fetch", http.MethodGet, "/transcript/"+id, nil, &resp); err != nil {
		return Result{}, err
	}
	switch strings.ToLower(resp.Status) {
	case "completed":
		return Result{Text: resp.Text, Confidence: resp.Confidence}, nil
	case "queued", "processing":
		return Result{}, ErrNotReady
	case "error":
		return Result{}, services.Wrap(services.ErrExternal, serviceName, "fetch", resp.Error, nil)
	default:
		return Result{}, services.Wrap(services.ErrInvalidResponse, serviceName, "fetch", fmt.Sprintf("unknown status %q", resp.Status), nil)
	}
}

func (c *Client) do(ctx context.Context, op, method, path string, body []byte, out any) error {
	if c.cfg.BaseURL == "" {
		return services.Wrap(services.ErrConfiguration, serviceName, op, "base url required", nil)
	}
	var lastErr error
	for attempt := 1; attempt <= c.retryMaxAttempts; attempt++ {
		retryAfter, err := c.doOnce(ctx, op, method, path, body, out)
		if err == nil {
			return nil
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
			return err
		}
	}
	return lastErr
}

func (c *Client) doOnce(ctx context.Context, op, method, path string, body []byte, out any) (time.Duration, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", c.cfg.APIKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, services.Wrap(services.ErrTransient, serviceName, op, "request failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return 0, services.Wrap(services.ErrTransient, serviceName, op, "read body", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return services.RetryAfter(resp), services.StatusError(serviceName, op, resp, string(data))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return 0, services.Wrap(services.ErrInvalidResponse, serviceName, op, "decode body", err)
	}
	return 0, nil
}
