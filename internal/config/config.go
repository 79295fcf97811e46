package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"vidflow/internal/jobs"
)

// API contains HTTP server settings.
type API struct {
	Bind               string `toml:"bind"`
	Token              string `toml:"token"`
	RateLimitPerMinute int    `toml:"rate_limit_per_minute"`
	SSEKeepaliveSecs   int    `toml:"sse_keepalive_seconds"`
	CORSAllowOrigins   string `toml:"cors_allow_origins"`
}

// Store selects the job database. DSNs starting with postgres:// or
// postgresql:// use pgx; anything else is treated as a SQLite path.
type Store struct {
	DSN string `toml:"dsn"`
}

// Redis is shared by the asynq dispatch doorbell and the redis event transport.
type Redis struct {
	Addr     string `toml:"addr"`
	DB       int    `toml:"db"`
	Password string `toml:"password"`
}

// S3 configures the object storage adapter.
type S3 struct {
	Endpoint       string `toml:"endpoint"`
	PublicEndpoint string `toml:"public_endpoint"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	Bucket         string `toml:"bucket"`
	Region         string `toml:"region"`
	UsePathStyle   bool   `toml:"use_path_style"`
	URLTTLSeconds  int    `toml:"url_ttl_seconds"`
}

// Transcription configures the speech-to-text service.
type Transcription struct {
	BaseURL             string `toml:"base_url"`
	APIKey              string `toml:"api_key"`
	TimeoutSeconds      int    `toml:"timeout_seconds"`
	PollIntervalSeconds int    `toml:"poll_interval_seconds"`
	PollTimeoutSeconds  int    `toml:"poll_timeout_seconds"`
}

// Summarization configures the OpenAI-compatible chat completion endpoint.
type Summarization struct {
	APIKey         string `toml:"api_key"`
	BaseURL        string `toml:"base_url"`
	Model          string `toml:"model"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	MaxKeyPoints   int    `toml:"max_key_points"`
	Language       string `toml:"language"`
}

// Workers sets the number of goroutines serving each queue.
type Workers struct {
	VideoProcessing int `toml:"video_processing"`
	Transcription   int `toml:"transcription"`
	Summarization   int `toml:"summarization"`
	Cleanup         int `toml:"cleanup"`
}

// Workflow contains orchestration policy and timing.
type Workflow struct {
	Dispatch              string       `toml:"dispatch"`
	PollIntervalSeconds   int          `toml:"poll_interval_seconds"`
	ErrorRetrySeconds     int          `toml:"error_retry_interval_seconds"`
	MaxRetries            int          `toml:"max_retries"`
	RetryBaseDelaySeconds int          `toml:"retry_base_delay_seconds"`
	RetryMaxDelaySeconds  int          `toml:"retry_max_delay_seconds"`
	JobTTLHours           int          `toml:"job_ttl_hours"`
	SweepIntervalSeconds  int          `toml:"sweep_interval_seconds"`
	Workers               Workers      `toml:"workers"`
	Weights               jobs.Weights `toml:"weights"`
}

// Notifications selects the event transport behind the in-process bus.
type Notifications struct {
	Transport        string `toml:"transport"`
	AMQPURL          string `toml:"amqp_url"`
	Exchange         string `toml:"exchange"`
	SubscriberBuffer int    `toml:"subscriber_buffer"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for vidflow.
//
// Configuration sections by subsystem:
//   - API: HTTP bind address, auth token and rate limit
//   - Store: job database DSN
//   - Redis: asynq doorbell and redis event transport
//   - S3: object storage for uploaded videos
//   - Transcription / Summarization: external adapters
//   - Workflow: workers, retry policy, TTL, sweep interval, progress weights
//   - Notifications: event transport
//   - Logging: log format and level
type Config struct {
	API           API           `toml:"api"`
	Store         Store         `toml:"store"`
	Redis         Redis         `toml:"redis"`
	S3            S3            `toml:"s3"`
	Transcription Transcription `toml:"transcription"`
	Summarization Summarization `toml:"summarization"`
	Workflow      Workflow      `toml:"workflow"`
	Notifications Notifications `toml:"notifications"`
	Logging       Logging       `toml:"logging"`
}

// Load reads the TOML file at path (when it exists), applies environment
// overrides, normalizes and validates the result. It returns the resolved
// path and whether a file was read.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolved, exists, err := resolvePath(path)
	if err != nil {
		return nil, "", false, err
	}
	if exists {
		file, err := os.Open(resolved)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		if err := toml.NewDecoder(file).Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}
	return &cfg, resolved, exists, nil
}

func resolvePath(path string) (string, bool, error) {
	if strings.TrimSpace(path) == "" {
		path = getEnv("VIDFLOW_CONFIG", "vidflow.toml")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", false, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return abs, false, nil
		}
		return "", false, fmt.Errorf("stat config: %w", err)
	}
	if info.IsDir() {
		return "", false, fmt.Errorf("config path %s is a directory", abs)
	}
	return abs, true, nil
}

// JobTTL returns the configured job lifetime.
func (c *Config) JobTTL() time.Duration {
	return time.Duration(c.Workflow.JobTTLHours) * time.Hour
}

// PollInterval returns how long idle workers wait between queue polls.
func (c *Config) PollInterval() time.Duration {
	return seconds(c.Workflow.PollIntervalSeconds)
}

// ErrorRetryInterval returns the pause after a worker fails to read its queue.
func (c *Config) ErrorRetryInterval() time.Duration {
	return seconds(c.Workflow.ErrorRetrySeconds)
}

// SweepInterval returns the expiry sweeper period; zero disables it.
func (c *Config) SweepInterval() time.Duration {
	return seconds(c.Workflow.SweepIntervalSeconds)
}

// RetryPolicy returns the retry backoff derived from the workflow section.
func (c *Config) RetryPolicy() jobs.RetryPolicy {
	return jobs.RetryPolicy{
		BaseDelay: seconds(c.Workflow.RetryBaseDelaySeconds),
		MaxDelay:  seconds(c.Workflow.RetryMaxDelaySeconds),
	}
}

// WorkersFor returns the configured worker count for queue.
func (c *Config) WorkersFor(queue string) int {
	switch queue {
	case jobs.QueueVideoProcessing:
		return c.Workflow.Workers.VideoProcessing
	case jobs.QueueTranscription:
		return c.Workflow.Workers.Transcription
	case jobs.QueueSummarization:
		return c.Workflow.Workers.Summarization
	case jobs.QueueCleanup:
		return c.Workflow.Workers.Cleanup
	}
	return 0
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
