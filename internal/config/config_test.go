package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"vidflow/internal/config"
	"vidflow/internal/jobs"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.toml")
	cfg, resolved, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if exists {
		t.Fatal("expected exists=false")
	}
	if resolved != path {
		t.Fatalf("unexpected resolved path %q", resolved)
	}
	if cfg.Workflow.MaxRetries != jobs.DefaultMaxRetries {
		t.Fatalf("unexpected max retries %d", cfg.Workflow.MaxRetries)
	}
	if cfg.JobTTL() != 7*24*time.Hour {
		t.Fatalf("unexpected ttl %s", cfg.JobTTL())
	}
	if cfg.Workflow.Weights != jobs.DefaultWeights() {
		t.Fatalf("unexpected weights %+v", cfg.Workflow.Weights)
	}
	if cfg.Notifications.Transport != config.TransportRedis {
		t.Fatalf("expected redis event transport by default, got %q", cfg.Notifications.Transport)
	}
}

func TestRequireSharedEvents(t *testing.T) {
	cfg := config.Default()
	if err := cfg.RequireSharedEvents(); err != nil {
		t.Fatalf("default transport should reach other processes: %v", err)
	}
	cfg.Notifications.Transport = config.TransportAMQP
	if err := cfg.RequireSharedEvents(); err != nil {
		t.Fatalf("amqp should reach other processes: %v", err)
	}
	cfg.Notifications.Transport = config.TransportMemory
	err := cfg.RequireSharedEvents()
	if err == nil || !strings.Contains(err.Error(), "notifications.transport") {
		t.Fatalf("expected memory transport to be rejected, got %v", err)
	}
}

func TestLoadSampleConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "vidflow.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample failed: %v", err)
	}
	if err := config.CreateSample(path); err == nil {
		t.Fatal("expected CreateSample to refuse overwrite")
	}
	cfg, _, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !exists {
		t.Fatal("expected exists=true")
	}
	if cfg.API.RateLimitPerMinute != 120 {
		t.Fatalf("unexpected rate limit %d", cfg.API.RateLimitPerMinute)
	}
	if cfg.WorkersFor(jobs.QueueVideoProcessing) != 2 {
		t.Fatalf("unexpected worker count %d", cfg.WorkersFor(jobs.QueueVideoProcessing))
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://vidflow@localhost/vidflow")
	t.Setenv("MAX_RETRIES", "5")
	t.Setenv("CLEANUP_INTERVAL", "1m")

	cfg, _, _, err := config.Load(filepath.Join(t.TempDir(), "none.toml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Store.DSN != "postgres://vidflow@localhost/vidflow" {
		t.Fatalf("unexpected dsn %q", cfg.Store.DSN)
	}
	if cfg.Workflow.MaxRetries != 5 {
		t.Fatalf("unexpected max retries %d", cfg.Workflow.MaxRetries)
	}
	if cfg.SweepInterval() != time.Minute {
		t.Fatalf("unexpected sweep interval %s", cfg.SweepInterval())
	}
}

func TestValidateErrors(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{
			name: "weights",
			body: "[workflow.weights]\nupload = 0.5\ntranscription = 0.5\nsummarization = 0.5\n",
			want: "workflow.weights",
		},
		{
			name: "dispatch",
			body: "[workflow]\ndispatch = \"kafka\"\n",
			want: "workflow.dispatch",
		},
		{
			name: "transport",
			body: "[notifications]\ntransport = \"amqp\"\n",
			want: "notifications.amqp_url",
		},
		{
			name: "retries",
			body: "[workflow]\nmax_retries = -1\n",
			want: "workflow.max_retries",
		},
		{
			name: "log format",
			body: "[logging]\nformat = \"xml\"\n",
			want: "logging.format",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "vidflow.toml")
			if err := os.WriteFile(path, []byte(tc.body), 0o644); err != nil {
				t.Fatalf("write config: %v", err)
			}
			_, _, _, err := config.Load(path)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestRetryPolicyFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Workflow.RetryBaseDelaySeconds = 2
	cfg.Workflow.RetryMaxDelaySeconds = 10
	p := cfg.RetryPolicy()
	if p.BaseDelay != 2*time.Second || p.MaxDelay != 10*time.Second {
		t.Fatalf("unexpected policy %+v", p)
	}
}
