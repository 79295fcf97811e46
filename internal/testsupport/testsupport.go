package testsupport

import (
	"context"
	"path/filepath"
	"testing"

	"vidflow/internal/config"
	"vidflow/internal/store"
)

// ConfigOption customizes the config returned by NewConfig.
type ConfigOption func(*config.Config)

// WithMaxRetries overrides workflow.max_retries.
func WithMaxRetries(n int) ConfigOption {
	return func(c *config.Config) { c.Workflow.MaxRetries = n }
}

// WithAPIToken overrides api.token.
func WithAPIToken(token string) ConfigOption {
	return func(c *config.Config) { c.API.Token = token }
}

// NewConfig returns a validated default config whose store lives in a
// per-test temporary directory.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Store.DSN = filepath.Join(t.TempDir(), "vidflow.db")
	cfg.Workflow.PollIntervalSeconds = 1
	cfg.Workflow.SweepIntervalSeconds = 0
	cfg.Notifications.Transport = config.TransportMemory
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config validate: %v", err)
	}
	return &cfg
}

// MustOpenStore opens and initializes the store for cfg and closes it when
// the test ends.
func MustOpenStore(t testing.TB, cfg *config.Config) *store.Store {
	t.Helper()
	ctx := context.Background()
	st, err := store.New(ctx, cfg.Store.DSN)
	if err != nil {
		t.Fatalf("store open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.Init(ctx); err != nil {
		t.Fatalf("store init: %v", err)
	}
	return st
}
