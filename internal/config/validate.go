package config

import (
	"errors"
	"fmt"
	"strings"

	"vidflow/internal/jobs"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateAPI(); err != nil {
		return err
	}
	if err := c.validateStore(); err != nil {
		return err
	}
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	if err := c.validateNotifications(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateAPI() error {
	if c.API.Bind == "" {
		return errors.New("api.bind must be set")
	}
	if c.API.RateLimitPerMinute < 0 {
		return errors.New("api.rate_limit_per_minute must be >= 0")
	}
	return nil
}

func (c *Config) validateStore() error {
	if c.Store.DSN == "" {
		return errors.New("store.dsn must be set")
	}
	return nil
}

func (c *Config) validateWorkflow() error {
	switch c.Workflow.Dispatch {
	case DispatchPoll, DispatchAsynq:
	default:
		return fmt.Errorf("workflow.dispatch must be %q or %q", DispatchPoll, DispatchAsynq)
	}
	if c.Workflow.Dispatch == DispatchAsynq && strings.TrimSpace(c.Redis.Addr) == "" {
		return errors.New("redis.addr must be set when workflow.dispatch is asynq")
	}
	if c.Workflow.MaxRetries < 0 {
		return errors.New("workflow.max_retries must be >= 0")
	}
	if c.Workflow.RetryBaseDelaySeconds < 0 || c.Workflow.RetryMaxDelaySeconds < 0 {
		return errors.New("workflow retry delays must be >= 0")
	}
	if c.Workflow.SweepIntervalSeconds < 0 {
		return errors.New("workflow.sweep_interval_seconds must be >= 0")
	}
	for _, q := range jobs.Queues {
		if c.WorkersFor(q) < 0 {
			return fmt.Errorf("workflow.workers.%s must be >= 0", strings.ReplaceAll(q, "-", "_"))
		}
	}
	if err := c.Workflow.Weights.Validate(); err != nil {
		return fmt.Errorf("workflow.weights: %w", err)
	}
	return nil
}

func (c *Config) validateNotifications() error {
	switch c.Notifications.Transport {
	case TransportMemory:
	case TransportRedis:
		if strings.TrimSpace(c.Redis.Addr) == "" {
			return errors.New("redis.addr must be set when notifications.transport is redis")
		}
	case TransportAMQP:
		if strings.TrimSpace(c.Notifications.AMQPURL) == "" {
			return errors.New("notifications.amqp_url must be set when notifications.transport is amqp")
		}
	default:
		return fmt.Errorf("notifications.transport: unsupported value %q", c.Notifications.Transport)
	}
	return nil
}

// RequireSharedEvents reports an error when the event transport cannot carry
// events between vidflow-worker and vidflow-api.
func (c *Config) RequireSharedEvents() error {
	if c.Notifications.Transport == TransportMemory {
		return fmt.Errorf("notifications.transport %q keeps worker events away from api subscribers; use %q or %q",
			TransportMemory, TransportRedis, TransportAMQP)
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}
