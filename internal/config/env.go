package config

import (
	"os"
	"strconv"
	"time"
)

// applyEnv lets deployment environments override file values.
func (c *Config) applyEnv() {
	c.API.Bind = getEnv("APP_HTTP_ADDR", c.API.Bind)
	c.API.Token = getEnv("API_TOKEN", c.API.Token)
	c.API.RateLimitPerMinute = getEnvInt("RATE_LIMIT_PER_MIN", c.API.RateLimitPerMinute)
	c.API.CORSAllowOrigins = getEnv("CORS_ALLOW_ORIGINS", c.API.CORSAllowOrigins)

	c.Store.DSN = getEnv("DATABASE_URL", c.Store.DSN)

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.DB = getEnvInt("REDIS_DB", c.Redis.DB)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)

	c.S3.Endpoint = getEnv("S3_ENDPOINT", c.S3.Endpoint)
	c.S3.PublicEndpoint = getEnv("S3_PUBLIC_ENDPOINT", c.S3.PublicEndpoint)
	c.S3.AccessKey = getEnv("S3_ACCESS_KEY", c.S3.AccessKey)
	c.S3.SecretKey = getEnv("S3_SECRET_KEY", c.S3.SecretKey)
	c.S3.Bucket = getEnv("S3_BUCKET", c.S3.Bucket)
	c.S3.Region = getEnv("S3_REGION", c.S3.Region)
	c.S3.UsePathStyle = getEnvBool("S3_USE_PATH_STYLE", c.S3.UsePathStyle)
	c.S3.URLTTLSeconds = int(getEnvDuration("S3_URL_TTL", seconds(c.S3.URLTTLSeconds)).Seconds())

	c.Transcription.BaseURL = getEnv("TRANSCRIPTION_BASE_URL", c.Transcription.BaseURL)
	c.Transcription.APIKey = getEnv("TRANSCRIPTION_API_KEY", c.Transcription.APIKey)

	c.Summarization.BaseURL = getEnv("SUMMARIZATION_BASE_URL", c.Summarization.BaseURL)
	c.Summarization.APIKey = getEnv("SUMMARIZATION_API_KEY", c.Summarization.APIKey)
	c.Summarization.Model = getEnv("SUMMARIZATION_MODEL", c.Summarization.Model)

	c.Workflow.Dispatch = getEnv("DISPATCH_MODE", c.Workflow.Dispatch)
	c.Workflow.MaxRetries = getEnvInt("MAX_RETRIES", c.Workflow.MaxRetries)
	c.Workflow.SweepIntervalSeconds = int(getEnvDuration("CLEANUP_INTERVAL", seconds(c.Workflow.SweepIntervalSeconds)).Seconds())

	c.Notifications.Transport = getEnv("EVENT_TRANSPORT", c.Notifications.Transport)
	c.Notifications.AMQPURL = getEnv("AMQP_URL", c.Notifications.AMQPURL)

	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("LOG_FORMAT", c.Logging.Format)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return fallback
}
