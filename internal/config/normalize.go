package config

import "strings"

func (c *Config) normalize() {
	c.API.Bind = strings.TrimSpace(c.API.Bind)
	c.API.Token = strings.TrimSpace(c.API.Token)
	if c.API.SSEKeepaliveSecs <= 0 {
		c.API.SSEKeepaliveSecs = defaultSSEKeepalive
	}

	c.Store.DSN = strings.TrimSpace(c.Store.DSN)

	c.S3.Endpoint = strings.TrimSpace(c.S3.Endpoint)
	c.S3.PublicEndpoint = strings.TrimSpace(c.S3.PublicEndpoint)
	c.S3.Bucket = strings.TrimSpace(c.S3.Bucket)

	c.Transcription.BaseURL = strings.TrimRight(strings.TrimSpace(c.Transcription.BaseURL), "/")
	if c.Transcription.TimeoutSeconds <= 0 {
		c.Transcription.TimeoutSeconds = defaultHTTPTimeout
	}
	if c.Transcription.PollIntervalSeconds <= 0 {
		c.Transcription.PollIntervalSeconds = defaultPollInterval
	}

	c.Summarization.BaseURL = strings.TrimSpace(c.Summarization.BaseURL)
	c.Summarization.Model = strings.TrimSpace(c.Summarization.Model)
	if c.Summarization.MaxKeyPoints <= 0 {
		c.Summarization.MaxKeyPoints = defaultMaxKeyPoints
	}

	c.Workflow.Dispatch = strings.ToLower(strings.TrimSpace(c.Workflow.Dispatch))
	if c.Workflow.Dispatch == "" {
		c.Workflow.Dispatch = DispatchPoll
	}
	if c.Workflow.PollIntervalSeconds <= 0 {
		c.Workflow.PollIntervalSeconds = defaultQueuePoll
	}
	if c.Workflow.ErrorRetrySeconds <= 0 {
		c.Workflow.ErrorRetrySeconds = defaultErrorRetry
	}
	if c.Workflow.JobTTLHours <= 0 {
		c.Workflow.JobTTLHours = defaultJobTTLHours
	}

	c.Notifications.Transport = strings.ToLower(strings.TrimSpace(c.Notifications.Transport))
	if c.Notifications.Transport == "" {
		c.Notifications.Transport = TransportRedis
	}
	if strings.TrimSpace(c.Notifications.Exchange) == "" {
		c.Notifications.Exchange = defaultExchange
	}
	if c.Notifications.SubscriberBuffer <= 0 {
		c.Notifications.SubscriberBuffer = defaultSubscriberBuffer
	}

	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}
