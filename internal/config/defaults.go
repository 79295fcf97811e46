package config

import "vidflow/internal/jobs"

const (
	DispatchPoll  = "poll"
	DispatchAsynq = "asynq"

	TransportMemory = "memory"
	TransportRedis  = "redis"
	TransportAMQP   = "amqp"
)

const (
	defaultAPIBind          = ":8080"
	defaultSSEKeepalive     = 15
	defaultStoreDSN         = "vidflow.db"
	defaultRedisAddr        = "localhost:6379"
	defaultS3Endpoint       = "http://localhost:9000"
	defaultS3Bucket         = "vidflow"
	defaultS3Region         = "us-east-1"
	defaultS3URLTTL         = 6 * 60 * 60
	defaultTranscriptionURL = "https://api.assemblyai.com/v2"
	defaultHTTPTimeout      = 30
	defaultPollInterval     = 5
	defaultPollTimeout      = 30 * 60
	defaultSummaryURL       = "https://api.openai.com/v1/chat/completions"
	defaultSummaryModel     = "gpt-4o-mini"
	defaultSummaryTimeout   = 60
	defaultMaxKeyPoints     = 5
	defaultQueuePoll        = 2
	defaultErrorRetry       = 10
	defaultJobTTLHours      = 7 * 24
	defaultSweepInterval    = 15 * 60
	defaultExchange         = "vidflow.events"
	defaultSubscriberBuffer = 32
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		API: API{
			Bind:             defaultAPIBind,
			SSEKeepaliveSecs: defaultSSEKeepalive,
		},
		Store: Store{DSN: defaultStoreDSN},
		Redis: Redis{Addr: defaultRedisAddr},
		S3: S3{
			Endpoint:      defaultS3Endpoint,
			Bucket:        defaultS3Bucket,
			Region:        defaultS3Region,
			UsePathStyle:  true,
			URLTTLSeconds: defaultS3URLTTL,
		},
		Transcription: Transcription{
			BaseURL:             defaultTranscriptionURL,
			TimeoutSeconds:      defaultHTTPTimeout,
			PollIntervalSeconds: defaultPollInterval,
			PollTimeoutSeconds:  defaultPollTimeout,
		},
		Summarization: Summarization{
			BaseURL:        defaultSummaryURL,
			Model:          defaultSummaryModel,
			TimeoutSeconds: defaultSummaryTimeout,
			MaxKeyPoints:   defaultMaxKeyPoints,
		},
		Workflow: Workflow{
			Dispatch:             DispatchPoll,
			PollIntervalSeconds:  defaultQueuePoll,
			ErrorRetrySeconds:    defaultErrorRetry,
			MaxRetries:           jobs.DefaultMaxRetries,
			JobTTLHours:          defaultJobTTLHours,
			SweepIntervalSeconds: defaultSweepInterval,
			Workers: Workers{
				VideoProcessing: 2,
				Transcription:   1,
				Summarization:   1,
				Cleanup:         1,
			},
			Weights: jobs.DefaultWeights(),
		},
		Notifications: Notifications{
			Transport:        TransportRedis,
			Exchange:         defaultExchange,
			SubscriberBuffer: defaultSubscriberBuffer,
		},
		Logging: Logging{
			Format: "console",
			Level:  "info",
		},
	}
}
