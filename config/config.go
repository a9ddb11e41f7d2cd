package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ErlanBelekov/krithi-import/internal/llm"
	"github.com/ErlanBelekov/krithi-import/internal/pipeline"
	"github.com/ErlanBelekov/krithi-import/internal/ratelimit"
	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

type Config struct {
	Env         string `env:"ENV"          envDefault:"local" validate:"required,oneof=local staging production"`
	Port        string `env:"PORT"         envDefault:"8080"  validate:"required"`
	MetricsPort string `env:"METRICS_PORT" envDefault:"9090"`
	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info"  validate:"oneof=debug info warn error"`
	LogFile     string `env:"LOG_FILE"`

	DatabaseURL    string `env:"DATABASE_URL,required" validate:"required"`
	MigrateOnStart bool   `env:"MIGRATE_ON_START"      envDefault:"true"`

	ManifestWorkers         int `env:"MANIFEST_WORKERS"          envDefault:"1"  validate:"min=1,max=16"`
	ScrapeWorkers           int `env:"SCRAPE_WORKERS"            envDefault:"3"  validate:"min=1,max=64"`
	ResolutionWorkers       int `env:"RESOLUTION_WORKERS"        envDefault:"2"  validate:"min=1,max=64"`
	ManifestQueueCapacity   int `env:"MANIFEST_QUEUE_CAPACITY"   envDefault:"4"  validate:"min=1"`
	ScrapeQueueCapacity     int `env:"SCRAPE_QUEUE_CAPACITY"     envDefault:"32" validate:"min=1"`
	ResolutionQueueCapacity int `env:"RESOLUTION_QUEUE_CAPACITY" envDefault:"32" validate:"min=1"`

	PollIntervalMS   int `env:"POLL_INTERVAL_MS"    envDefault:"750"   validate:"min=10"`
	MaxPollBackoffMS int `env:"MAX_POLL_BACKOFF_MS" envDefault:"15000" validate:"gtefield=PollIntervalMS"`
	BatchClaimSize   int `env:"BATCH_CLAIM_SIZE"    envDefault:"8"     validate:"min=1,max=500"`
	MaxAttempts      int `env:"MAX_ATTEMPTS"        envDefault:"3"     validate:"min=1,max=20"`

	PerDomainRateLimitPerMinute int      `env:"PER_DOMAIN_RATE_LIMIT_PER_MINUTE" envDefault:"12" validate:"min=1"`
	SlowHostRateLimitPerMinute  int      `env:"SLOW_HOST_RATE_LIMIT_PER_MINUTE"  envDefault:"4"  validate:"min=1"`
	GlobalRateLimitPerMinute    int      `env:"GLOBAL_RATE_LIMIT_PER_MINUTE"     envDefault:"50" validate:"min=1"`
	SlowHosts                   []string `env:"SLOW_HOSTS"                       envSeparator:","`
	RateWindowCapacity          int      `env:"RATE_WINDOW_CAPACITY"             envDefault:"1024" validate:"min=1"`

	StuckTaskThresholdMS int `env:"STUCK_TASK_THRESHOLD_MS" envDefault:"600000" validate:"min=1000"`
	WatchdogIntervalSec  int `env:"WATCHDOG_INTERVAL_SEC"   envDefault:"60"     validate:"min=1"`

	LLMEndpoint              string  `env:"LLM_ENDPOINT"                validate:"omitempty,url"`
	LLMFallbackEndpoint      string  `env:"LLM_FALLBACK_ENDPOINT"       validate:"omitempty,url"`
	LLMAPIKey                string  `env:"LLM_API_KEY"                 validate:"required_with=LLMEndpoint"`
	LLMModel                 string  `env:"LLM_MODEL"`
	LLMFallbackModel         string  `env:"LLM_FALLBACK_MODEL"`
	LLMMinIntervalMS         int     `env:"LLM_MIN_INTERVAL_MS"         envDefault:"350"    validate:"min=0"`
	LLMQPS                   float64 `env:"LLM_QPS"                     envDefault:"2"      validate:"min=0"`
	LLMMaxConcurrent         int64   `env:"LLM_MAX_CONCURRENT"          envDefault:"4"      validate:"min=1"`
	LLMJitterMS              int     `env:"LLM_JITTER_MS"               envDefault:"250"    validate:"min=0"`
	LLMMaxCooldownMultiplier float64 `env:"LLM_MAX_COOLDOWN_MULTIPLIER" envDefault:"16"     validate:"min=1"`
	LLMMaxRetries            int     `env:"LLM_MAX_RETRIES"             envDefault:"5"      validate:"min=0"`
	LLMInitialDelayMS        int     `env:"LLM_INITIAL_DELAY_MS"        envDefault:"1000"   validate:"min=0"`
	LLMMaxDelayMS            int     `env:"LLM_MAX_DELAY_MS"            envDefault:"30000"  validate:"min=0"`
	LLMMaxRetryWindowMS      int     `env:"LLM_MAX_RETRY_WINDOW_MS"     envDefault:"120000" validate:"min=0"`

	ScrapeTimeoutSec     int      `env:"SCRAPE_TIMEOUT_SEC"     envDefault:"30"  validate:"min=1"`
	AutoApproveThreshold float64  `env:"AUTO_APPROVE_THRESHOLD" envDefault:"0.9" validate:"gte=0,lte=1"`
	TrustedSources       []string `env:"TRUSTED_SOURCES"       envSeparator:","`

	ResendAPIKey string `env:"RESEND_API_KEY"`
	ResendFrom   string `env:"RESEND_FROM"   validate:"required_with=NotifyEmail"`
	NotifyEmail  string `env:"NOTIFY_EMAIL"  validate:"omitempty,email"`
}

func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	// Outside local the sender talks to resend and needs a key.
	if cfg.NotifyEmail != "" && cfg.Env != "local" && cfg.ResendAPIKey == "" {
		return nil, fmt.Errorf("invalid config: RESEND_API_KEY is required when NOTIFY_EMAIL is set in %s", cfg.Env)
	}

	return cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func (c *Config) PipelineOptions() pipeline.Options {
	return pipeline.Options{
		ManifestWorkers:         c.ManifestWorkers,
		ScrapeWorkers:           c.ScrapeWorkers,
		ResolutionWorkers:       c.ResolutionWorkers,
		ManifestQueueCapacity:   c.ManifestQueueCapacity,
		ScrapeQueueCapacity:     c.ScrapeQueueCapacity,
		ResolutionQueueCapacity: c.ResolutionQueueCapacity,
		PollInterval:            ms(c.PollIntervalMS),
		MaxPollBackoff:          ms(c.MaxPollBackoffMS),
		BatchClaimSize:          c.BatchClaimSize,
		MaxAttempts:             c.MaxAttempts,
		StuckTaskThreshold:      ms(c.StuckTaskThresholdMS),
		WatchdogInterval:        time.Duration(c.WatchdogIntervalSec) * time.Second,
	}
}

func (c *Config) WindowConfig() ratelimit.WindowConfig {
	cfg := ratelimit.DefaultWindowConfig()
	cfg.PerDomainPerMinute = c.PerDomainRateLimitPerMinute
	cfg.SlowHostPerMinute = c.SlowHostRateLimitPerMinute
	cfg.GlobalPerMinute = c.GlobalRateLimitPerMinute
	cfg.SlowHosts = c.SlowHosts
	cfg.Capacity = c.RateWindowCapacity
	return cfg
}

func (c *Config) AdaptiveConfig() ratelimit.AdaptiveConfig {
	return ratelimit.AdaptiveConfig{
		MinInterval:   ms(c.LLMMinIntervalMS),
		QPS:           c.LLMQPS,
		MaxConcurrent: c.LLMMaxConcurrent,
		Jitter:        ms(c.LLMJitterMS),
		MaxMultiplier: c.LLMMaxCooldownMultiplier,
	}
}

func (c *Config) LLMConfig() llm.Config {
	return llm.Config{
		Endpoint:         c.LLMEndpoint,
		FallbackEndpoint: c.LLMFallbackEndpoint,
		APIKey:           c.LLMAPIKey,
		Model:            c.LLMModel,
		FallbackModel:    c.LLMFallbackModel,
		MaxRetries:       c.LLMMaxRetries,
		InitialDelay:     ms(c.LLMInitialDelayMS),
		MaxDelay:         ms(c.LLMMaxDelayMS),
		MaxRetryWindow:   ms(c.LLMMaxRetryWindowMS),
		Jitter:           ms(c.LLMJitterMS),
		Timeout:          time.Duration(c.ScrapeTimeoutSec) * time.Second,
	}
}
