package config

import (
	"time"

	"github.com/spf13/viper"

	"github.com/songforge/pipeline/internal/model"
)

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Stream    StreamConfig
	Retry     RetryConfig
	Retention RetentionConfig
	Workers   map[model.QueueName]WorkerConfig
	Stages    StagesConfig
}

type ServerConfig struct {
	Port string
	Env  string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type StreamConfig struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	ReconnectInitial  time.Duration
	ReconnectMax      time.Duration
	ReconnectAttempts int
}

type RetryConfig struct {
	MaxAttempts int
	BackoffBase time.Duration
}

type RetentionConfig struct {
	CompletedAge    time.Duration
	CompletedCap    int
	JanitorInterval time.Duration
}

// WorkerConfig sizes one stage's pool. A zero RateMax disables the rolling
// window limiter for that stage.
type WorkerConfig struct {
	Concurrency int
	RateMax     int
	RateWindow  time.Duration
}

// StagesConfig carries the tuned per-stage duration estimates used for
// weighted progress and ETA.
type StagesConfig struct {
	EstimatesMs map[model.Stage]int64
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Environment variables
	viper.AutomaticEnv()

	// Defaults
	viper.SetDefault("server.port", "3000")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("stream.heartbeat_interval_ms", 15000)
	viper.SetDefault("stream.heartbeat_timeout_ms", 15000)
	viper.SetDefault("stream.reconnect_initial_ms", 500)
	viper.SetDefault("stream.reconnect_max_ms", 8000)
	viper.SetDefault("stream.reconnect_attempts", 10)
	viper.SetDefault("retry.max_attempts", 3)
	viper.SetDefault("retry.backoff_base_ms", 5000)
	viper.SetDefault("retention.completed_age_hours", 24)
	viper.SetDefault("retention.completed_cap", 1000)
	viper.SetDefault("retention.janitor_interval_ms", 60000)

	for stage, ms := range model.DefaultStageEstimates() {
		viper.SetDefault("stages.estimates_ms."+string(stage), ms)
	}

	// Per-queue worker sizing. Heavier render stages get a rolling-window
	// rate limit to protect downstream inference services.
	defaultWorkers := map[model.QueueName]WorkerConfig{
		model.QueueAnalyze:     {Concurrency: 4},
		model.QueuePlan:        {Concurrency: 4},
		model.QueueMelody:      {Concurrency: 4},
		model.QueueMusicRender: {Concurrency: 6, RateMax: 10, RateWindow: time.Minute},
		model.QueueVocalRender: {Concurrency: 4, RateMax: 6, RateWindow: time.Minute},
		model.QueueMix:         {Concurrency: 2},
		model.QueueSimilarity:  {Concurrency: 2},
		model.QueueExport:      {Concurrency: 4},
		model.QueueSection:     {Concurrency: 10},
	}
	for q, wc := range defaultWorkers {
		viper.SetDefault("workers."+string(q)+".concurrency", wc.Concurrency)
		viper.SetDefault("workers."+string(q)+".rate_max", wc.RateMax)
		viper.SetDefault("workers."+string(q)+".rate_window_ms", int64(wc.RateWindow/time.Millisecond))
	}

	// Try to read config file (optional)
	_ = viper.ReadInConfig()

	workers := make(map[model.QueueName]WorkerConfig, len(defaultWorkers))
	for q := range defaultWorkers {
		prefix := "workers." + string(q)
		workers[q] = WorkerConfig{
			Concurrency: viper.GetInt(prefix + ".concurrency"),
			RateMax:     viper.GetInt(prefix + ".rate_max"),
			RateWindow:  time.Duration(viper.GetInt64(prefix+".rate_window_ms")) * time.Millisecond,
		}
	}

	estimates := make(map[model.Stage]int64)
	for stage := range model.DefaultStageEstimates() {
		estimates[stage] = viper.GetInt64("stages.estimates_ms." + string(stage))
	}

	cfg := &Config{
		Server: ServerConfig{
			Port: viper.GetString("server.port"),
			Env:  viper.GetString("server.env"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		Stream: StreamConfig{
			HeartbeatInterval: time.Duration(viper.GetInt64("stream.heartbeat_interval_ms")) * time.Millisecond,
			HeartbeatTimeout:  time.Duration(viper.GetInt64("stream.heartbeat_timeout_ms")) * time.Millisecond,
			ReconnectInitial:  time.Duration(viper.GetInt64("stream.reconnect_initial_ms")) * time.Millisecond,
			ReconnectMax:      time.Duration(viper.GetInt64("stream.reconnect_max_ms")) * time.Millisecond,
			ReconnectAttempts: viper.GetInt("stream.reconnect_attempts"),
		},
		Retry: RetryConfig{
			MaxAttempts: viper.GetInt("retry.max_attempts"),
			BackoffBase: time.Duration(viper.GetInt64("retry.backoff_base_ms")) * time.Millisecond,
		},
		Retention: RetentionConfig{
			CompletedAge:    time.Duration(viper.GetInt("retention.completed_age_hours")) * time.Hour,
			CompletedCap:    viper.GetInt("retention.completed_cap"),
			JanitorInterval: time.Duration(viper.GetInt64("retention.janitor_interval_ms")) * time.Millisecond,
		},
		Workers: workers,
		Stages:  StagesConfig{EstimatesMs: estimates},
	}

	return cfg, nil
}
