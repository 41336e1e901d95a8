package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// RedisConfig holds the connection settings for the Redis instance backing
// every MarQS key space.
type RedisConfig struct {
	Host        string `json:"host" yaml:"host"`
	Port        int    `json:"port" yaml:"port"`
	Username    string `json:"username" yaml:"username"`
	Password    string `json:"password" yaml:"password"`
	DB          int    `json:"db" yaml:"db"`
	TLSDisabled bool   `json:"tls_disabled" yaml:"tls_disabled"`
}

// ConcurrencyConfig holds the default concurrency ceilings applied when a
// queue, environment, or organization has no explicit limit configured.
type ConcurrencyConfig struct {
	DefaultQueueExecutionLimit int `json:"default_queue_execution_concurrency_limit" yaml:"default_queue_execution_concurrency_limit"`
	DefaultEnvExecutionLimit   int `json:"default_env_execution_concurrency_limit" yaml:"default_env_execution_concurrency_limit"`
	DefaultOrgExecutionLimit   int `json:"default_org_execution_concurrency_limit" yaml:"default_org_execution_concurrency_limit"`
}

// RequeuerConfig holds the background visibility-timeout sweep settings.
type RequeuerConfig struct {
	Workers      int           `json:"workers" yaml:"workers"`
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`
	BatchSize    int           `json:"batch_size" yaml:"batch_size"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Exporter    string  `json:"exporter" yaml:"exporter"` // otlp-http, stdout
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`
	ServiceName string  `json:"service_name" yaml:"service_name"`
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled          bool      `json:"enabled" yaml:"enabled"`
	Namespace        string    `json:"namespace" yaml:"namespace"`
	HistogramBuckets []float64 `json:"histogram_buckets" yaml:"histogram_buckets"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // text, json
}

// ObservabilityConfig bundles tracing, metrics, and logging settings.
type ObservabilityConfig struct {
	Tracing TracingConfig `json:"tracing" yaml:"tracing"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// Config is the central configuration struct for a MarQS daemon process.
type Config struct {
	V3Enabled bool `json:"v3_enabled" yaml:"v3_enabled"`

	Redis             RedisConfig         `json:"redis" yaml:"redis"`
	KeyPrefix         string              `json:"key_prefix" yaml:"key_prefix"`
	VisibilityTimeout time.Duration       `json:"visibility_timeout" yaml:"visibility_timeout"`
	Concurrency       ConcurrencyConfig   `json:"concurrency" yaml:"concurrency"`
	Requeuer          RequeuerConfig      `json:"requeuer" yaml:"requeuer"`
	Observability     ObservabilityConfig `json:"observability" yaml:"observability"`
}

// DefaultConfig returns a Config with sensible defaults, matching the
// constants broker.Config.withDefaults and broker.RequeuerConfig.withDefaults
// fall back to when left unset.
func DefaultConfig() *Config {
	return &Config{
		V3Enabled: true,
		Redis: RedisConfig{
			Host: "127.0.0.1",
			Port: 6379,
			DB:   0,
		},
		KeyPrefix:         "marqs:",
		VisibilityTimeout: 300 * time.Second,
		Concurrency: ConcurrencyConfig{
			DefaultQueueExecutionLimit: 10,
			DefaultEnvExecutionLimit:   10,
			DefaultOrgExecutionLimit:   10,
		},
		Requeuer: RequeuerConfig{
			Workers:      1,
			PollInterval: 1000 * time.Millisecond,
			BatchSize:    10,
		},
		Observability: ObservabilityConfig{
			Tracing: TracingConfig{
				Enabled:     false,
				Exporter:    "otlp-http",
				Endpoint:    "localhost:4318",
				ServiceName: "marqs",
				SampleRate:  1.0,
			},
			Metrics: MetricsConfig{
				Enabled:          true,
				Namespace:        "marqs",
				HistogramBuckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "text",
			},
		},
	}
}

// LoadFromFile loads configuration from a YAML file, starting from
// DefaultConfig so an omitted section keeps its default.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to cfg, using the
// names the dequeue/enqueue scripts' defaults are documented under.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("V3_ENABLED"); v != "" {
		cfg.V3Enabled = parseBool(v)
	}
	if v := os.Getenv("REDIS_HOST"); v != "" {
		cfg.Redis.Host = v
	}
	if v := os.Getenv("REDIS_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Redis.Port = n
		}
	}
	if v := os.Getenv("REDIS_USERNAME"); v != "" {
		cfg.Redis.Username = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("REDIS_TLS_DISABLED"); v != "" {
		cfg.Redis.TLSDisabled = parseBool(v)
	}
	if v := os.Getenv("DEFAULT_QUEUE_EXECUTION_CONCURRENCY_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Concurrency.DefaultQueueExecutionLimit = n
		}
	}
	if v := os.Getenv("DEFAULT_ENV_EXECUTION_CONCURRENCY_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Concurrency.DefaultEnvExecutionLimit = n
		}
	}
	if v := os.Getenv("DEFAULT_ORG_EXECUTION_CONCURRENCY_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Concurrency.DefaultOrgExecutionLimit = n
		}
	}
	if v := os.Getenv("MARQS_TRACING_ENABLED"); v != "" {
		cfg.Observability.Tracing.Enabled = parseBool(v)
	}
	if v := os.Getenv("MARQS_TRACING_ENDPOINT"); v != "" {
		cfg.Observability.Tracing.Endpoint = v
	}
	if v := os.Getenv("MARQS_LOG_LEVEL"); v != "" {
		cfg.Observability.Logging.Level = v
	}
	if v := os.Getenv("MARQS_LOG_FORMAT"); v != "" {
		cfg.Observability.Logging.Format = v
	}
}

func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}
