package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// PostgresConfig holds metadata store connection settings.
type PostgresConfig struct {
	DSN string `json:"dsn" yaml:"dsn"`
}

// RedisConfig holds Redis connection settings for the dispatch queue.
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

// QueueConfig selects and tunes the dispatch transport.
// Mode is one of "redis", "direct", "noop".
type QueueConfig struct {
	Mode          string        `json:"mode" yaml:"mode"`
	Consumers     int           `json:"consumers" yaml:"consumers"`
	PollInterval  time.Duration `json:"poll_interval" yaml:"poll_interval"`
	MaxDeliveries int           `json:"max_deliveries" yaml:"max_deliveries"`
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
	SweepMinAge   time.Duration `json:"sweep_min_age" yaml:"sweep_min_age"`
}

// WorkerConfig describes the execution boundary: the internal invoke
// endpoint plus the external executor the worker calls out to.
type WorkerConfig struct {
	// InvokeURL is where the queue transport delivers dispatch messages
	// (the local /internal/worker/invoke endpoint).
	InvokeURL string `json:"invoke_url" yaml:"invoke_url"`
	// Secret authenticates dispatch deliveries (shared bearer credential).
	Secret string `json:"secret" yaml:"secret"`
	// ExecutorURL is the external agent executor. Empty means simulated
	// execution.
	ExecutorURL string `json:"executor_url" yaml:"executor_url"`
}

// LimitsConfig carries the process-wide default tenant quotas.
// Tenant settings override these per call.
type LimitsConfig struct {
	MaxAgents                int   `json:"max_agents" yaml:"max_agents"`
	MaxConcurrentInvocations int   `json:"max_concurrent_invocations" yaml:"max_concurrent_invocations"`
	InvocationTimeoutSec     int   `json:"invocation_timeout_sec" yaml:"invocation_timeout_sec"`
	MaxRequestBodyBytes      int64 `json:"max_request_body_bytes" yaml:"max_request_body_bytes"`
	MaxStorageMB             int   `json:"max_storage_mb" yaml:"max_storage_mb"`
	MaxAPIKeys               int   `json:"max_api_keys" yaml:"max_api_keys"`
}

// TelemetryConfig holds tracing settings.
type TelemetryConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`
	ServiceName string  `json:"service_name" yaml:"service_name"`
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	HTTPAddr  string `json:"http_addr" yaml:"http_addr"`
	LogLevel  string `json:"log_level" yaml:"log_level"`
	LogFormat string `json:"log_format" yaml:"log_format"`
}

// Config is the central configuration struct embedding all component configs.
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Postgres  PostgresConfig  `json:"postgres" yaml:"postgres"`
	Redis     RedisConfig     `json:"redis" yaml:"redis"`
	Queue     QueueConfig     `json:"queue" yaml:"queue"`
	Worker    WorkerConfig    `json:"worker" yaml:"worker"`
	Limits    LimitsConfig    `json:"limits" yaml:"limits"`
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:  ":8080",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Queue: QueueConfig{
			Mode:          "direct",
			Consumers:     4,
			PollInterval:  500 * time.Millisecond,
			MaxDeliveries: 3,
			SweepInterval: time.Minute,
			SweepMinAge:   5 * time.Minute,
		},
		Limits: LimitsConfig{
			MaxAgents:                50,
			MaxConcurrentInvocations: 10,
			InvocationTimeoutSec:     300,
			MaxRequestBodyBytes:      1 << 20,
			MaxStorageMB:             100,
			MaxAPIKeys:               20,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "agnxi",
			Endpoint:    "localhost:4318",
			SampleRate:  1.0,
		},
	}
}

// LoadFromFile loads configuration from a JSON or YAML file, keyed on the
// file extension. Missing fields keep their defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the config.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("AGNXI_HTTP_ADDR"); v != "" {
		cfg.Server.HTTPAddr = v
	}
	if v := os.Getenv("AGNXI_LOG_LEVEL"); v != "" {
		cfg.Server.LogLevel = v
	}
	if v := os.Getenv("AGNXI_POSTGRES_DSN"); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := os.Getenv("AGNXI_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("AGNXI_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("AGNXI_QUEUE_MODE"); v != "" {
		cfg.Queue.Mode = v
	}
	if v := os.Getenv("AGNXI_WORKER_INVOKE_URL"); v != "" {
		cfg.Worker.InvokeURL = v
	}
	if v := os.Getenv("AGNXI_WORKER_SECRET"); v != "" {
		cfg.Worker.Secret = v
	}
	if v := os.Getenv("AGNXI_AGENT_EXECUTOR_URL"); v != "" {
		cfg.Worker.ExecutorURL = v
	}
	if v := os.Getenv("AGNXI_LIMITS_MAX_AGENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Limits.MaxAgents = n
		}
	}
	if v := os.Getenv("AGNXI_LIMITS_MAX_CONCURRENT_INVOCATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Limits.MaxConcurrentInvocations = n
		}
	}
	if v := os.Getenv("AGNXI_LIMITS_INVOCATION_TIMEOUT_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Limits.InvocationTimeoutSec = n
		}
	}
	if v := os.Getenv("AGNXI_LIMITS_MAX_REQUEST_BODY_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.Limits.MaxRequestBodyBytes = n
		}
	}
	if v := os.Getenv("AGNXI_LIMITS_MAX_STORAGE_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Limits.MaxStorageMB = n
		}
	}
	if v := os.Getenv("AGNXI_LIMITS_MAX_API_KEYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Limits.MaxAPIKeys = n
		}
	}
}
