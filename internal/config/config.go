// Package config loads and validates service configuration via Viper.
// Values come from an optional YAML file and from APPLY_AGENT_* environment
// variables, with env taking precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	DB       DBConfig       `mapstructure:"db"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Gemini   GeminiConfig   `mapstructure:"gemini"`
	Fetch    FetchConfig    `mapstructure:"fetch"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                int `mapstructure:"port"`
	ReadTimeoutSeconds  int `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSeconds int `mapstructure:"write_timeout_seconds"`
}

// DBConfig controls access to PostgreSQL. An empty DSN selects the
// in-memory store.
type DBConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig controls the shared answer cache. An empty address selects
// the in-process cache.
type RedisConfig struct {
	Addr       string `mapstructure:"addr"`
	Password   string `mapstructure:"password"`
	DB         int    `mapstructure:"db"`
	TTLMinutes int    `mapstructure:"ttl_minutes"`
}

// GeminiConfig holds model access settings.
type GeminiConfig struct {
	APIKey string `mapstructure:"api_key"`
}

// FetchConfig governs page retrieval.
type FetchConfig struct {
	TimeoutSeconds       int    `mapstructure:"timeout_seconds"`
	RenderTimeoutSeconds int    `mapstructure:"render_timeout_seconds"`
	UserAgent            string `mapstructure:"user_agent"`
}

// PipelineConfig tunes the orchestrator and its worker pool.
type PipelineConfig struct {
	Workers                  int `mapstructure:"workers"`
	QueueDepth               int `mapstructure:"queue_depth"`
	MaxConcurrentGenerations int `mapstructure:"max_concurrent_generations"`
	TaskAttemptCeiling       int `mapstructure:"task_attempt_ceiling"`
	CallTimeoutSeconds       int `mapstructure:"call_timeout_seconds"`
}

// LoggingConfig selects the log profile.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load reads configuration from the optional file at path and from the
// environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("APPLY_AGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout_seconds", 15)
	v.SetDefault("server.write_timeout_seconds", 30)
	// Empty-string defaults so env-only overrides bind through Unmarshal.
	v.SetDefault("db.dsn", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("gemini.api_key", "")
	v.SetDefault("fetch.user_agent", "")
	v.SetDefault("redis.ttl_minutes", 24*60)
	v.SetDefault("fetch.timeout_seconds", 30)
	v.SetDefault("fetch.render_timeout_seconds", 60)
	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.queue_depth", 64)
	v.SetDefault("pipeline.max_concurrent_generations", 8)
	v.SetDefault("pipeline.task_attempt_ceiling", 3)
	v.SetDefault("pipeline.call_timeout_seconds", 60)
	v.SetDefault("logging.development", false)
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}
	if c.Pipeline.Workers <= 0 {
		return fmt.Errorf("pipeline.workers must be positive")
	}
	if c.Pipeline.MaxConcurrentGenerations <= 0 {
		return fmt.Errorf("pipeline.max_concurrent_generations must be positive")
	}
	if c.Pipeline.TaskAttemptCeiling <= 0 {
		return fmt.Errorf("pipeline.task_attempt_ceiling must be positive")
	}
	return nil
}

// ReadTimeout returns the HTTP read timeout as a duration.
func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.Server.ReadTimeoutSeconds) * time.Second
}

// WriteTimeout returns the HTTP write timeout as a duration.
func (c *Config) WriteTimeout() time.Duration {
	return time.Duration(c.Server.WriteTimeoutSeconds) * time.Second
}

// FetchTimeout returns the static fetch timeout as a duration.
func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}

// RenderTimeout returns the headless render timeout as a duration.
func (c *Config) RenderTimeout() time.Duration {
	return time.Duration(c.Fetch.RenderTimeoutSeconds) * time.Second
}

// CallTimeout returns the per-call timeout as a duration.
func (c *Config) CallTimeout() time.Duration {
	return time.Duration(c.Pipeline.CallTimeoutSeconds) * time.Second
}

// CacheTTL returns the Redis answer cache TTL as a duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Redis.TTLMinutes) * time.Minute
}
