// Package config loads and validates the application configuration
// from environment variables, with an optional YAML file overlay.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Server  ServerConfig  `json:"server" yaml:"server"`
	Engine  EngineConfig  `json:"engine" yaml:"engine"`
	History HistoryConfig `json:"history" yaml:"history"`
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// ServerConfig represents HTTP server configuration.
type ServerConfig struct {
	Host         string `json:"host" yaml:"host"`
	Port         int    `json:"port" yaml:"port"`
	ReadTimeout  int    `json:"read_timeout_seconds" yaml:"read_timeout_seconds"`
	WriteTimeout int    `json:"write_timeout_seconds" yaml:"write_timeout_seconds"`
}

// EngineConfig represents reconciliation engine configuration.
type EngineConfig struct {
	SeverityLow          float64  `json:"severity_low" yaml:"severity_low"`
	SeverityMedium       float64  `json:"severity_medium" yaml:"severity_medium"`
	SeverityHigh         float64  `json:"severity_high" yaml:"severity_high"`
	BatchSize            int      `json:"batch_size" yaml:"batch_size"`
	AutoResolveThreshold float64  `json:"auto_resolve_threshold" yaml:"auto_resolve_threshold"`
	LearningEnabled      bool     `json:"learning_enabled" yaml:"learning_enabled"`
	SourcePriority       []string `json:"source_priority" yaml:"source_priority"`
	DefaultStrategy      string   `json:"default_strategy" yaml:"default_strategy"`
	JobRetentionMinutes  int      `json:"job_retention_minutes" yaml:"job_retention_minutes"`
}

// HistoryConfig represents history persistence configuration.
type HistoryConfig struct {
	// Provider selects the durable backend: "memory", "sqlite" or "redis".
	Provider        string `json:"provider" yaml:"provider"`
	SQLitePath      string `json:"sqlite_path" yaml:"sqlite_path"`
	RedisAddr       string `json:"redis_addr" yaml:"redis_addr"`
	RedisPassword   string `json:"-" yaml:"redis_password"`
	RedisDB         int    `json:"redis_db" yaml:"redis_db"`
	MaxRecords      int    `json:"max_records" yaml:"max_records"`
	TrimIntervalSec int    `json:"trim_interval_seconds" yaml:"trim_interval_seconds"`
}

// LoggingConfig represents logging configuration.
type LoggingConfig struct {
	Level string `json:"level" yaml:"level"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "localhost",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Engine: EngineConfig{
			SeverityLow:          0.3,
			SeverityMedium:       0.6,
			SeverityHigh:         0.8,
			BatchSize:            50,
			AutoResolveThreshold: 0.8,
			LearningEnabled:      true,
			SourcePriority:       []string{"local", "remote", "import"},
			DefaultStrategy:      "",
			JobRetentionMinutes:  60,
		},
		History: HistoryConfig{
			Provider:        "memory",
			SQLitePath:      "./data/history.db",
			RedisAddr:       "localhost:6379",
			MaxRecords:      1000,
			TrimIntervalSec: 300,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfig builds the configuration from defaults, an optional YAML
// file named by CONFIG_FILE, and environment variables, in that order.
func LoadConfig() (*Config, error) {
	// Load .env if present; a missing file is not an error.
	_ = godotenv.Load()

	cfg := DefaultConfig()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	cfg.loadEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

func (c *Config) loadEnv() {
	c.Server.Host = getEnv("SERVER_HOST", c.Server.Host)
	c.Server.Port = getEnvInt("SERVER_PORT", c.Server.Port)
	c.Server.ReadTimeout = getEnvInt("SERVER_READ_TIMEOUT", c.Server.ReadTimeout)
	c.Server.WriteTimeout = getEnvInt("SERVER_WRITE_TIMEOUT", c.Server.WriteTimeout)

	c.Engine.SeverityLow = getEnvFloat("ENGINE_SEVERITY_LOW", c.Engine.SeverityLow)
	c.Engine.SeverityMedium = getEnvFloat("ENGINE_SEVERITY_MEDIUM", c.Engine.SeverityMedium)
	c.Engine.SeverityHigh = getEnvFloat("ENGINE_SEVERITY_HIGH", c.Engine.SeverityHigh)
	c.Engine.BatchSize = getEnvInt("ENGINE_BATCH_SIZE", c.Engine.BatchSize)
	c.Engine.AutoResolveThreshold = getEnvFloat("ENGINE_AUTO_RESOLVE_THRESHOLD", c.Engine.AutoResolveThreshold)
	c.Engine.LearningEnabled = getEnvBool("ENGINE_LEARNING_ENABLED", c.Engine.LearningEnabled)
	c.Engine.DefaultStrategy = getEnv("ENGINE_DEFAULT_STRATEGY", c.Engine.DefaultStrategy)
	c.Engine.JobRetentionMinutes = getEnvInt("ENGINE_JOB_RETENTION_MINUTES", c.Engine.JobRetentionMinutes)
	if v := os.Getenv("ENGINE_SOURCE_PRIORITY"); v != "" {
		c.Engine.SourcePriority = splitList(v)
	}

	c.History.Provider = getEnv("HISTORY_PROVIDER", c.History.Provider)
	c.History.SQLitePath = getEnv("HISTORY_SQLITE_PATH", c.History.SQLitePath)
	c.History.RedisAddr = getEnv("HISTORY_REDIS_ADDR", c.History.RedisAddr)
	c.History.RedisPassword = getEnv("HISTORY_REDIS_PASSWORD", c.History.RedisPassword)
	c.History.RedisDB = getEnvInt("HISTORY_REDIS_DB", c.History.RedisDB)
	c.History.MaxRecords = getEnvInt("HISTORY_MAX_RECORDS", c.History.MaxRecords)
	c.History.TrimIntervalSec = getEnvInt("HISTORY_TRIM_INTERVAL", c.History.TrimIntervalSec)

	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Engine.BatchSize <= 0 {
		return fmt.Errorf("invalid batch size: %d", c.Engine.BatchSize)
	}
	if !(c.Engine.SeverityLow < c.Engine.SeverityMedium && c.Engine.SeverityMedium < c.Engine.SeverityHigh) {
		return fmt.Errorf("severity thresholds must be strictly increasing: %.2f/%.2f/%.2f",
			c.Engine.SeverityLow, c.Engine.SeverityMedium, c.Engine.SeverityHigh)
	}
	if c.Engine.AutoResolveThreshold < 0 || c.Engine.AutoResolveThreshold > 1 {
		return fmt.Errorf("auto resolve threshold out of range: %.2f", c.Engine.AutoResolveThreshold)
	}
	switch c.History.Provider {
	case "memory", "sqlite", "redis":
	default:
		return fmt.Errorf("unknown history provider: %q", c.History.Provider)
	}
	if c.History.MaxRecords <= 0 {
		return fmt.Errorf("invalid history max records: %d", c.History.MaxRecords)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return defaultValue
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
