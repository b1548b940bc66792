// Package config loads application configuration from defaults, an optional
// YAML file and APP_ prefixed environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "APP_"

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	Log       LogConfig       `koanf:"log"`
	CORS      CORSConfig      `koanf:"cors"`
	JWT       JWTConfig       `koanf:"jwt"`
	Queue     QueueConfig     `koanf:"queue"`
	Alerts    AlertsConfig    `koanf:"alerts"`
	Providers ProvidersConfig `koanf:"providers"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port" validate:"required"`
	MetricsPort       string        `koanf:"metrics_port" validate:"required"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
}

// DatabaseConfig contains PostgreSQL settings.
type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns" validate:"min=1"`
	MaxIdleConns    int           `koanf:"max_idle_conns" validate:"min=0"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
	ConnectAttempts int           `koanf:"connect_attempts" validate:"min=1"`
	AutoMigrate     bool          `koanf:"auto_migrate"`
}

// LogConfig contains logger settings.
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json text"`
}

// CORSConfig contains allowed origins for browser clients.
type CORSConfig struct {
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// JWTConfig contains admin token settings.
type JWTConfig struct {
	SecretKey string `koanf:"secret_key" validate:"required"`
	Issuer    string `koanf:"issuer"`
}

// QueueConfig contains queue processing and maintenance settings.
type QueueConfig struct {
	// Storage selects the queue store: postgres or memory.
	Storage           string        `koanf:"storage" validate:"oneof=postgres memory"`
	AutoStart         bool          `koanf:"auto_start"`
	Interval          time.Duration `koanf:"interval" validate:"min=100ms"`
	BatchSize         int           `koanf:"batch_size" validate:"min=1,max=1000"`
	HandlerTimeout    time.Duration `koanf:"handler_timeout" validate:"min=0"`
	MaxAttempts       int           `koanf:"max_attempts" validate:"min=1"`
	InitialDelay      time.Duration `koanf:"initial_delay" validate:"min=0"`
	MaxDelay          time.Duration `koanf:"max_delay" validate:"min=0"`
	BackoffFactor     float64       `koanf:"backoff_factor" validate:"gte=1"`
	RebalanceInterval time.Duration `koanf:"rebalance_interval" validate:"min=0"`
	CleanupInterval   time.Duration `koanf:"cleanup_interval" validate:"min=0"`
	RetentionDays     int           `koanf:"retention_days" validate:"min=1"`
	MetricsInterval   time.Duration `koanf:"metrics_interval" validate:"min=0"`
}

// AlertsConfig contains Pub/Sub alerting settings.
type AlertsConfig struct {
	Enabled    bool          `koanf:"enabled"`
	ProjectID  string        `koanf:"project_id" validate:"required_if=Enabled true"`
	Topic      string        `koanf:"topic" validate:"required_if=Enabled true"`
	BufferSize int           `koanf:"buffer_size" validate:"min=0"`
	Timeout    time.Duration `koanf:"timeout" validate:"min=0"`
}

// ProvidersConfig contains downstream forwarding settings.
type ProvidersConfig struct {
	// Targets maps a source name to the URL its payloads are forwarded to.
	Targets   map[string]string `koanf:"targets" validate:"dive,keys,required,endkeys,url"`
	AuthToken string            `koanf:"auth_token"`
	Timeout   time.Duration     `koanf:"timeout" validate:"min=0"`
	RateLimit float64           `koanf:"rate_limit" validate:"min=0"`
	Burst     int               `koanf:"burst" validate:"min=0"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              "8080",
			MetricsPort:       "9090",
			ReadTimeout:       15 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 30 * time.Minute,
			ConnectTimeout:  30 * time.Second,
			ConnectAttempts: 5,
			AutoMigrate:     true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		JWT: JWTConfig{
			Issuer: "webhook-garden",
		},
		Queue: QueueConfig{
			Storage:           "postgres",
			AutoStart:         true,
			Interval:          5 * time.Second,
			BatchSize:         10,
			HandlerTimeout:    30 * time.Second,
			MaxAttempts:       5,
			InitialDelay:      30 * time.Second,
			MaxDelay:          time.Hour,
			BackoffFactor:     2,
			RebalanceInterval: 15 * time.Minute,
			CleanupInterval:   24 * time.Hour,
			RetentionDays:     7,
			MetricsInterval:   15 * time.Second,
		},
		Alerts: AlertsConfig{
			Topic:      "webhook-queue-alerts",
			BufferSize: 256,
			Timeout:    10 * time.Second,
		},
		Providers: ProvidersConfig{
			Timeout:   10 * time.Second,
			RateLimit: 20,
			Burst:     5,
		},
	}
}

// Load reads configuration. The YAML file named by CONFIG_FILE, if set,
// overrides defaults; APP_ environment variables override both.
// APP_QUEUE_BATCH_SIZE maps to queue.batch_size.
func Load() (*Config, error) {
	k := koanf.New(".")

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	// Keys absent from every source keep their default values.
	cfg := Default()
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Queue.Storage == "postgres" && c.Database.URL == "" {
		return fmt.Errorf("invalid config: database.url is required for postgres storage")
	}
	return nil
}

// envKey maps APP_SERVER_METRICS_PORT to server.metrics_port. The first
// underscore after the prefix separates the section from the field.
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, envPrefix))
	section, field, found := strings.Cut(key, "_")
	if !found {
		return key
	}
	return section + "." + field
}
