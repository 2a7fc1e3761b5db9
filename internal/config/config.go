package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"time"

	"pingpick/internal/models"
	"pingpick/internal/retry"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Backup     BackupConfig     `yaml:"backup"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Logging    LoggingConfig    `yaml:"logging"`
	API        APIConfig        `yaml:"api"`
	Core       CoreConfig       `yaml:"core"`
	Push       PushConfig       `yaml:"push"`
	Kafka      KafkaConfig      `yaml:"kafka"`
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	HTTP      APIHTTPConfig      `yaml:"http"`
	GRPC      APIGRPCConfig      `yaml:"grpc"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIHTTPConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type APIGRPCConfig struct {
	Port       int          `yaml:"port"`
	Reflection bool         `yaml:"reflection"`
	TLS        APITLSConfig `yaml:"tls"`
}

type APITLSConfig struct {
	Enabled           bool   `yaml:"enabled"`
	CertFile          string `yaml:"cert_file"`
	KeyFile           string `yaml:"key_file"`
	ClientCAFile      string `yaml:"client_ca_file"`
	RequireClientCert bool   `yaml:"require_client_cert"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	HeaderExtra  string         `yaml:"header_extra"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Extra       string   `yaml:"extra"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type BackupConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Interval      time.Duration `yaml:"interval"`
	RetentionDays int           `yaml:"retention_days"`
	StoragePath   string        `yaml:"storage_path"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

// CoreConfig tunes the ping lifecycle.
type CoreConfig struct {
	SweepInterval           time.Duration          `yaml:"sweep_interval"`
	SingleActiveReservation bool                   `yaml:"single_active_reservation"`
	MaxRadiusKm             float64                `yaml:"max_radius_km"`
	MaxReservationMinutes   int                    `yaml:"max_reservation_minutes"`
	RespondRateLimit        RespondRateLimitConfig `yaml:"respond_rate_limit"`
	Retry                   RetryConfig            `yaml:"retry"`
}

type RespondRateLimitConfig struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

type RetryConfig struct {
	MaxRetries    int           `yaml:"max_retries"`
	InitialDelay  time.Duration `yaml:"initial_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	BackoffFactor float64       `yaml:"backoff_factor"`
}

// Policy converts the section into a retry policy.
func (r RetryConfig) Policy() retry.Policy {
	return retry.Policy{
		MaxRetries:    r.MaxRetries,
		InitialDelay:  r.InitialDelay,
		MaxDelay:      r.MaxDelay,
		BackoffFactor: r.BackoffFactor,
	}
}

// PushConfig configures webhook delivery of alerts. Empty WebhookURL disables it.
type PushConfig struct {
	WebhookURL    string        `yaml:"webhook_url"`
	Timeout       time.Duration `yaml:"timeout"`
	QueueKey      string        `yaml:"queue_key"`
	DeadLetterKey string        `yaml:"dead_letter_key"`
	Retry         RetryConfig   `yaml:"retry"`
}

// KafkaConfig configures the lifecycle event stream. No brokers disables it.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

func Load(configPath string) (*Config, error) {
	// Загружаем .env файл если существует
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	// Предварительная замена переменных окружения в YAML
	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}
	if c.Core.SweepInterval < 0 {
		return errors.New("core.sweep_interval must be positive")
	}
	if c.Core.MaxRadiusKm < 0 {
		return errors.New("core.max_radius_km must be positive")
	}
	if c.Core.MaxReservationMinutes < 0 || c.Core.MaxReservationMinutes > models.MaxReservationMinutesCeiling {
		return fmt.Errorf("core.max_reservation_minutes must be between 1 and %d", models.MaxReservationMinutesCeiling)
	}
	if c.Push.WebhookURL != "" {
		if u, err := url.Parse(c.Push.WebhookURL); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("push.webhook_url %q is not an absolute URL", c.Push.WebhookURL)
		}
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return errors.New("kafka.topic is required when brokers are set")
	}

	return ValidateAPIKeys(c.API.Auth.APIKeys)
}

func ValidateAPIKeys(keys []APIClientKey) error {
	seen := make(map[string]bool)
	for _, k := range keys {
		if k.Key == "" {
			return fmt.Errorf("api key '%s' is empty", k.Name)
		}
		if seen[k.Key] {
			return fmt.Errorf("duplicate api key for client '%s'", k.Name)
		}
		seen[k.Key] = true
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "pingpick"
	}
	if c.API.GRPC.Port == 0 {
		c.API.GRPC.Port = 8081
	}
	if c.API.HTTP.Port == 0 {
		c.API.HTTP.Port = 8080
	}
	if !c.API.HTTP.Enabled && c.API.Enabled {
		c.API.HTTP.Enabled = true
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.API.Auth.HeaderExtra == "" {
		c.API.Auth.HeaderExtra = "x-api-extra"
	}
	if c.Backup.StoragePath == "" {
		c.Backup.StoragePath = "backups"
	}

	// Core defaults
	switch {
	case c.Core.SweepInterval == 0:
		c.Core.SweepInterval = models.DefaultSweepInterval * time.Second
	case c.Core.SweepInterval > 0 && c.Core.SweepInterval < models.MinSweepInterval*time.Second:
		c.Core.SweepInterval = models.MinSweepInterval * time.Second
	case c.Core.SweepInterval > models.MaxSweepInterval*time.Second:
		c.Core.SweepInterval = models.MaxSweepInterval * time.Second
	}
	if c.Core.MaxRadiusKm == 0 {
		c.Core.MaxRadiusKm = models.DefaultMaxRadiusKm
	}
	if c.Core.MaxReservationMinutes == 0 {
		c.Core.MaxReservationMinutes = models.DefaultMaxReservationMinutes
	}
	if c.Core.RespondRateLimit.Limit == 0 {
		c.Core.RespondRateLimit.Limit = 30
	}
	if c.Core.RespondRateLimit.Window == 0 {
		c.Core.RespondRateLimit.Window = time.Minute
	}
	c.Core.Retry.fill(retry.DefaultPolicy)

	// Push defaults
	if c.Push.Timeout == 0 {
		c.Push.Timeout = 5 * time.Second
	}
	if c.Push.QueueKey == "" {
		c.Push.QueueKey = "pingpick:push:queue"
	}
	if c.Push.DeadLetterKey == "" {
		c.Push.DeadLetterKey = "pingpick:push:dead"
	}
	c.Push.Retry.fill(retry.Policy{MaxRetries: 5, InitialDelay: time.Second, MaxDelay: time.Minute, BackoffFactor: 2})
}

func (r *RetryConfig) fill(d retry.Policy) {
	if r.MaxRetries == 0 {
		r.MaxRetries = d.MaxRetries
	}
	if r.InitialDelay == 0 {
		r.InitialDelay = d.InitialDelay
	}
	if r.MaxDelay == 0 {
		r.MaxDelay = d.MaxDelay
	}
	if r.BackoffFactor == 0 {
		r.BackoffFactor = d.BackoffFactor
	}
}
