// Package config loads the scheduling service settings from the environment
// and an optional dotenv file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	ServiceName string `mapstructure:"SERVICE_NAME"`
	Port        string `mapstructure:"PORT"`
	GRPCPort    string `mapstructure:"GRPC_PORT"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	LogFormat   string `mapstructure:"LOG_FORMAT"`

	StorageDriver string `mapstructure:"STORAGE_DRIVER"`
	DatabaseURL   string `mapstructure:"DATABASE_URL"`
	SQLitePath    string `mapstructure:"SQLITE_PATH"`
	DBMaxConns    int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32  `mapstructure:"DB_MIN_CONNS"`

	KafkaBrokers       string        `mapstructure:"KAFKA_BROKERS"`
	OutboxPollInterval time.Duration `mapstructure:"OUTBOX_POLL_INTERVAL"`
	OutboxBatchSize    int           `mapstructure:"OUTBOX_BATCH_SIZE"`

	RedisAddr      string `mapstructure:"REDIS_ADDR"`
	RedisPassword  string `mapstructure:"REDIS_PASSWORD"`
	RedisDB        int    `mapstructure:"REDIS_DB"`
	FeedChannel    string `mapstructure:"FEED_CHANNEL"`
	FeedBuffer     int    `mapstructure:"FEED_BUFFER"`
	FeedMaxBacklog int    `mapstructure:"FEED_MAX_BACKLOG"`

	BookingAutoConfirm   bool          `mapstructure:"BOOKING_AUTO_CONFIRM"`
	RescheduleGrace      time.Duration `mapstructure:"RESCHEDULE_GRACE"`
	CreateRejectPast     bool          `mapstructure:"CREATE_REJECT_PAST"`
	StorageRetryAttempts uint          `mapstructure:"STORAGE_RETRY_ATTEMPTS"`
	StorageRetryInitial  time.Duration `mapstructure:"STORAGE_RETRY_INITIAL"`
	StorageRetryMax      time.Duration `mapstructure:"STORAGE_RETRY_MAX"`

	PatientDirectory    string `mapstructure:"PATIENT_DIRECTORY"`
	PatientDirectoryURL string `mapstructure:"PATIENT_DIRECTORY_URL"`
	// PatientDirectoryToken is sent as a bearer token to the http directory.
	PatientDirectoryToken string `mapstructure:"PATIENT_DIRECTORY_TOKEN"`

	NotifyWebhookURL   string `mapstructure:"NOTIFY_WEBHOOK_URL"`
	NotifyWebhookToken string `mapstructure:"NOTIFY_WEBHOOK_TOKEN"`
	SMTPHost           string `mapstructure:"SMTP_HOST"`
	SMTPPort           string `mapstructure:"SMTP_PORT"`
	SMTPFrom           string `mapstructure:"SMTP_FROM"`
	NotifyQueueSize    int    `mapstructure:"NOTIFY_QUEUE_SIZE"`

	RateLimitPerMinute int           `mapstructure:"RATE_LIMIT_PER_MINUTE"`
	RequestTimeout     time.Duration `mapstructure:"REQUEST_TIMEOUT"`
}

var defaults = map[string]any{
	"SERVICE_NAME":           "scheduling-service",
	"PORT":                   "8080",
	"GRPC_PORT":              "9090",
	"LOG_LEVEL":              "info",
	"LOG_FORMAT":             "json",
	"STORAGE_DRIVER":         "memory",
	"SQLITE_PATH":            "scheduling.db",
	"DB_MAX_CONNS":           10,
	"DB_MIN_CONNS":           1,
	"OUTBOX_POLL_INTERVAL":   "1s",
	"OUTBOX_BATCH_SIZE":      50,
	"REDIS_DB":               0,
	"FEED_CHANNEL":           "scheduling.feed",
	"FEED_BUFFER":            16,
	"FEED_MAX_BACKLOG":       256,
	"BOOKING_AUTO_CONFIRM":   false,
	"RESCHEDULE_GRACE":       "5m",
	"CREATE_REJECT_PAST":     false,
	"STORAGE_RETRY_ATTEMPTS": 3,
	"STORAGE_RETRY_INITIAL":  "50ms",
	"STORAGE_RETRY_MAX":      "1s",
	"PATIENT_DIRECTORY":      "static",
	"SMTP_PORT":              "1025",
	"NOTIFY_QUEUE_SIZE":      256,
	"RATE_LIMIT_PER_MINUTE":  120,
	"REQUEST_TIMEOUT":        "10s",
}

var envOnly = []string{
	"DATABASE_URL", "KAFKA_BROKERS", "REDIS_ADDR", "REDIS_PASSWORD", "PATIENT_DIRECTORY_URL", "PATIENT_DIRECTORY_TOKEN",
	"NOTIFY_WEBHOOK_URL", "NOTIFY_WEBHOOK_TOKEN", "SMTP_HOST", "SMTP_FROM",
}

// Load reads envFile when it exists; the environment wins over the file.
func Load(envFile string) (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	for key, val := range defaults {
		v.SetDefault(key, val)
		_ = v.BindEnv(key)
	}
	for _, key := range envOnly {
		_ = v.BindEnv(key)
	}

	if envFile != "" {
		v.SetConfigFile(envFile)
		v.SetConfigType("env")
		if err := v.ReadInConfig(); err != nil && !missingFile(err) {
			return nil, fmt.Errorf("read %s: %w", envFile, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.StorageDriver = strings.ToLower(strings.TrimSpace(cfg.StorageDriver))
	cfg.PatientDirectory = strings.ToLower(strings.TrimSpace(cfg.PatientDirectory))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.StorageDriver {
	case "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORAGE_DRIVER is postgres")
		}
	case "sqlite":
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when STORAGE_DRIVER is sqlite")
		}
	default:
		return fmt.Errorf("STORAGE_DRIVER must be memory, postgres or sqlite, got %q", c.StorageDriver)
	}

	switch c.PatientDirectory {
	case "static":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when PATIENT_DIRECTORY is postgres")
		}
	case "http":
		if c.PatientDirectoryURL == "" {
			return fmt.Errorf("PATIENT_DIRECTORY_URL is required when PATIENT_DIRECTORY is http")
		}
	default:
		return fmt.Errorf("PATIENT_DIRECTORY must be static, postgres or http, got %q", c.PatientDirectory)
	}

	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.FeedBuffer <= 0 || c.FeedMaxBacklog <= 0 {
		return fmt.Errorf("FEED_BUFFER and FEED_MAX_BACKLOG must be positive")
	}
	if c.StorageRetryAttempts == 0 {
		return fmt.Errorf("STORAGE_RETRY_ATTEMPTS must be at least 1")
	}
	if c.OutboxPollInterval <= 0 || c.RequestTimeout <= 0 {
		return fmt.Errorf("OUTBOX_POLL_INTERVAL and REQUEST_TIMEOUT must be positive")
	}
	return nil
}

// UsesKafka reports whether the outbox publisher should run.
func (c *Config) UsesKafka() bool { return strings.TrimSpace(c.KafkaBrokers) != "" }

func (c *Config) UsesRedis() bool { return strings.TrimSpace(c.RedisAddr) != "" }

func missingFile(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist)
}
