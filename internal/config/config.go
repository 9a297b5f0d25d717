// Package config provides configuration loading, validation, and management
// for the stockpile ingestion bot. It reads config.yaml, applies defaults,
// merges BOT_* environment variables, and validates the result.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// LogConfig controls log output.
type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `mapstructure:"json"`
}

// TelegramConfig holds bot API settings.
type TelegramConfig struct {
	Token          string        `mapstructure:"token" validate:"required"`
	UseWebhook     bool          `mapstructure:"use_webhook"`
	WebhookSecret  string        `mapstructure:"webhook_secret"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"min=1s,max=5m"`
	FileRefTTL     time.Duration `mapstructure:"file_ref_ttl" validate:"min=1m"`
}

// DatabaseConfig holds SQLite connection settings.
type DatabaseConfig struct {
	Path             string        `mapstructure:"path" validate:"required"`
	ConnMaxLifetime  time.Duration `mapstructure:"conn_max_lifetime"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout" validate:"min=1s"`
}

// StorageConfig holds object store settings.
type StorageConfig struct {
	BaseURL       string        `mapstructure:"base_url" validate:"required,url"`
	Bucket        string        `mapstructure:"bucket" validate:"required"`
	APIKey        string        `mapstructure:"api_key" validate:"required"`
	PublicBaseURL string        `mapstructure:"public_base_url" validate:"required,url"`
	Timeout       time.Duration `mapstructure:"timeout" validate:"min=1s,max=10m"`
}

// GeminiConfig holds settings for the AI caption fallback.
type GeminiConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	APIKey            string  `mapstructure:"api_key"`
	ModelName         string  `mapstructure:"model_name"`
	Temperature       float32 `mapstructure:"temperature" validate:"min=0,max=2"`
	MaxRetries        int     `mapstructure:"max_retries" validate:"min=0,max=10"`
	RetryDelaySeconds int     `mapstructure:"retry_delay_seconds" validate:"min=0"`
}

// ProcessingConfig tunes the message lifecycle machinery.
type ProcessingConfig struct {
	StalledAfter      time.Duration `mapstructure:"stalled_after" validate:"min=1m"`
	MaxStalledResets  int           `mapstructure:"max_stalled_resets" validate:"min=1"`
	GroupRecheckDelay time.Duration `mapstructure:"group_recheck_delay" validate:"min=1s"`
	GroupRecheckMax   int           `mapstructure:"group_recheck_max" validate:"min=1"`
	MaxRedownloads    int           `mapstructure:"max_redownloads" validate:"min=1"`
	PendingBatchSize  int           `mapstructure:"pending_batch_size" validate:"min=1,max=500"`
}

// TaskConfig enables one scheduled task.
type TaskConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"`
}

// SchedulerConfig maps task names to their schedules.
type SchedulerConfig struct {
	Tasks map[string]TaskConfig `mapstructure:"tasks"`
}

// OpsConfig holds the ops/webhook HTTP server settings.
type OpsConfig struct {
	ListenAddr string `mapstructure:"listen_addr" validate:"required"`
}

// Config defines the application configuration. Values can be set via
// config.yaml or environment variables prefixed with BOT_
// (e.g. BOT_TELEGRAM_TOKEN).
type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Gemini     GeminiConfig     `mapstructure:"gemini"`
	Processing ProcessingConfig `mapstructure:"processing"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Ops        OpsConfig        `mapstructure:"ops"`
}

// LoadConfig reads configuration from the given YAML file (missing file is
// allowed), merges BOT_* environment variables over it, and validates the
// result.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("BOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if !isConfigNotFound(err) {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// isConfigNotFound reports whether err means the config file is simply
// absent. viper returns its own error type for search-path lookups and a
// plain fs error for explicit SetConfigFile paths; both mean "use defaults".
func isConfigNotFound(err error) bool {
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		return true
	}
	return errors.Is(err, fs.ErrNotExist)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", true)

	v.SetDefault("telegram.use_webhook", false)
	v.SetDefault("telegram.request_timeout", 30*time.Second)
	v.SetDefault("telegram.file_ref_ttl", time.Hour)

	v.SetDefault("database.path", "stockpile.db")
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.operation_timeout", 10*time.Second)

	v.SetDefault("storage.timeout", 60*time.Second)

	v.SetDefault("gemini.enabled", false)
	v.SetDefault("gemini.model_name", "gemini-2.0-flash")
	v.SetDefault("gemini.temperature", 0.2)
	v.SetDefault("gemini.max_retries", 2)
	v.SetDefault("gemini.retry_delay_seconds", 2)

	v.SetDefault("processing.stalled_after", 5*time.Minute)
	v.SetDefault("processing.max_stalled_resets", 3)
	v.SetDefault("processing.group_recheck_delay", 15*time.Second)
	v.SetDefault("processing.group_recheck_max", 10)
	v.SetDefault("processing.max_redownloads", 5)
	v.SetDefault("processing.pending_batch_size", 50)

	v.SetDefault("scheduler.tasks", map[string]TaskConfig{
		"pending_sweep":      {Enabled: true, Schedule: "*/1 * * * *"},
		"storage_validation": {Enabled: true, Schedule: "0 */6 * * *"},
		"group_recheck":      {Enabled: true, Schedule: "*/1 * * * *"},
	})

	v.SetDefault("ops.listen_addr", ":8080")
}
