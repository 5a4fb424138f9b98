// Package config holds the runtime configuration: JSON5 file over defaults,
// env vars over both.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration.
type Config struct {
	Database  DatabaseConfig  `json:"database"`
	HTTP      HTTPConfig      `json:"http"`
	Telegram  TelegramConfig  `json:"telegram"`
	Providers ProvidersConfig `json:"providers"`
	Budget    BudgetConfig    `json:"budget"`
	Reactive  ReactiveConfig  `json:"reactive"`
	Proactive ProactiveConfig `json:"proactive"`
	Media     MediaConfig     `json:"media"`
	Storage   StorageConfig   `json:"storage"`
	Workspace string          `json:"workspace"` // runtime source tree watched for self-modification
	Verbose   bool            `json:"verbose"`
}

type DatabaseConfig struct {
	PostgresDSN  string `json:"postgres_dsn"`
	PoolMinConns int    `json:"pool_min_conns"`
	PoolMaxConns int    `json:"pool_max_conns"`
}

type HTTPConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type TelegramConfig struct {
	Token         string   `json:"token"`
	WebhookSecret string   `json:"webhook_secret"` // X-Telegram-Bot-Api-Secret-Token, optional
	MasterChatIDs []string `json:"master_chat_ids"`
	SendRPS       float64  `json:"send_rps"` // outbound message pacing
}

type ProvidersConfig struct {
	AnthropicAPIKey string `json:"anthropic_api_key"`
	FastModel       string `json:"fast_model"`    // classifier + verifier
	CapableModel    string `json:"capable_model"` // executor

	// Subprocess CLI executor. When enabled it replaces the HTTP executor.
	CLI CLIConfig `json:"cli"`

	ClassifierTimeout   time.Duration `json:"classifier_timeout"`
	ExecutorTimeout     time.Duration `json:"executor_timeout"`
	VerifierTimeout     time.Duration `json:"verifier_timeout"`
	TaskExecutorTimeout time.Duration `json:"task_executor_timeout"`
}

type CLIConfig struct {
	Enabled       bool   `json:"enabled"`
	Binary        string `json:"binary"`
	Model         string `json:"model"`
	Workdir       string `json:"workdir"`
	MaxConcurrent int    `json:"max_concurrent"`
}

type BudgetConfig struct {
	DailyProactiveLimit int64   `json:"daily_proactive_limit"`
	HardFloor           int64   `json:"hard_floor"`
	WarnRatio           float64 `json:"warn_ratio"`
	CriticalRatio       float64 `json:"critical_ratio"`
}

type ReactiveConfig struct {
	Workers         int           `json:"workers"`
	HistoryLimit    int           `json:"history_limit"`
	IdlePollMin     time.Duration `json:"idle_poll_min"`
	IdlePollMax     time.Duration `json:"idle_poll_max"`
	ApprovalPoll    time.Duration `json:"approval_poll"`
	ApprovalTimeout time.Duration `json:"approval_timeout"`
}

type ProactiveConfig struct {
	MinInterval time.Duration `json:"min_interval"`
	MaxInterval time.Duration `json:"max_interval"`
	DigestCron  string        `json:"digest_cron"` // empty disables the daily digest
}

type MediaConfig struct {
	PollInterval time.Duration `json:"poll_interval"`
	BatchSize    int           `json:"batch_size"`

	// Processing proxy: one service exposing transcription, vision, and
	// document extraction. Empty URL disables remote processing; artifacts
	// then fail after their attempts run out.
	ProxyURL     string        `json:"proxy_url"`
	ProxyAPIKey  string        `json:"proxy_api_key"`
	ProxyTimeout time.Duration `json:"proxy_timeout"`
}

type StorageConfig struct {
	Backend string `json:"backend"` // "fs" or "s3"
	Bucket  string `json:"bucket"`

	FSBase string `json:"fs_base"`

	S3Endpoint  string `json:"s3_endpoint"`
	S3Region    string `json:"s3_region"`
	S3AccessKey string `json:"s3_access_key"`
	S3SecretKey string `json:"s3_secret_key"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			PoolMinConns: 2,
			PoolMaxConns: 10,
		},
		HTTP: HTTPConfig{
			Host: "0.0.0.0",
			Port: 8090,
		},
		Telegram: TelegramConfig{
			SendRPS: 1,
		},
		Providers: ProvidersConfig{
			FastModel:           "claude-haiku-4-5-20251001",
			CapableModel:        "claude-sonnet-4-5-20250929",
			ClassifierTimeout:   30 * time.Second,
			ExecutorTimeout:     120 * time.Second,
			VerifierTimeout:     30 * time.Second,
			TaskExecutorTimeout: 10 * time.Minute,
			CLI: CLIConfig{
				Binary:        "claude",
				MaxConcurrent: 2,
			},
		},
		Budget: BudgetConfig{
			DailyProactiveLimit: 1_000_000,
			HardFloor:           10_000,
			WarnRatio:           0.8,
			CriticalRatio:       0.95,
		},
		Reactive: ReactiveConfig{
			Workers:         1,
			HistoryLimit:    30,
			IdlePollMin:     50 * time.Millisecond,
			IdlePollMax:     200 * time.Millisecond,
			ApprovalPoll:    2 * time.Second,
			ApprovalTimeout: time.Hour,
		},
		Proactive: ProactiveConfig{
			MinInterval: time.Minute,
			MaxInterval: time.Hour,
			DigestCron:  "0 9 * * *",
		},
		Media: MediaConfig{
			PollInterval: 5 * time.Second,
			BatchSize:    10,
			ProxyTimeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			Backend: "fs",
			Bucket:  "media",
			FSBase:  "~/.vigil/blobs",
		},
	}
}

// Validate checks required settings. Failures here are fatal at bootstrap.
func (c *Config) Validate() error {
	if c.Database.PostgresDSN == "" {
		return fmt.Errorf("database.postgres_dsn is required")
	}
	if c.Telegram.Token == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if !c.Providers.CLI.Enabled && c.Providers.AnthropicAPIKey == "" {
		return fmt.Errorf("providers.anthropic_api_key is required unless the CLI executor is enabled")
	}
	if c.Storage.Backend != "fs" && c.Storage.Backend != "s3" {
		return fmt.Errorf("storage.backend must be fs or s3, got %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "s3" && c.Storage.Bucket == "" {
		return fmt.Errorf("storage.bucket is required for the s3 backend")
	}
	return nil
}

// IsMaster reports whether the chat id belongs to the configured operator.
func (c *Config) IsMaster(chatID string) bool {
	for _, id := range c.Telegram.MasterChatIDs {
		if id == chatID {
			return true
		}
	}
	return false
}
