package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/titanous/json5"
)

// Load reads config from a JSON5 file, then overlays env vars. A missing file
// is not an error; env-only deployments are supported.
func Load(path string) (*Config, error) {
	// .env is a convenience for local runs; absence is fine.
	_ = godotenv.Load()

	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.expandPaths()
	return cfg, nil
}

// ResolvePath returns the explicit path or the default config location.
func ResolvePath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if env := os.Getenv("VIGIL_CONFIG"); env != "" {
		return env
	}
	return "config.json"
}

// applyEnvOverrides overlays env vars onto the config. Env vars take
// precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt64 := func(key string, dst *int64) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				*dst = n
			}
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "1" || strings.EqualFold(v, "true")
		}
	}

	envStr("VIGIL_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("VIGIL_TELEGRAM_TOKEN", &c.Telegram.Token)
	envStr("VIGIL_WEBHOOK_SECRET", &c.Telegram.WebhookSecret)
	envStr("ANTHROPIC_API_KEY", &c.Providers.AnthropicAPIKey)
	envStr("VIGIL_FAST_MODEL", &c.Providers.FastModel)
	envStr("VIGIL_CAPABLE_MODEL", &c.Providers.CapableModel)
	envStr("VIGIL_WORKSPACE", &c.Workspace)
	envInt64("VIGIL_DAILY_PROACTIVE_LIMIT", &c.Budget.DailyProactiveLimit)
	envBool("VIGIL_CLI_EXECUTOR", &c.Providers.CLI.Enabled)

	if v := os.Getenv("VIGIL_MASTER_CHAT_IDS"); v != "" {
		var ids []string
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
		c.Telegram.MasterChatIDs = ids
	}
	if v := os.Getenv("VIGIL_HTTP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.HTTP.Port = n
		}
	}
}

// expandPaths resolves ~ in filesystem settings.
func (c *Config) expandPaths() {
	c.Storage.FSBase = expandHome(c.Storage.FSBase)
	c.Workspace = expandHome(c.Workspace)
	c.Providers.CLI.Workdir = expandHome(c.Providers.CLI.Workdir)
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
