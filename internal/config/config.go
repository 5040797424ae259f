// Package config loads and validates the courier configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"courier/pkg/logger"
)

// Sentinel errors for configuration validation. These are the only fatal
// errors in the system: the process refuses to accept work without a usable
// channel identity.
var (
	// ErrMissingToken is returned when no bot token is configured.
	ErrMissingToken = errors.New("telegram bot token is not configured")

	// ErrPlaceholderToken is returned when the token still holds the
	// starter-config placeholder.
	ErrPlaceholderToken = errors.New("telegram bot token is still the placeholder value")
)

// Config is the root configuration structure.
type Config struct {
	Version   string          `mapstructure:"version" yaml:"version"`
	Telegram  TelegramConfig  `mapstructure:"telegram" yaml:"telegram"`
	Agent     AgentConfig     `mapstructure:"agent" yaml:"agent"`
	Transport TransportConfig `mapstructure:"transport" yaml:"transport"`
	Gate      GateConfig      `mapstructure:"gate" yaml:"gate"`
	Log       logger.LogConfig `mapstructure:"log" yaml:"log"`
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
}

// TelegramConfig holds the channel identity.
type TelegramConfig struct {
	// Token is the bot token issued by BotFather.
	Token string `mapstructure:"token" yaml:"token"`

	// AuthorizedUserID is the single operator allowed to drive the bot.
	// Zero means unset; /start then only reveals the sender's ID.
	AuthorizedUserID int64 `mapstructure:"authorized_user_id" yaml:"authorized_user_id"`

	// PollTimeout is the long-poll timeout passed to getUpdates.
	PollTimeout time.Duration `mapstructure:"poll_timeout" yaml:"poll_timeout"`
}

// AgentConfig configures the coding agent subprocess.
type AgentConfig struct {
	// Binary is the agent CLI executable name or path.
	Binary string `mapstructure:"binary" yaml:"binary"`

	// ExtraArgs are appended verbatim to every invocation.
	ExtraArgs []string `mapstructure:"extra_args" yaml:"extra_args,omitempty"`

	// KillGrace is how long to wait after cancellation before the
	// subprocess is killed.
	KillGrace time.Duration `mapstructure:"kill_grace" yaml:"kill_grace"`
}

// TransportConfig tunes outage detection and reconnect backoff.
type TransportConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	ReconnectBase    time.Duration `mapstructure:"reconnect_base" yaml:"reconnect_base"`
	ReconnectMax     time.Duration `mapstructure:"reconnect_max" yaml:"reconnect_max"`
	LogWindow        time.Duration `mapstructure:"log_window" yaml:"log_window"`
}

// GateConfig tunes the permission gate.
type GateConfig struct {
	// PlanRecency is how fresh a plan document must be to be pushed to the
	// operator when the agent leaves planning mode.
	PlanRecency time.Duration `mapstructure:"plan_recency" yaml:"plan_recency"`

	// AuditLog is the JSONL approval audit log path. Empty disables it.
	AuditLog string `mapstructure:"audit_log" yaml:"audit_log"`
}

// StorageConfig configures the run-history database.
type StorageConfig struct {
	// Path is the sqlite database file. Empty uses the default data path.
	Path string `mapstructure:"path" yaml:"path"`
}

// Load reads configuration from the given path, applying defaults and
// environment overrides (COURIER_*). A missing file is not an error; the
// defaults plus environment carry a minimal setup.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix("courier")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// The classic BotFather env var wins over nothing; keeps the bot.js
	// setup flow working unchanged.
	if cfg.Telegram.Token == "" {
		cfg.Telegram.Token = os.Getenv("TELEGRAM_BOT_TOKEN")
	}
	if cfg.Telegram.AuthorizedUserID == 0 {
		if raw := os.Getenv("AUTHORIZED_USER_ID"); raw != "" {
			fmt.Sscanf(raw, "%d", &cfg.Telegram.AuthorizedUserID)
		}
	}

	return &cfg, nil
}

// Validate checks that the configuration is sufficient to accept work.
func (c *Config) Validate() error {
	if c.Telegram.Token == "" {
		return ErrMissingToken
	}
	if c.Telegram.Token == PlaceholderToken {
		return ErrPlaceholderToken
	}
	return nil
}

// PlaceholderToken is the token value written by `courier init`.
const PlaceholderToken = "your_bot_token_here"
