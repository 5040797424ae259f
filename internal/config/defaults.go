package config

import (
	"time"

	"github.com/spf13/viper"
)

// SetDefaults registers default values for all configuration keys.
func SetDefaults(v *viper.Viper) {
	// Telegram
	v.SetDefault("telegram.token", "")
	v.SetDefault("telegram.authorized_user_id", 0)
	v.SetDefault("telegram.poll_timeout", 50*time.Second)

	// Agent
	v.SetDefault("agent.binary", "claude")
	v.SetDefault("agent.extra_args", []string{})
	v.SetDefault("agent.kill_grace", 5*time.Second)

	// Transport
	v.SetDefault("transport.failure_threshold", 5)
	v.SetDefault("transport.reconnect_base", 10*time.Second)
	v.SetDefault("transport.reconnect_max", 300*time.Second)
	v.SetDefault("transport.log_window", 30*time.Second)

	// Gate
	v.SetDefault("gate.plan_recency", 60*time.Second)
	v.SetDefault("gate.audit_log", "")

	// Log
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")

	// Storage
	v.SetDefault("storage.path", "")
}
