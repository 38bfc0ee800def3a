package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config is the daemon's runtime configuration, resolved from defaults,
// an optional ~/.cmdwarden/config.yaml, CMDWARDEN_* environment variables,
// and command-line flags, in increasing precedence.
type Config struct {
	EvalSocket      string        `mapstructure:"eval_socket"`
	EventsSocket    string        `mapstructure:"events_socket"`
	DefaultRules    string        `mapstructure:"default_rules"`
	GlobalRules     string        `mapstructure:"global_rules"`
	LocalRulesName  string        `mapstructure:"local_rules_name"`
	AuditPath       string        `mapstructure:"audit_path"`
	LockPath        string        `mapstructure:"lock_path"`
	PIDPath         string        `mapstructure:"pid_path"`
	ApprovalTimeout time.Duration `mapstructure:"approval_timeout"`
	GitFactsTTL     time.Duration `mapstructure:"git_facts_ttl"`
	EventBuffer     int           `mapstructure:"event_buffer"`
	LogLevel        string        `mapstructure:"log_level"`
}

func baseDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ".cmdwarden"
	}
	return filepath.Join(homeDir, ".cmdwarden")
}

// SetDefaults seeds viper with the built-in configuration.
func SetDefaults(v *viper.Viper) {
	base := baseDir()
	v.SetDefault("eval_socket", filepath.Join(base, "eval.sock"))
	v.SetDefault("events_socket", filepath.Join(base, "events.sock"))
	v.SetDefault("default_rules", filepath.Join(base, "defaults.yaml"))
	v.SetDefault("global_rules", filepath.Join(base, "rules.yaml"))
	v.SetDefault("local_rules_name", ".cmdwarden.yaml")
	v.SetDefault("audit_path", filepath.Join(base, "audit.db"))
	v.SetDefault("lock_path", filepath.Join(base, "cmdwardend.lock"))
	v.SetDefault("pid_path", filepath.Join(base, "cmdwardend.pid"))
	v.SetDefault("approval_timeout", 2*time.Minute)
	v.SetDefault("git_facts_ttl", 2*time.Second)
	v.SetDefault("event_buffer", 64)
	v.SetDefault("log_level", "info")
}

// Load resolves the final configuration from the given viper instance.
func Load(v *viper.Viper) (Config, error) {
	var loaded Config
	if err := v.Unmarshal(&loaded); err != nil {
		return Config{}, fmt.Errorf("parse configuration failed: %w", err)
	}
	return loaded, nil
}

// ParseLogLevel maps the configured level name onto a slog level, defaulting
// to info for unknown names.
func ParseLogLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
