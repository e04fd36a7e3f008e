// Package config loads runtime configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds runtime configuration for the governance pipeline.
type Config struct {
	// Driver is the database/sql driver name: "sqlite" or "postgres".
	Driver string
	// DatabaseURL is the DSN. For sqlite this is a file path.
	DatabaseURL string
	PolicyPath  string
	LogLevel    string
	ConsoleLog  bool
	// ArchiveDir receives rotated ledger segments when set.
	ArchiveDir string

	BindingTTL           time.Duration
	SweepInterval        time.Duration
	AutoRepliesPerMinute int
}

// Load reads configuration from environment variables, applying
// defaults for anything unset.
func Load() (*Config, error) {
	cfg := &Config{
		Driver:      getenv("WARDEN_DB_DRIVER", "sqlite"),
		DatabaseURL: getenv("WARDEN_DATABASE_URL", "warden.db"),
		PolicyPath:  getenv("WARDEN_POLICY_PATH", "policy.yaml"),
		LogLevel:    getenv("WARDEN_LOG_LEVEL", "info"),
		ConsoleLog:  os.Getenv("WARDEN_LOG_CONSOLE") == "true",
		ArchiveDir:  os.Getenv("WARDEN_ARCHIVE_DIR"),
	}

	switch cfg.Driver {
	case "sqlite", "postgres":
	default:
		return nil, fmt.Errorf("config: unsupported driver %q", cfg.Driver)
	}

	var err error
	if cfg.BindingTTL, err = getDuration("WARDEN_BINDING_TTL", 30*time.Minute); err != nil {
		return nil, err
	}
	if cfg.SweepInterval, err = getDuration("WARDEN_SWEEP_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.AutoRepliesPerMinute, err = getInt("WARDEN_AUTO_REPLIES_PER_MINUTE", 30); err != nil {
		return nil, err
	}
	return cfg, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return d, nil
}

func getInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}
