package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.offlinechat/config.toml.
// Environment variables override file values at runtime but are never saved.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Worker  ConfigWorker  `toml:"worker"`
	Logging ConfigLogging `toml:"logging"`
}

// ConfigDefault holds the chat client settings.
type ConfigDefault struct {
	Environment string `toml:"environment" env:"OFFLINECHAT_ENVIRONMENT"`
	Endpoint    string `toml:"endpoint" env:"OFFLINECHAT_ENDPOINT"`
	Transport   string `toml:"transport" env:"OFFLINECHAT_TRANSPORT"`
	LocalSender string `toml:"local_sender" env:"OFFLINECHAT_LOCAL_SENDER"`
	DBPath      string `toml:"db_path" env:"OFFLINECHAT_DB_PATH"`
}

// ConfigWorker holds the cache worker settings.
type ConfigWorker struct {
	Listen       string `toml:"listen" env:"OFFLINECHAT_WORKER_LISTEN"`
	Origin       string `toml:"origin" env:"OFFLINECHAT_WORKER_ORIGIN"`
	CacheDB      string `toml:"cache_db" env:"OFFLINECHAT_WORKER_CACHE_DB"`
	PushSecret   string `toml:"push_secret" env:"OFFLINECHAT_WORKER_PUSH_SECRET"`
	Version      string `toml:"version" env:"OFFLINECHAT_WORKER_VERSION"`
	TaskInterval string `toml:"task_interval" env:"OFFLINECHAT_WORKER_TASK_INTERVAL"`
}

// ConfigLogging selects the slog handler.
type ConfigLogging struct {
	Level  string `toml:"level" env:"OFFLINECHAT_LOG_LEVEL"`
	Format string `toml:"format" env:"OFFLINECHAT_LOG_FORMAT"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.offlinechat, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".offlinechat")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// resolveConfig loads the config file and applies OFFLINECHAT_* overrides.
func resolveConfig() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overwrites fields whose environment variable is set.
func applyEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "worker.origin").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.endpoint)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "environment":
			cfg.Default.Environment = value
		case "endpoint":
			cfg.Default.Endpoint = value
		case "transport":
			cfg.Default.Transport = value
		case "local_sender":
			cfg.Default.LocalSender = value
		case "db_path":
			cfg.Default.DBPath = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "worker":
		switch field {
		case "listen":
			cfg.Worker.Listen = value
		case "origin":
			cfg.Worker.Origin = value
		case "cache_db":
			cfg.Worker.CacheDB = value
		case "push_secret":
			cfg.Worker.PushSecret = value
		case "version":
			cfg.Worker.Version = value
		case "task_interval":
			cfg.Worker.TaskInterval = value
		default:
			return fmt.Errorf("unknown field %q in section [worker]", field)
		}
	case "logging":
		switch field {
		case "level":
			cfg.Logging.Level = value
		case "format":
			cfg.Logging.Format = value
		default:
			return fmt.Errorf("unknown field %q in section [logging]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, worker, logging)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "offlinechat",
	Short: "Offline-first chat client and cache worker",
	Long: "Command-line interface for offlinechat.\n" +
		"Chat over a resilient connection, inspect the offline queue, and run the caching worker.",
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
