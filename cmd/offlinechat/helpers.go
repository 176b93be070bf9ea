package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/LuminPulse-AI/offlinechat"
	"github.com/LuminPulse-AI/offlinechat/offlinecache"
)

const (
	defaultWorkerListen       = "127.0.0.1:8787"
	defaultWorkerOrigin       = "http://localhost:3000"
	defaultWorkerTaskInterval = 5 * time.Minute
)

// newLogger builds the process logger from [logging] and installs it as the
// slog default so library components pick it up.
func newLogger(cfg ConfigLogging) (*slog.Logger, error) {
	var level slog.Level
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("invalid logging.level %q: %w", cfg.Level, err)
		}
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		return nil, fmt.Errorf("invalid logging.format %q (valid: text, json)", cfg.Format)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, nil
}

// setup resolves the config and logger every runtime command starts from.
func setup() (*Config, *slog.Logger, error) {
	cfg, err := resolveConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// dataPath returns path, or name inside the config directory when empty.
func dataPath(path, name string) (string, error) {
	if path != "" {
		return path, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

// chatEndpoint returns the explicit endpoint or the environment's default.
func chatEndpoint(cfg *Config) string {
	if cfg.Default.Endpoint != "" {
		return cfg.Default.Endpoint
	}
	return offlinechat.EndpointFor(offlinechat.Environment(cfg.Default.Environment))
}

// stores bundles the durable stores opened from [default].
type stores struct {
	db       *offlinechat.SQLiteStorage
	messages *offlinechat.MessageStore
	settings *offlinechat.SettingsStore
}

func (s *stores) Close() error { return s.db.Close() }

// openStores opens the SQLite database holding the queue and settings.
func openStores(cfg *Config, logger *slog.Logger) (*stores, error) {
	path, err := dataPath(cfg.Default.DBPath, "offlinechat.db")
	if err != nil {
		return nil, err
	}
	db, err := offlinechat.OpenSQLiteStorage(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open message store: %w", err)
	}
	return &stores{
		db:       db,
		messages: offlinechat.NewMessageStore(db, logger),
		settings: offlinechat.NewSettingsStore(db, logger),
	}, nil
}

// openEngine builds a cache engine over the SQLite cache database from [worker].
// The caller closes the returned storage.
func openEngine(cfg *Config, logger *slog.Logger, opts ...offlinecache.Option) (*offlinecache.Engine, *offlinecache.SQLiteStorage, error) {
	path, err := dataPath(cfg.Worker.CacheDB, "cache.db")
	if err != nil {
		return nil, nil, err
	}
	storage, err := offlinecache.OpenSQLiteStorage(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open cache: %w", err)
	}

	base := []offlinecache.Option{
		offlinecache.WithStorage(storage),
		offlinecache.WithLogger(logger),
	}
	if cfg.Worker.Version != "" {
		base = append(base, offlinecache.WithVersion(cfg.Worker.Version))
	}
	engine, err := offlinecache.New(valueOrDefault(cfg.Worker.Origin, defaultWorkerOrigin), append(base, opts...)...)
	if err != nil {
		storage.Close()
		return nil, nil, err
	}
	return engine, storage, nil
}

// taskInterval parses worker.task_interval.
func taskInterval(cfg *Config) (time.Duration, error) {
	if cfg.Worker.TaskInterval == "" {
		return defaultWorkerTaskInterval, nil
	}
	d, err := time.ParseDuration(cfg.Worker.TaskInterval)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid worker.task_interval %q", cfg.Worker.TaskInterval)
	}
	return d, nil
}

func maskKey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	if len(key) <= 16 {
		return key[:4] + "..." + key[len(key)-4:]
	}
	return key[:12] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
