// Package config loads meterd's configuration once at process start and
// optionally watches it for changes, instead of reading ad-hoc globals
// scattered across the codebase.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Store holds Redis connection settings.
type Store struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Ingress holds §4.1 tuning knobs.
type Ingress struct {
	MaxBulkSize int `yaml:"max_bulk_size"`
}

// Worker holds §4.2 tuning knobs.
type Worker struct {
	Count             int           `yaml:"count"`
	BatchSize         int64         `yaml:"batch_size"`
	PopTimeout        time.Duration `yaml:"pop_timeout"`
	LockAcquireTimeout time.Duration `yaml:"lock_acquire_timeout"`
	LockHoldTimeout   time.Duration `yaml:"lock_hold_timeout"`
	MaxRetries        int           `yaml:"max_retries"`
}

// Maintenance holds §4.3 tuning knobs.
type Maintenance struct {
	Duration time.Duration `yaml:"duration"`
	KeepDays int           `yaml:"keep_days"`
}

// Server holds HTTP listener settings.
type Server struct {
	Addr        string `yaml:"addr"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// Logging holds zap construction parameters.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is meterd's full, typed configuration. It is loaded once in
// main and passed by value/pointer into every component's constructor —
// no component reads the environment or a file itself.
type Config struct {
	Store       Store       `yaml:"store"`
	Ingress     Ingress     `yaml:"ingress"`
	Worker      Worker      `yaml:"worker"`
	Maintenance Maintenance `yaml:"maintenance"`
	Server      Server      `yaml:"server"`
	Logging     Logging     `yaml:"logging"`
}

// Default returns the reference configuration from spec.md (100-item
// batches, 3s/5s lock timeouts, 3 retries, 60s maintenance window, 365
// day retention).
func Default() Config {
	return Config{
		Store: Store{Host: "localhost", Port: "6379"},
		Ingress: Ingress{
			MaxBulkSize: 1000,
		},
		Worker: Worker{
			Count:              4,
			BatchSize:          100,
			PopTimeout:         time.Second,
			LockAcquireTimeout: 3 * time.Second,
			LockHoldTimeout:    5 * time.Second,
			MaxRetries:         3,
		},
		Maintenance: Maintenance{
			Duration: 60 * time.Second,
			KeepDays: 365,
		},
		Server: Server{
			Addr:        ":8080",
			MetricsAddr: ":9090",
		},
		Logging: Logging{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads a YAML file at path into a Config seeded with Default(),
// then applies REDIS_HOST/REDIS_PORT environment overrides per spec.md
// §6. A missing file is not an error: Default() alone is returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnv(&cfg)
			return &cfg, nil
		}
		return nil, fmt.Errorf("cannot read config from %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config %q: %w", path, err)
	}

	applyEnv(&cfg)
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.Store.Host = host
	}
	if port := os.Getenv("REDIS_PORT"); port != "" {
		cfg.Store.Port = port
	}
}

// Addr returns the Redis host:port pair go-redis expects.
func (s Store) Addr() string {
	return fmt.Sprintf("%s:%s", s.Host, s.Port)
}

// Watch reloads the config file whenever it changes on disk and invokes
// onChange with the newly parsed value. Watch returns immediately: the
// watch loop runs on its own goroutine until the returned stop function
// closes the watcher.
func Watch(path string, logger *zap.Logger, onChange func(*Config)) (stop func() error, err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("cannot create config watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("cannot watch config %q: %w", path, err)
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					logger.Warn("config reload failed", zap.Error(err), zap.String("path", path))
					continue
				}
				logger.Info("config reloaded", zap.String("path", path))
				onChange(cfg)
			case watchErr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", zap.Error(watchErr))
			}
		}
	}()

	return watcher.Close, nil
}
