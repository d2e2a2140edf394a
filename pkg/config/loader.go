package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/fedbroker/fedbroker/pkg/telemetry"
)

var validate = validator.New()

// Load reads, defaults and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ApplyDefaults()

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.Telemetry.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry configuration: %w", err)
	}
	if _, ok := cloudByName(cfg, cfg.Member.DefaultCloud); !ok {
		return nil, fmt.Errorf("default cloud %q is not in the clouds list", cfg.Member.DefaultCloud)
	}
	return cfg, nil
}

func cloudByName(cfg *Config, name string) (CloudConfig, bool) {
	for _, c := range cfg.Clouds {
		if c.Name == name {
			return c, true
		}
	}
	return CloudConfig{}, false
}

// Watch re-reads the file on change and applies the log level to the given
// logger. Only the log level reloads at runtime; everything else requires a
// restart. Returns a stop function.
func Watch(path string, logger *telemetry.Logger) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create config watcher: %w", err)
	}

	// Watch the directory: editors replace files on save, which drops the
	// watch on the file itself.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					logger.WithError(err).Warn("ignoring config reload: file no longer valid")
					continue
				}
				logger.SetLevel(cfg.Telemetry.Logging.Level)
				logger.WithField("level", cfg.Telemetry.Logging.Level).Info("log level reloaded")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.WithError(err).Warn("config watcher error")
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}
