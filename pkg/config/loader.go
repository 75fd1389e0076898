package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Initialize loads, validates, and returns ready-to-use configuration. This
// is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load worker.yaml from configPath (if present — a missing file is not
//     an error, the built-in defaults stand alone)
//  2. Expand environment variables
//  3. Parse YAML into structs
//  4. Merge user-provided queue settings onto the built-in defaults
//  5. Apply the GRAPHILE_ENABLE_DANGEROUS_LOGS escape hatch
//  6. Validate all configuration
func Initialize(_ context.Context, configPath string) (*Config, error) {
	log := slog.With("config_path", configPath)
	log.Info("initializing configuration")

	cfg, err := load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("configuration initialized successfully",
		"queue_name", cfg.Queue.QueueName,
		"worker_count", cfg.Queue.WorkerCount,
		"log_level", cfg.LogLevel)

	if cfg.DangerousLogs {
		log.Debug("resolved configuration (GRAPHILE_ENABLE_DANGEROUS_LOGS set)", "config", cfg.String())
	}

	return cfg, nil
}

func load(configPath string) (*Config, error) {
	loader := &configLoader{path: configPath}

	yCfg, err := loader.loadYAML()
	if err != nil {
		return nil, NewLoadError(configPath, err)
	}

	queueCfg := DefaultQueueConfig()
	if yCfg.Queue != nil {
		if err := mergo.Merge(queueCfg, yCfg.Queue, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge queue config: %w", err)
		}
	}

	logLevel := yCfg.LogLevel
	if logLevel == "" {
		logLevel = "info"
	}

	return &Config{
		configPath:    configPath,
		Queue:         queueCfg,
		LogLevel:      logLevel,
		DangerousLogs: os.Getenv("GRAPHILE_ENABLE_DANGEROUS_LOGS") == "1",
	}, nil
}

func validate(cfg *Config) error {
	validator := NewValidator(cfg)
	return validator.ValidateAll()
}

type configLoader struct {
	path string
}

// loadYAML reads and parses the configuration file. A missing file is
// tolerated — the caller falls back to built-in defaults — but a malformed
// one is not.
func (l *configLoader) loadYAML() (*yamlConfig, error) {
	var cfg yamlConfig

	if l.path == "" {
		return &cfg, nil
	}

	data, err := os.ReadFile(filepath.Clean(l.path))
	if err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, err
	}

	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return &cfg, nil
}
