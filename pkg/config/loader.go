// Package config loads and validates the single structured configuration
// object the pipeline runs on. Settings come from sluice.yaml with
// {{.ENV_VAR}} template expansion, merged over built-in defaults; no
// other package reads the environment.
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

// ConfigFileName is the expected file name inside the config directory.
const ConfigFileName = "sluice.yaml"

// Initialize loads, merges, validates, and returns ready-to-use
// configuration. This is the primary entry point.
//
// Steps performed:
//  1. Read sluice.yaml from configDir (missing file means pure defaults)
//  2. Expand {{.ENV_VAR}} templates
//  3. Parse YAML into the Config struct
//  4. Fill unset fields from built-in defaults
//  5. Validate the result
func Initialize(_ context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	log.Info("Configuration initialized successfully",
		"stream_batch_size", cfg.Stream.BatchSize,
		"indexing_concurrency", cfg.Indexing.Concurrency,
		"s3_bucket", cfg.S3.Bucket)
	return cfg, nil
}

func load(configDir string) (*Config, error) {
	cfg := Config{}

	path := filepath.Join(configDir, ConfigFileName)
	raw, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		slog.Warn("No configuration file found, using built-in defaults", "path", path)
	case err != nil:
		return nil, NewLoadError(ConfigFileName, err)
	default:
		expanded, err := ExpandEnv(raw)
		if err != nil {
			return nil, NewLoadError(ConfigFileName, err)
		}
		if err := yaml.Unmarshal(expanded, &cfg); err != nil {
			return nil, NewLoadError(ConfigFileName, fmt.Errorf("%w: %w", ErrInvalidYAML, err))
		}
	}

	// Fill anything the file left unset from the defaults.
	defaults := DefaultConfig()
	if err := mergo.Merge(&cfg, defaults); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}

	return &cfg, nil
}
