package config

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Initialize loads, merges, validates, and returns ready-to-use
// configuration. path names the engram.yaml file; an empty path or a missing
// file yields pure defaults (environment-expanded defaults still apply).
//
// Steps performed:
//  1. Start from built-in defaults
//  2. Read the user file, expand {{.ENV_VAR}} references
//  3. Strict-decode YAML (unknown keys are errors)
//  4. Merge user values over defaults
//  5. Validate everything
func Initialize(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		user, err := loadFile(path)
		if err != nil {
			return nil, err
		}
		if user != nil {
			if err := mergo.Merge(cfg, user, mergo.WithOverride); err != nil {
				return nil, fmt.Errorf("failed to merge configuration: %w", err)
			}
		}
	}

	if err := NewValidator(cfg).ValidateAll(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	slog.Info("Configuration initialized",
		"path", path,
		"llm_default", cfg.LLM.Default,
		"embedding_provider", cfg.Embedding.Provider,
		"embedding_dimensions", cfg.Embedding.Dimensions)

	return cfg, nil
}

// loadFile reads and decodes one YAML file. A missing file is not an error:
// deployments may run on defaults plus environment variables alone.
func loadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("Configuration file not found, using defaults", "path", path)
			return nil, nil
		}
		return nil, NewLoadError(path, err)
	}

	expanded := ExpandEnv(data)

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, NewLoadError(path, fmt.Errorf("invalid YAML: %w", err))
	}

	return &cfg, nil
}
