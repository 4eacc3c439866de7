// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Environment overrides. The URL variables accept a bare host:port.
const (
	EnvTriggerServerURL = "TRIGGER_SERVER_URL"
	EnvMongoServerURL   = "MONGODB_SERVER_URL"
	EnvStoreBackend     = "SAGE_STORE_BACKEND"
	EnvConfigPath       = "SAGE_CONFIG"
)

var (
	// Global is a singleton instance
	Global SageConfig
	once   sync.Once

	validate = validator.New()
)

// Load ensures the config is loaded into the Global variable
func Load() error {
	var err error
	once.Do(func() {
		var path string
		path, err = Path()
		if err != nil {
			return
		}
		Global, err = LoadFrom(path)
	})
	return err
}

// Path returns $SAGE_CONFIG or ~/.sage/config.yaml.
func Path() (string, error) {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return ExpandPath(p), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".sage", "config.yaml"), nil
}

// LoadFrom reads the config at path, creating it with defaults on first
// run. Keys missing from the file keep their default values. Environment
// overrides are applied before validation.
func LoadFrom(path string) (SageConfig, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, " First run detected, creating the config at %s\n", path)
		if err := createDefault(path); err != nil {
			return SageConfig{}, err
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return SageConfig{}, fmt.Errorf("failed to read the config file %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return SageConfig{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults, applies the environment and
// validates the result.
func Parse(data []byte) (SageConfig, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return SageConfig{}, fmt.Errorf("failed to parse the config: %w", err)
	}
	applyEnv(&cfg, os.Getenv)
	if err := Validate(cfg); err != nil {
		return SageConfig{}, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func Validate(cfg SageConfig) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func applyEnv(cfg *SageConfig, getenv func(string) string) {
	if v := getenv(EnvTriggerServerURL); v != "" {
		cfg.Server.URL = withScheme(v, "http")
	}
	if v := getenv(EnvMongoServerURL); v != "" {
		cfg.Store.MongoURI = withScheme(v, "mongodb")
	}
	if v := getenv(EnvStoreBackend); v != "" {
		cfg.Store.Backend = strings.ToLower(strings.TrimSpace(v))
	}
}

func withScheme(raw, scheme string) string {
	raw = strings.TrimSpace(raw)
	if strings.Contains(raw, "://") {
		return raw
	}
	return scheme + "://" + raw
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

func createDefault(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create the config directory %w", err)
	}
	defaultCfg := DefaultConfig()
	data, err := yaml.Marshal(defaultCfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
