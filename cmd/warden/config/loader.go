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
	"sync"

	"gopkg.in/yaml.v3"
)

var (
	// Global is a singleton instance
	Global WardenConfig
	once   sync.Once
)

// DefaultPath is ~/.warden/warden.yaml.
func DefaultPath() string {
	return filepath.Join(wardenHome(), "warden.yaml")
}

// Load ensures the config at path (DefaultPath when empty) is loaded into
// the Global variable.
func Load(path string) error {
	var err error
	once.Do(func() {
		if path == "" {
			path = DefaultPath()
		}
		Global, err = LoadFrom(path)
	})
	return err
}

// LoadFrom reads one config file, creating it with defaults if missing.
// Keys absent from the file keep their default values.
func LoadFrom(configPath string) (WardenConfig, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, " First run detected, creating the config at %s\n", configPath)
		if err := createDefault(configPath); err != nil {
			return WardenConfig{}, err
		}
	}
	data, err := os.ReadFile(configPath)
	if err != nil {
		return WardenConfig{}, fmt.Errorf("failed to read the config file %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return WardenConfig{}, fmt.Errorf("failed to parse the config at %s: %w", configPath, err)
	}
	if cfg.Meta.Version != CurrentConfigVersion {
		return WardenConfig{}, fmt.Errorf("config %s has version %q, this build reads %q",
			configPath, cfg.Meta.Version, CurrentConfigVersion)
	}
	return cfg, nil
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
