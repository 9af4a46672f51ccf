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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// TestCreateDefault verifies default config creation.
func TestCreateDefault(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), ".warden", "warden.yaml")
	require.NoError(t, createDefault(configPath))

	data, err := os.ReadFile(configPath)
	require.NoError(t, err)

	var cfg WardenConfig
	require.NoError(t, yaml.Unmarshal(data, &cfg))
	assert.Equal(t, CurrentConfigVersion, cfg.Meta.Version)
	assert.Equal(t, 24*time.Hour, cfg.Daemon.Trust.MinObservationPeriod)
	assert.Equal(t, 100, cfg.Daemon.Retention.MaxCount)
	assert.Equal(t, 7*24*time.Hour, cfg.Daemon.Retention.MaxAge)
	assert.Equal(t, "127.0.0.1:7420", cfg.API.Addr)
	assert.Contains(t, string(data), "min_observation_period: 24h0m0s")
}

// TestCreateDefault_DirectoryCreation verifies directory is created.
func TestCreateDefault_DirectoryCreation(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "deep", "nested", "path", "warden.yaml")
	require.NoError(t, createDefault(configPath))
	_, err := os.Stat(filepath.Dir(configPath))
	assert.NoError(t, err)
}

func TestLoadFrom_CreatesMissingFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "warden.yaml")
	cfg, err := LoadFrom(configPath)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Daemon.Trust, cfg.Daemon.Trust)
	_, err = os.Stat(configPath)
	assert.NoError(t, err)
}

func TestLoadFrom_PartialFileKeepsDefaults(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "warden.yaml")
	partial := `
meta:
  version: "1"
daemon:
  trust:
    min_observation_period: 2h
    success_streak: 9
  aggregator:
    window: 250ms
`
	require.NoError(t, os.WriteFile(configPath, []byte(partial), 0644))

	cfg, err := LoadFrom(configPath)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, cfg.Daemon.Trust.MinObservationPeriod)
	assert.Equal(t, 9, cfg.Daemon.Trust.SuccessStreak)
	assert.Equal(t, 250*time.Millisecond, cfg.Daemon.Aggregator.Window)

	def := DefaultConfig()
	assert.Equal(t, def.Daemon.Trust.AcceptanceThreshold, cfg.Daemon.Trust.AcceptanceThreshold)
	assert.Equal(t, def.Daemon.Retention, cfg.Daemon.Retention)
	assert.Equal(t, def.API.Addr, cfg.API.Addr)
}

func TestLoadFrom_Errors(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("daemon: [unterminated"), 0644))
	_, err := LoadFrom(bad)
	assert.Error(t, err)

	old := filepath.Join(dir, "old.yaml")
	require.NoError(t, os.WriteFile(old, []byte("meta:\n  version: \"0\"\n"), 0644))
	_, err = LoadFrom(old)
	assert.ErrorContains(t, err, "version")
}
