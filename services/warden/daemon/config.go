// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package daemon

import (
	"fmt"
	"time"

	"github.com/AleutianAI/warden/services/warden/actionlog"
	"github.com/AleutianAI/warden/services/warden/aggregator"
	"github.com/AleutianAI/warden/services/warden/bridge"
	"github.com/AleutianAI/warden/services/warden/executor"
	"github.com/AleutianAI/warden/services/warden/sources"
	"github.com/AleutianAI/warden/services/warden/trust"
)

// Config is the complete daemon configuration.
type Config struct {
	// DataDir holds the database, checkpoint snapshots and the lock file.
	DataDir string `yaml:"data_dir"`

	// RepoPath is the repository the git capability and the VCS source
	// operate on. Empty disables both.
	RepoPath string `yaml:"repo_path"`

	// WorkspaceRoot confines fs.write and fs.patch. Defaults to RepoPath.
	WorkspaceRoot string `yaml:"workspace_root"`

	// DefaultActor receives observations that name no actor. Empty drops
	// them.
	DefaultActor string `yaml:"default_actor"`

	// Workers is the number of per-actor evidence shards. Default: 4
	Workers int `yaml:"workers"`

	// WorkerQueue is the capacity of each shard's queue. Default: 64
	WorkerQueue int `yaml:"worker_queue"`

	// HandoffTimeout bounds the dispatch to a full shard. Default: 1s
	HandoffTimeout time.Duration `yaml:"handoff_timeout"`

	// MaintenanceInterval is how often decay and retention run. Default: 1h
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`

	// RecentActions is how many records Status returns. Default: 20
	RecentActions int `yaml:"recent_actions"`

	// GitCommandTimeout bounds one git invocation. Default: 30s
	GitCommandTimeout time.Duration `yaml:"git_command_timeout"`

	Trust      trust.Config          `yaml:"trust"`
	Aggregator aggregator.Config     `yaml:"aggregator"`
	Executor   executor.Config       `yaml:"executor"`
	Bridge     bridge.Config         `yaml:"bridge"`
	Retention  actionlog.Retention   `yaml:"retention"`
	Archive    ArchiveConfig         `yaml:"archive"`
	Adapter    sources.AdapterConfig `yaml:"adapter"`
	Sources    SourcesConfig         `yaml:"sources"`
}

// ArchiveConfig selects where pruned action records go. Both empty means
// they are deleted without a copy.
type ArchiveConfig struct {
	Dir string              `yaml:"dir"`
	GCS actionlog.GCSConfig `yaml:"gcs"`
}

// SourcesConfig enables event sources.
type SourcesConfig struct {
	// Files lists watched directory trees, one fs source each.
	Files []sources.FileSourceConfig `yaml:"files"`

	// Git enables the VCS source on RepoPath.
	Git bool `yaml:"git"`

	// TestReports is a directory watched for test reports. Empty disables.
	TestReports string `yaml:"test_reports"`

	Bus BusConfig        `yaml:"bus"`
	CI  sources.CIConfig `yaml:"ci"`

	// CIEnabled turns on the webhook source.
	CIEnabled bool `yaml:"ci_enabled"`
}

// BusConfig selects the bus transport. Without RedisAddr the bus is in
// process.
type BusConfig struct {
	Channel       string `yaml:"channel"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

// DefaultConfig returns defaults for a daemon rooted at dataDir.
func DefaultConfig(dataDir string) Config {
	return Config{
		DataDir:             dataDir,
		Workers:             4,
		WorkerQueue:         64,
		HandoffTimeout:      time.Second,
		MaintenanceInterval: time.Hour,
		RecentActions:       20,
		GitCommandTimeout:   30 * time.Second,
		Trust:               trust.DefaultConfig(),
		Aggregator:          aggregator.DefaultConfig(),
		Executor:            executor.DefaultConfig(),
		Bridge:              bridge.DefaultConfig(),
		Retention:           actionlog.DefaultRetention(),
		Adapter:             sources.DefaultAdapterConfig(),
		Sources: SourcesConfig{
			Bus: BusConfig{Channel: sources.DefaultBusChannel},
		},
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig(c.DataDir)
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.WorkerQueue <= 0 {
		c.WorkerQueue = def.WorkerQueue
	}
	if c.HandoffTimeout <= 0 {
		c.HandoffTimeout = def.HandoffTimeout
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = def.MaintenanceInterval
	}
	if c.RecentActions <= 0 {
		c.RecentActions = def.RecentActions
	}
	if c.GitCommandTimeout <= 0 {
		c.GitCommandTimeout = def.GitCommandTimeout
	}
	if c.Retention.MaxCount <= 0 {
		c.Retention.MaxCount = def.Retention.MaxCount
	}
	if c.Retention.MaxAge <= 0 {
		c.Retention.MaxAge = def.Retention.MaxAge
	}
	if c.Sources.Bus.Channel == "" {
		c.Sources.Bus.Channel = sources.DefaultBusChannel
	}
	if c.WorkspaceRoot == "" {
		c.WorkspaceRoot = c.RepoPath
	}
}

// Validate checks the parts of the configuration that have no usable
// default.
func (c Config) Validate() error {
	if err := c.Trust.Validate(); err != nil {
		return err
	}
	if c.Aggregator.Window <= 0 {
		return fmt.Errorf("%w: aggregator.window must be positive", ErrInvalidConfig)
	}
	if c.Sources.Git && c.RepoPath == "" {
		return fmt.Errorf("%w: sources.git requires repo_path", ErrInvalidConfig)
	}
	return nil
}
