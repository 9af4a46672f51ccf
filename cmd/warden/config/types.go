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

	"github.com/AleutianAI/warden/services/warden/api"
	"github.com/AleutianAI/warden/services/warden/daemon"
	"github.com/AleutianAI/warden/services/warden/telemetry"
)

// CurrentConfigVersion is written into new config files.
const CurrentConfigVersion = "1"

// WardenConfig is the whole ~/.warden/warden.yaml file.
type WardenConfig struct {
	Meta MetaConfig `yaml:"meta"`

	// Daemon holds the trust thresholds, the coherence window, sources
	// and storage.
	Daemon daemon.Config `yaml:"daemon"`

	// API is the HTTP listener. Client commands use Client.URL.
	API api.Config `yaml:"api"`

	Client ClientConfig `yaml:"client"`

	Logging LoggingConfig `yaml:"logging"`

	Telemetry telemetry.Config `yaml:"telemetry"`
}

type MetaConfig struct {
	Version string `yaml:"version"`
}

// ClientConfig is used by the status, escalate and act commands.
type ClientConfig struct {
	URL     string `yaml:"url"` // e.g. http://127.0.0.1:7420
	Timeout string `yaml:"timeout"`
}

type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
	Dir   string `yaml:"dir"`   // empty disables the JSON log file
	JSON  bool   `yaml:"json"`
}

// wardenHome is ~/.warden, or ./.warden when the home directory is unknown.
func wardenHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".warden"
	}
	return filepath.Join(home, ".warden")
}

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() WardenConfig {
	base := wardenHome()
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}

	d := daemon.DefaultConfig(filepath.Join(base, "data"))
	d.RepoPath = cwd
	d.WorkspaceRoot = cwd

	a := api.DefaultConfig()
	return WardenConfig{
		Meta:   MetaConfig{Version: CurrentConfigVersion},
		Daemon: d,
		API:    a,
		Client: ClientConfig{
			URL:     "http://" + a.Addr,
			Timeout: "30s",
		},
		Logging: LoggingConfig{
			Level: "info",
			Dir:   filepath.Join(base, "logs"),
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}
