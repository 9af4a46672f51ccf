// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/warden/cmd/warden/config"
	"github.com/AleutianAI/warden/services/warden/api"
	"github.com/AleutianAI/warden/services/warden/daemon"
	"github.com/AleutianAI/warden/services/warden/executor"
	"github.com/AleutianAI/warden/services/warden/trust"
)

// --- Global Command Variables ---
var (
	configPath string
	serverURL  string
	jsonOutput bool

	watchStatus bool

	actFile       string
	actKind       string
	actCapability string
	actParams     []string
	actMutating   bool
	actLevel      string
	actDesc       string

	reviewNote     string
	feedbackReject bool
	feedbackKey    string

	rootCmd = &cobra.Command{
		Use:   "warden",
		Short: "Observational trust daemon for automated actors",
		Long: `warden watches CI, version control, test and file events, builds
trust per actor from what it observes, and only lets an actor act once its
trust level covers the action.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.Load(configPath)
		},
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the daemon and its HTTP API in the foreground",
		Args:  cobra.NoArgs,
		RunE:  runDaemon, // Defined in cmd_run.go
	}

	maintainCmd = &cobra.Command{
		Use:   "maintain",
		Short: "Run one decay and retention sweep against the data directory (daemon must be stopped)",
		Args:  cobra.NoArgs,
		RunE:  runMaintain, // Defined in cmd_run.go
	}

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show actor trust levels, adapter health and recent actions",
		Args:  cobra.NoArgs,
		RunE:  runStatus, // Defined in cmd_client.go
	}

	actorCmd = &cobra.Command{
		Use:   "actor [actor-id]",
		Short: "Show one actor's evidence and recent actions",
		Args:  cobra.ExactArgs(1),
		RunE:  runActor,
	}

	escalateCmd = &cobra.Command{
		Use:   "escalate [actor-id]",
		Short: "Re-evaluate an actor's evidence for the next trust level",
		Args:  cobra.ExactArgs(1),
		RunE:  runEscalate,
	}

	actCmd = &cobra.Command{
		Use:   "act [actor-id]",
		Short: "Submit a candidate action on behalf of an actor",
		Example: `  warden act bot@ci --capability fs.write --param path=notes.txt --param content=hi --mutating
  warden act bot@ci --capability git.exec --param 'args:=["status","--short"]'
  warden act bot@ci --file action.json`,
		Args: cobra.ExactArgs(1),
		RunE: runAct,
	}

	reviewCmd = &cobra.Command{
		Use:   "review [actor-id]",
		Short: "Unfreeze an actor after a failed rollback was inspected",
		Args:  cobra.ExactArgs(1),
		RunE:  runReview,
	}

	feedbackCmd = &cobra.Command{
		Use:   "feedback [actor-id]",
		Short: "Record whether a suggestion from the actor was accepted",
		Args:  cobra.ExactArgs(1),
		RunE:  runFeedback,
	}

	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE:  runConfig,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.warden/warden.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "daemon API URL (default client.url from config)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print JSON instead of tables")

	statusCmd.Flags().BoolVarP(&watchStatus, "watch", "w", false, "stream status updates")

	actCmd.Flags().StringVarP(&actFile, "file", "f", "", "read the action as JSON from a file ('-' for stdin)")
	actCmd.Flags().StringVar(&actKind, "kind", "", "action kind (default: the capability id)")
	actCmd.Flags().StringVar(&actCapability, "capability", "", "capability to invoke, e.g. fs.write")
	actCmd.Flags().StringArrayVarP(&actParams, "param", "p", nil, "capability parameter key=value (repeatable)")
	actCmd.Flags().BoolVar(&actMutating, "mutating", false, "mark the action as mutating")
	actCmd.Flags().StringVar(&actLevel, "level", "", "required trust level, raises the capability minimum")
	actCmd.Flags().StringVar(&actDesc, "description", "", "free-form description")

	reviewCmd.Flags().StringVar(&reviewNote, "note", "", "what was inspected (required)")
	_ = reviewCmd.MarkFlagRequired("note")

	feedbackCmd.Flags().BoolVar(&feedbackReject, "reject", false, "record a rejected suggestion instead of an accepted one")
	feedbackCmd.Flags().StringVar(&feedbackKey, "key", "", "correlation key (commit SHA) of the suggestion")

	rootCmd.AddCommand(runCmd, maintainCmd, statusCmd, actorCmd, escalateCmd,
		actCmd, reviewCmd, feedbackCmd, configCmd)
}

// Exit codes.
const (
	exitError       = 1
	exitUnavailable = 2
	exitDenied      = 3
	exitNotFound    = 4
)

func exitCode(err error) int {
	var apiErr *api.APIError
	switch {
	case errors.Is(err, executor.ErrForbidden),
		errors.Is(err, executor.ErrInsufficientTrust),
		errors.Is(err, trust.ErrActorFrozen):
		return exitDenied
	case errors.Is(err, trust.ErrUnknownActor):
		return exitNotFound
	case errors.Is(err, daemon.ErrDataDirLocked):
		return exitUnavailable
	case errors.As(err, &apiErr):
		return exitError
	case errors.Is(err, errUnreachable):
		return exitUnavailable
	}
	return exitError
}

func clientTimeout() time.Duration {
	d, err := time.ParseDuration(config.Global.Client.Timeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}
