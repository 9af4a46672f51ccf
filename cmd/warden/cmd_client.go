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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/warden/cmd/warden/config"
	"github.com/AleutianAI/warden/services/warden/action"
	"github.com/AleutianAI/warden/services/warden/api"
	"github.com/AleutianAI/warden/services/warden/daemon"
	"github.com/AleutianAI/warden/services/warden/trust"
)

var errUnreachable = errors.New("daemon unreachable")

func newClient() *api.Client {
	url := serverURL
	if url == "" {
		url = config.Global.Client.URL
	}
	return api.NewClient(url, clientTimeout())
}

// clientErr tags transport failures so the exit code tells "not running"
// apart from a refused request.
func clientErr(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *api.APIError
	if errors.As(err, &apiErr) {
		return err
	}
	return fmt.Errorf("%w: %w", errUnreachable, err)
}

func runStatus(cmd *cobra.Command, _ []string) error {
	c := newClient()
	out := cmd.OutOrStdout()
	if watchStatus {
		return clientErr(c.Watch(cmd.Context(), func(st daemon.Status) error {
			if jsonOutput {
				return printJSON(out, st)
			}
			fmt.Fprint(out, "\033[H\033[2J")
			printStatus(out, st)
			return nil
		}))
	}

	st, err := c.Status(cmd.Context())
	if err != nil {
		return clientErr(err)
	}
	if jsonOutput {
		return printJSON(out, st)
	}
	printStatus(out, st)
	return nil
}

func runActor(cmd *cobra.Command, args []string) error {
	st, err := newClient().ActorStatus(cmd.Context(), args[0])
	if err != nil {
		return clientErr(err)
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), st)
	}
	printActor(cmd.OutOrStdout(), st)
	return nil
}

func runEscalate(cmd *cobra.Command, args []string) error {
	t, err := newClient().Escalate(cmd.Context(), args[0])
	if err != nil {
		return clientErr(err)
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), t)
	}
	printTransition(cmd.OutOrStdout(), t)
	return nil
}

func runAct(cmd *cobra.Command, args []string) error {
	a, err := buildAction(cmd.InOrStdin())
	if err != nil {
		return err
	}
	res, err := newClient().Act(cmd.Context(), args[0], a)
	out := cmd.OutOrStdout()
	if err != nil {
		var apiErr *api.APIError
		if errors.As(err, &apiErr) && apiErr.Result != nil {
			printResult(out, *apiErr.Result)
		}
		return clientErr(err)
	}
	if jsonOutput {
		return printJSON(out, res)
	}
	printResult(out, res)
	return nil
}

func runReview(cmd *cobra.Command, args []string) error {
	t, err := newClient().Review(cmd.Context(), args[0], reviewNote)
	if err != nil {
		return clientErr(err)
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), t)
	}
	printTransition(cmd.OutOrStdout(), t)
	return nil
}

func runFeedback(cmd *cobra.Command, args []string) error {
	if err := newClient().Feedback(cmd.Context(), args[0], !feedbackReject, feedbackKey); err != nil {
		return clientErr(err)
	}
	verdict := "accepted"
	if feedbackReject {
		verdict = "rejected"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "queued %s suggestion for %s\n", verdict, args[0])
	return nil
}

// buildAction reads --file or assembles the action from flags.
func buildAction(stdin io.Reader) (action.Action, error) {
	var a action.Action
	if actFile != "" {
		var (
			data []byte
			err  error
		)
		if actFile == "-" {
			data, err = io.ReadAll(stdin)
		} else {
			data, err = os.ReadFile(actFile)
		}
		if err != nil {
			return a, fmt.Errorf("read action: %w", err)
		}
		if err := json.Unmarshal(data, &a); err != nil {
			return a, fmt.Errorf("%w: %v", action.ErrInvalidAction, err)
		}
		return a, nil
	}

	if actCapability == "" {
		return a, fmt.Errorf("%w: --capability or --file is required", action.ErrInvalidAction)
	}
	params, err := parseParams(actParams)
	if err != nil {
		return a, err
	}
	a = action.Action{
		Kind:        actKind,
		Capability:  actCapability,
		Params:      params,
		Mutating:    actMutating,
		Description: actDesc,
	}
	if a.Kind == "" {
		a.Kind = actCapability
	}
	if actLevel != "" {
		lvl, err := trust.ParseLevel(actLevel)
		if err != nil {
			return a, err
		}
		a.RequiredLevel = lvl
	}
	return a, nil
}

// parseParams turns key=value pairs into string params and key:=json
// pairs into typed ones, so 'args:=["log","-1"]' gives git.exec its
// argument list and 'headers:={"Accept":"text/plain"}' a header map.
func parseParams(pairs []string) (map[string]any, error) {
	params := make(map[string]any, len(pairs))
	for _, p := range pairs {
		eq := strings.IndexByte(p, '=')
		if eq <= 0 {
			return nil, fmt.Errorf("%w: param %q is not key=value", action.ErrInvalidAction, p)
		}
		key, value := p[:eq], p[eq+1:]
		if !strings.HasSuffix(key, ":") {
			params[key] = value
			continue
		}
		key = strings.TrimSuffix(key, ":")
		if key == "" {
			return nil, fmt.Errorf("%w: param %q has no key", action.ErrInvalidAction, p)
		}
		var v any
		if err := json.Unmarshal([]byte(value), &v); err != nil {
			return nil, fmt.Errorf("%w: param %s: %v", action.ErrInvalidAction, key, err)
		}
		params[key] = v
	}
	return params, nil
}
