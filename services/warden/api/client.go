// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/AleutianAI/warden/services/warden/action"
	"github.com/AleutianAI/warden/services/warden/daemon"
	"github.com/AleutianAI/warden/services/warden/executor"
	"github.com/AleutianAI/warden/services/warden/trust"
)

// APIError is a non-2xx response decoded by Client.
//
// errors.Is matches the sentinel the server mapped to Code, so callers can
// test client errors the same way as in-process ones.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Result     *executor.Result
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d %s)", e.Message, e.StatusCode, e.Code)
}

// Unwrap returns the sentinel registered for Code, if any.
func (e *APIError) Unwrap() error {
	for _, m := range errorTable {
		if m.code == e.Code {
			return m.target
		}
	}
	return nil
}

// Client talks to a running daemon.
type Client struct {
	base string
	http *http.Client
}

// NewClient returns a client for base, e.g. "http://127.0.0.1:7420".
func NewClient(base string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: timeout},
	}
}

// Status fetches the daemon status.
func (c *Client) Status(ctx context.Context) (daemon.Status, error) {
	var st daemon.Status
	err := c.do(ctx, http.MethodGet, "/v1/status", nil, &st)
	return st, err
}

// ActorStatus fetches one actor.
func (c *Client) ActorStatus(ctx context.Context, actorID string) (daemon.ActorStatus, error) {
	var st daemon.ActorStatus
	err := c.do(ctx, http.MethodGet, actorPath(actorID, ""), nil, &st)
	return st, err
}

// Escalate asks the daemon to re-evaluate an actor.
func (c *Client) Escalate(ctx context.Context, actorID string) (trust.Transition, error) {
	var t trust.Transition
	err := c.do(ctx, http.MethodPost, actorPath(actorID, "/escalate"), struct{}{}, &t)
	return t, err
}

// Act submits an action. On failure the returned error is an *APIError
// whose Result carries the attempt, when the daemon recorded one.
func (c *Client) Act(ctx context.Context, actorID string, a action.Action) (executor.Result, error) {
	var res executor.Result
	err := c.do(ctx, http.MethodPost, actorPath(actorID, "/actions"), a, &res)
	return res, err
}

// Review unfreezes an actor.
func (c *Client) Review(ctx context.Context, actorID, note string) (trust.Transition, error) {
	var t trust.Transition
	err := c.do(ctx, http.MethodPost, actorPath(actorID, "/review"), ReviewRequest{Note: note}, &t)
	return t, err
}

// Feedback records a suggestion verdict.
func (c *Client) Feedback(ctx context.Context, actorID string, accepted bool, correlationKey string) error {
	req := FeedbackRequest{Accepted: &accepted, CorrelationKey: correlationKey}
	return c.do(ctx, http.MethodPost, actorPath(actorID, "/feedback"), req, nil)
}

// Watch streams status frames to fn until ctx is cancelled, the server
// closes the stream, or fn returns an error.
func (c *Client) Watch(ctx context.Context, fn func(daemon.Status) error) error {
	u, err := url.Parse(c.base + "/v1/status/stream")
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial status stream: %w", err)
	}
	defer ws.Close()
	stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
	defer stop()

	for {
		var st daemon.Status
		if err := ws.ReadJSON(&st); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read status stream: %w", err)
		}
		if err := fn(st); err != nil {
			return err
		}
	}
}

func actorPath(actorID, suffix string) string {
	return "/v1/actors/" + url.PathEscape(actorID) + suffix
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var er ErrorResponse
		if json.Unmarshal(data, &er) == nil && er.Code != "" {
			apiErr.Code = er.Code
			apiErr.Message = er.Error
			apiErr.Result = er.Result
		}
		return apiErr
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
