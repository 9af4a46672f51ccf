// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/AleutianAI/warden/services/warden/trust"
)

// HTTPRequestID is the id of the JSON-over-HTTP capability.
const HTTPRequestID = "http.request"

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 1 << 20

// HTTPRequest sends one JSON request.
//
// Params:
//
//	method:  string, default "GET"
//	url:     string, http or https
//	body:    optional, encoded as JSON
//	headers: optional map of string values
//	inverse: optional {method, url, body, headers} describing the undo call
//
// A response status of 400 or above is an error.
type HTTPRequest struct {
	client *http.Client
}

// NewHTTPRequest creates the capability. A nil client uses a client with no
// timeout of its own; the bridge timeout applies.
func NewHTTPRequest(client *http.Client) *HTTPRequest {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPRequest{client: client}
}

func (h *HTTPRequest) ID() string { return HTTPRequestID }

func (h *HTTPRequest) Invoke(ctx context.Context, params map[string]any) (Result, error) {
	method, target, err := requestLine(params)
	if err != nil {
		return Result{}, err
	}

	var body io.Reader
	if raw, ok := params["body"]; ok && raw != nil {
		data, err := json.Marshal(raw)
		if err != nil {
			return Result{}, fmt.Errorf("%w: body: %v", ErrInvalidParams, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if hdrs, ok := params["headers"].(map[string]any); ok {
		for k, v := range hdrs {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Result{}, fmt.Errorf("read response: %w", err)
	}

	out := map[string]any{"status": resp.StatusCode}
	var decoded any
	if len(data) > 0 && json.Unmarshal(data, &decoded) == nil {
		out["body"] = decoded
	} else {
		out["body"] = string(data)
	}
	if resp.StatusCode >= 400 {
		return Result{Output: out}, fmt.Errorf("%s %s: status %d", method, target, resp.StatusCode)
	}
	return Result{Output: out}, nil
}

// Inverse returns the caller-supplied undo request.
func (h *HTTPRequest) Inverse(params map[string]any) (Call, error) {
	inv, ok := params["inverse"].(map[string]any)
	if !ok {
		return Call{}, fmt.Errorf("%w: no inverse request supplied", ErrNotInvertible)
	}
	if _, _, err := requestLine(inv); err != nil {
		return Call{}, err
	}
	next := cloneParams(inv)
	delete(next, "inverse")
	return Call{Capability: HTTPRequestID, Params: next}, nil
}

func (h *HTTPRequest) MinLevel() trust.Level { return trust.ReadOnly }

// Mutates is false only for safe methods.
func (h *HTTPRequest) Mutates(params map[string]any) bool {
	method, _, err := requestLine(params)
	if err != nil {
		return true
	}
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	default:
		return true
	}
}

func (h *HTTPRequest) Paths(map[string]any) ([]string, error) { return nil, nil }

func requestLine(params map[string]any) (string, string, error) {
	method, err := optionalString(params, "method", http.MethodGet)
	if err != nil {
		return "", "", err
	}
	method = strings.ToUpper(method)
	target, err := stringParam(params, "url")
	if err != nil {
		return "", "", err
	}
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", "", fmt.Errorf("%w: url %q must be absolute http(s)", ErrInvalidParams, target)
	}
	return method, target, nil
}
