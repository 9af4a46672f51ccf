// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package action defines the candidate action an actor asks the daemon to
// perform, and its validation rules.
package action

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/warden/services/warden/trust"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// MaxParamsBytes bounds the encoded size of string parameters.
	MaxParamsBytes = 256 * 1024

	// MaxPaths bounds the number of paths one action may declare.
	MaxPaths = 256
)

// ErrInvalidAction is returned when an action fails validation.
var ErrInvalidAction = errors.New("invalid action")

// =============================================================================
// Shared Validator Instance
// =============================================================================

var actionValidate *validator.Validate

func init() {
	actionValidate = validator.New()
	_ = actionValidate.RegisterValidation("trustlevel", validateTrustLevel)
	_ = actionValidate.RegisterValidation("capid", validateCapabilityID)
}

func validateTrustLevel(fl validator.FieldLevel) bool {
	return trust.Level(fl.Field().Int()).Valid()
}

// validateCapabilityID accepts dotted lower-case identifiers like "fs.write".
func validateCapabilityID(fl validator.FieldLevel) bool {
	id := fl.Field().String()
	if id == "" || strings.HasPrefix(id, ".") || strings.HasSuffix(id, ".") {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

// =============================================================================
// Action
// =============================================================================

// Action is a candidate operation submitted on behalf of an actor.
//
// # Description
//
// Kind names what the action does ("git.push", "fs.write"). Capability is
// the bridge capability that performs it. Params are passed to the
// capability verbatim. Paths lists files the action may touch; they are
// inspected by the forbidden registry and snapshotted for rollback.
//
// # Validation
//
// Uses go-playground/validator:
//   - Kind: required, at most 128 bytes
//   - Capability: required dotted identifier
//   - RequiredLevel: a defined trust level
//   - Paths: at most 256 non-empty entries
type Action struct {
	ID            string         `json:"id,omitempty" validate:"omitempty,max=64"`
	Kind          string         `json:"kind" validate:"required,max=128"`
	Capability    string         `json:"capability" validate:"required,max=128,capid"`
	Target        string         `json:"target,omitempty" validate:"max=1024"`
	Params        map[string]any `json:"params,omitempty"`
	RequiredLevel trust.Level    `json:"required_level" validate:"trustlevel"`
	Mutating      bool           `json:"mutating"`
	Paths         []string       `json:"paths,omitempty" validate:"max=256,dive,required,max=4096"`
	Description   string         `json:"description,omitempty" validate:"max=2048"`
}

// Validate checks the action shape.
//
// # Outputs
//
//   - error: Wraps ErrInvalidAction with the failing fields, or nil.
func (a Action) Validate() error {
	if err := actionValidate.Struct(a); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s(%s)", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidAction, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidAction, err)
	}
	size := 0
	for _, s := range a.StringParams() {
		size += len(s)
	}
	if size > MaxParamsBytes {
		return fmt.Errorf("%w: params exceed %d bytes", ErrInvalidAction, MaxParamsBytes)
	}
	return nil
}

// EffectiveLevel is the trust level the actor must hold to run the action:
// the highest of the declared level, the capability minimum and BOUNDED for
// any mutating action.
func (a Action) EffectiveLevel(capabilityMin trust.Level) trust.Level {
	lvl := trust.MaxLevel(a.RequiredLevel, capabilityMin)
	if a.Mutating {
		lvl = trust.MaxLevel(lvl, trust.Bounded)
	}
	return lvl
}

// Args returns the "args" parameter as strings, or nil.
func (a Action) Args() []string {
	raw, ok := a.Params["args"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// StringParams returns every string value in Params, including strings
// nested in slices and maps, in no particular order.
func (a Action) StringParams() []string {
	var out []string
	var walk func(v any)
	walk = func(v any) {
		switch t := v.(type) {
		case string:
			out = append(out, t)
		case []string:
			out = append(out, t...)
		case []any:
			for _, item := range t {
				walk(item)
			}
		case map[string]any:
			for _, item := range t {
				walk(item)
			}
		}
	}
	walk(a.Params)
	return out
}

// Clone returns a deep copy so callers cannot mutate a submitted action.
func (a Action) Clone() Action {
	out := a
	out.Paths = append([]string(nil), a.Paths...)
	if a.Params != nil {
		out.Params = cloneParams(a.Params)
	}
	return out
}

func cloneParams(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneParams(t)
	case []any:
		cp := make([]any, len(t))
		for i, item := range t {
			cp[i] = cloneValue(item)
		}
		return cp
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
