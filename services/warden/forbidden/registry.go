// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package forbidden holds the compiled-in registry of actions that are never
// executed, whatever the actor's trust level.
//
// The registry has no mutators. It is built once at package init from the
// table in patterns.go and can only be changed by rebuilding the binary.
package forbidden

import (
	"regexp"
	"strings"

	"github.com/AleutianAI/warden/services/warden/action"
)

// Field identifies which part of an action a rule inspects.
type Field string

const (
	FieldKind       Field = "kind"
	FieldCapability Field = "capability"
	FieldTarget     Field = "target"
	FieldPath       Field = "path"
	FieldParam      Field = "param"
	FieldCommand    Field = "command"
)

// Verdict is the result of a registry check.
type Verdict struct {
	Forbidden bool   `json:"forbidden"`
	Pattern   string `json:"pattern,omitempty"`
	Reason    string `json:"reason,omitempty"`

	// Field and Matched name the inspected text that tripped the rule.
	Field   Field  `json:"field,omitempty"`
	Matched string `json:"matched,omitempty"`
}

// Descriptor is a read-only description of one rule.
type Descriptor struct {
	Name   string   `json:"name"`
	Reason string   `json:"reason"`
	Exact  []string `json:"exact,omitempty"`
	All    []string `json:"all,omitempty"`
	None   []string `json:"none,omitempty"`
	Scope  []Field  `json:"scope,omitempty"`
}

// pattern is a compiled rule. A candidate matches when it equals one of
// exact, or when every all-regexp matches it and no none-regexp does.
type pattern struct {
	name   string
	reason string
	exact  map[string]struct{}
	all    []*regexp.Regexp
	none   []*regexp.Regexp
	scope  map[Field]struct{}
}

type candidate struct {
	field Field
	text  string
}

var registry = compile(rules)

func compile(defs []Descriptor) []pattern {
	out := make([]pattern, 0, len(defs))
	for _, d := range defs {
		p := pattern{
			name:   d.Name,
			reason: d.Reason,
			exact:  make(map[string]struct{}, len(d.Exact)),
			scope:  make(map[Field]struct{}, len(d.Scope)),
		}
		for _, e := range d.Exact {
			p.exact[strings.ToLower(e)] = struct{}{}
		}
		for _, src := range d.All {
			p.all = append(p.all, regexp.MustCompile(src))
		}
		for _, src := range d.None {
			p.none = append(p.none, regexp.MustCompile(src))
		}
		for _, f := range d.Scope {
			p.scope[f] = struct{}{}
		}
		out = append(out, p)
	}
	return out
}

// Check reports whether the action matches any forbidden rule.
//
// # Description
//
// Inspects the action kind, capability, target, declared paths, string
// parameters and, when an "args" parameter is present, the command line it
// forms. Matching is case-insensitive. The first matching rule wins, in
// table order.
//
// # Thread Safety
//
// Safe for concurrent use; the registry is immutable.
func Check(a action.Action) Verdict {
	cands := candidates(a)
	for i := range registry {
		p := &registry[i]
		for _, c := range cands {
			if p.matches(c) {
				return Verdict{
					Forbidden: true,
					Pattern:   p.name,
					Reason:    p.reason,
					Field:     c.field,
					Matched:   truncate(c.text, 200),
				}
			}
		}
	}
	return Verdict{}
}

// Patterns returns a copy of every rule, in evaluation order.
func Patterns() []Descriptor {
	out := make([]Descriptor, len(rules))
	for i, d := range rules {
		out[i] = Descriptor{
			Name:   d.Name,
			Reason: d.Reason,
			Exact:  append([]string(nil), d.Exact...),
			All:    append([]string(nil), d.All...),
			None:   append([]string(nil), d.None...),
			Scope:  append([]Field(nil), d.Scope...),
		}
	}
	return out
}

func (p *pattern) matches(c candidate) bool {
	if len(p.scope) > 0 {
		if _, ok := p.scope[c.field]; !ok {
			return false
		}
	}
	if _, ok := p.exact[c.text]; ok {
		return true
	}
	if len(p.all) == 0 {
		return false
	}
	for _, re := range p.all {
		if !re.MatchString(c.text) {
			return false
		}
	}
	for _, re := range p.none {
		if re.MatchString(c.text) {
			return false
		}
	}
	return true
}

func candidates(a action.Action) []candidate {
	var out []candidate
	add := func(f Field, s string) {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, candidate{field: f, text: s})
		}
	}
	add(FieldKind, a.Kind)
	add(FieldCapability, a.Capability)
	add(FieldTarget, a.Target)
	for _, p := range a.Paths {
		add(FieldPath, strings.ReplaceAll(p, `\`, "/"))
	}
	for _, s := range a.StringParams() {
		add(FieldParam, s)
	}
	if args := a.Args(); len(args) > 0 {
		line := strings.Join(args, " ")
		if strings.HasPrefix(strings.ToLower(a.Capability), "git") && !strings.HasPrefix(strings.ToLower(line), "git ") {
			line = "git " + line
		}
		add(FieldCommand, line)
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
