// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sources

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/go-openapi/strfmt"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/warden/services/warden/events"
)

// Webhook ingress errors.
var (
	// ErrInvalidSignature is returned when X-Hub-Signature-256 does not
	// match the body.
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrRateLimited is returned when deliveries exceed the configured rate.
	ErrRateLimited = errors.New("webhook rate limit exceeded")

	// ErrBacklogFull is returned when the source cannot accept more
	// deliveries until the pipeline catches up.
	ErrBacklogFull = errors.New("webhook backlog full")

	// ErrUnsupportedEvent is returned for GitHub event types other than
	// workflow_run and ping.
	ErrUnsupportedEvent = errors.New("unsupported webhook event")
)

// SignaturePrefix precedes the hex digest in X-Hub-Signature-256.
const SignaturePrefix = "sha256="

// CIConfig configures the CI webhook source.
type CIConfig struct {
	// ID is the source id. Default: "ci"
	ID string `yaml:"id"`

	// Secret is the shared webhook secret. Empty disables signature
	// verification.
	Secret string `yaml:"secret"`

	// RatePerSecond is the sustained delivery rate. Default: 10
	RatePerSecond float64 `yaml:"rate_per_second"`

	// Burst is the token bucket size. Default: 20
	Burst int `yaml:"burst"`

	// Backlog bounds accepted deliveries not yet emitted. Default: 256
	Backlog int `yaml:"backlog"`
}

// CISource receives GitHub workflow_run webhooks.
//
// # Description
//
// Handle is called by the HTTP layer for each delivery. It rate limits,
// verifies the HMAC signature, maps the run to a ci.* event and queues it.
// Run drains the queue into the adapter. Redelivered deliveries (same
// delivery id) are accepted and ignored.
//
// # Thread Safety
//
// Safe for concurrent use.
type CISource struct {
	id      string
	secret  *memguard.Enclave
	limiter *rate.Limiter
	backlog chan events.SystemEvent
	now     func() time.Time
	logger  *slog.Logger

	mu       sync.Mutex
	seen     map[string]struct{}
	seenRing []string
	seenNext int
}

const seenDeliveries = 1024

// NewCISource creates the CI source. The secret is moved into a memguard
// enclave and never held in ordinary memory afterwards.
func NewCISource(cfg CIConfig) *CISource {
	if cfg.ID == "" {
		cfg.ID = events.SourceCI
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 20
	}
	if cfg.Backlog <= 0 {
		cfg.Backlog = 256
	}
	s := &CISource{
		id:       cfg.ID,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		backlog:  make(chan events.SystemEvent, cfg.Backlog),
		now:      time.Now,
		logger:   slog.Default().With("component", "ci_source", "source_id", cfg.ID),
		seen:     make(map[string]struct{}),
		seenRing: make([]string, seenDeliveries),
	}
	if cfg.Secret != "" {
		s.secret = memguard.NewEnclave([]byte(cfg.Secret))
	} else {
		s.logger.Warn("webhook signature verification disabled: no secret configured")
	}
	return s
}

// ID implements Source.
func (s *CISource) ID() string { return s.id }

// Run implements Source.
func (s *CISource) Run(ctx context.Context, emit Emit) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-s.backlog:
			emit(ev)
		}
	}
}

// Handle processes one webhook delivery.
//
// # Inputs
//
//   - eventType: X-GitHub-Event header.
//   - deliveryID: X-GitHub-Delivery header.
//   - body: Raw request body.
//   - signature: X-Hub-Signature-256 header.
//
// # Outputs
//
//   - error: ErrRateLimited, ErrInvalidSignature, ErrUnsupportedEvent,
//     events.ErrMalformedEvent or ErrBacklogFull; nil when accepted.
func (s *CISource) Handle(ctx context.Context, eventType, deliveryID string, body []byte, signature string) error {
	err := s.handle(eventType, deliveryID, body, signature)
	recordWebhook(ctx, webhookResult(err))
	if err != nil && !errors.Is(err, ErrRateLimited) {
		s.logger.Warn("webhook delivery rejected",
			"event", eventType, "delivery_id", deliveryID, "error", err)
	}
	return err
}

func (s *CISource) handle(eventType, deliveryID string, body []byte, signature string) error {
	if !s.limiter.Allow() {
		return ErrRateLimited
	}
	if err := s.verify(body, signature); err != nil {
		return err
	}
	switch eventType {
	case "ping":
		return nil
	case "workflow_run":
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedEvent, eventType)
	}
	if deliveryID != "" && s.seenBefore(deliveryID) {
		return nil
	}

	ev, err := s.parseWorkflowRun(body)
	if err != nil {
		return err
	}
	select {
	case s.backlog <- ev:
		s.remember(deliveryID)
		return nil
	default:
		return ErrBacklogFull
	}
}

func (s *CISource) verify(body []byte, signature string) error {
	if s.secret == nil {
		return nil
	}
	if !strings.HasPrefix(signature, SignaturePrefix) {
		return ErrInvalidSignature
	}
	got, err := hex.DecodeString(strings.TrimPrefix(signature, SignaturePrefix))
	if err != nil {
		return ErrInvalidSignature
	}
	key, err := s.secret.Open()
	if err != nil {
		return fmt.Errorf("open webhook secret: %w", err)
	}
	defer key.Destroy()

	mac := hmac.New(sha256.New, key.Bytes())
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrInvalidSignature
	}
	return nil
}

func (s *CISource) seenBefore(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[id]
	return ok
}

func (s *CISource) remember(id string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if old := s.seenRing[s.seenNext]; old != "" {
		delete(s.seen, old)
	}
	s.seenRing[s.seenNext] = id
	s.seenNext = (s.seenNext + 1) % len(s.seenRing)
	s.seen[id] = struct{}{}
}

// Sign returns the X-Hub-Signature-256 value for body. Used by tests and
// by tooling that replays deliveries.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return SignaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// =============================================================================
// workflow_run mapping
// =============================================================================

type ghUser struct {
	Login string `json:"login"`
}

type workflowRunPayload struct {
	Action      string `json:"action"`
	WorkflowRun *struct {
		ID         int64   `json:"id"`
		Name       string  `json:"name"`
		HeadSHA    string  `json:"head_sha"`
		HeadBranch string  `json:"head_branch"`
		Status     string  `json:"status"`
		Conclusion *string `json:"conclusion"`
		HTMLURL    string  `json:"html_url"`
		UpdatedAt  string  `json:"updated_at"`
		Actor      ghUser  `json:"actor"`
		HeadCommit *struct {
			Author struct {
				Name  string `json:"name"`
				Email string `json:"email"`
			} `json:"author"`
		} `json:"head_commit"`
	} `json:"workflow_run"`
	Sender ghUser `json:"sender"`
}

// CIKind maps a workflow_run action and conclusion to an event kind.
func CIKind(action, conclusion string) string {
	switch action {
	case "requested":
		return "ci.requested"
	case "in_progress":
		return "ci.in_progress"
	}
	switch conclusion {
	case "success":
		return "ci.success"
	case "cancelled", "skipped":
		return "ci.cancelled"
	default:
		return "ci.failure"
	}
}

func (s *CISource) parseWorkflowRun(body []byte) (events.SystemEvent, error) {
	var p workflowRunPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return events.SystemEvent{}, fmt.Errorf("%w: %v", events.ErrMalformedEvent, err)
	}
	run := p.WorkflowRun
	if run == nil || run.HeadSHA == "" || p.Action == "" {
		return events.SystemEvent{}, fmt.Errorf("%w: workflow_run without action or head_sha", events.ErrMalformedEvent)
	}

	conclusion := ""
	if run.Conclusion != nil {
		conclusion = *run.Conclusion
	}

	ts := s.now()
	if run.UpdatedAt != "" {
		dt, err := strfmt.ParseDateTime(run.UpdatedAt)
		if err != nil {
			return events.SystemEvent{}, fmt.Errorf("%w: updated_at %q: %v", events.ErrMalformedEvent, run.UpdatedAt, err)
		}
		ts = time.Time(dt)
	}

	login := run.Actor.Login
	if login == "" {
		login = p.Sender.Login
	}
	actor := login
	if run.HeadCommit != nil && run.HeadCommit.Author.Email != "" {
		actor = strings.ToLower(run.HeadCommit.Author.Email)
	}

	payload := map[string]any{
		"workflow":   run.Name,
		"run_id":     run.ID,
		"branch":     run.HeadBranch,
		"status":     run.Status,
		"conclusion": conclusion,
		"sha":        run.HeadSHA,
		"login":      login,
		"url":        run.HTMLURL,
	}
	if actor != "" {
		payload[events.PayloadActor] = actor
	}
	return events.New(s.id, CIKind(p.Action, conclusion), ts, run.HeadSHA, payload), nil
}

func webhookResult(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, ErrUnsupportedEvent):
		return "unsupported"
	case errors.Is(err, ErrBacklogFull):
		return "backlog_full"
	default:
		return "malformed"
	}
}
