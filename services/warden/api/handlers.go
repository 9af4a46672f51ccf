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
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/warden/services/warden/action"
	"github.com/AleutianAI/warden/services/warden/sources"
)

// GitHub webhook headers.
const (
	HeaderEvent     = "X-GitHub-Event"
	HeaderDelivery  = "X-GitHub-Delivery"
	HeaderSignature = "X-Hub-Signature-256"
)

// ReviewRequest unfreezes an actor.
type ReviewRequest struct {
	Note string `json:"note" binding:"required"`
}

// FeedbackRequest carries an operator verdict on a suggestion.
type FeedbackRequest struct {
	Accepted       *bool  `json:"accepted" binding:"required"`
	CorrelationKey string `json:"correlation_key,omitempty"`
}

// StatusResponse acknowledges asynchronous requests.
type StatusResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, StatusResponse{Status: "ok"})
}

func (s *Server) handleStatus(c *gin.Context) {
	st, err := s.svc.Status(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleActor(c *gin.Context) {
	st, err := s.svc.ActorStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleEscalate(c *gin.Context) {
	t, err := s.svc.Escalate(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// handleAct runs a candidate action. Rejections and failures still return
// the execution result so the caller sees the action id and outcome.
func (s *Server) handleAct(c *gin.Context) {
	var a action.Action
	if err := c.ShouldBindJSON(&a); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_REQUEST"})
		return
	}
	actorID := c.Param("id")
	res, err := s.svc.Act(c.Request.Context(), actorID, a)
	if err != nil {
		status, code := statusFor(err)
		s.logger.Info("action not completed",
			"actor_id", actorID, "capability", a.Capability, "code", code, "error", err)
		resp := ErrorResponse{Error: err.Error(), Code: code}
		if res.ActionID != "" {
			resp.Result = &res
		}
		c.JSON(status, resp)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleReview(c *gin.Context) {
	var req ReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_REQUEST"})
		return
	}
	t, err := s.svc.Review(c.Request.Context(), c.Param("id"), req.Note)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// handleFeedback queues the verdict; it reaches the ledger through the
// event pipeline.
func (s *Server) handleFeedback(c *gin.Context) {
	var req FeedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_REQUEST"})
		return
	}
	if err := s.svc.Feedback(c.Request.Context(), c.Param("id"), *req.Accepted, req.CorrelationKey); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, StatusResponse{Status: "queued"})
}

func (s *Server) handleCIWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{Error: err.Error(), Code: "BODY_TOO_LARGE"})
			return
		}
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_REQUEST"})
		return
	}

	err = s.svc.HandleWebhook(c.Request.Context(),
		c.GetHeader(HeaderEvent), c.GetHeader(HeaderDelivery), body, c.GetHeader(HeaderSignature))
	switch {
	case errors.Is(err, sources.ErrUnsupportedEvent):
		c.JSON(http.StatusAccepted, StatusResponse{Status: "ignored"})
	case err != nil:
		s.fail(c, err)
	default:
		c.JSON(http.StatusAccepted, StatusResponse{Status: "accepted"})
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.FullPath(), "code", code, "error", err)
	}
	c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
}
