// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/f1gpt/services/llm"
	"github.com/AleutianAI/f1gpt/services/orchestrator/datatypes"
	"github.com/AleutianAI/f1gpt/services/orchestrator/middleware"
	"github.com/AleutianAI/f1gpt/services/orchestrator/observability"
	"github.com/AleutianAI/f1gpt/services/orchestrator/rag"
)

// =============================================================================
// Interfaces
// =============================================================================

// RequestPreparer turns a validated chat request into a generation request.
// *rag.Pipeline implements it.
type RequestPreparer interface {
	Prepare(ctx context.Context, req *datatypes.ChatRequest, now time.Time) (rag.GenerationRequest, rag.StageResult[string])
}

// StreamingChatHandler serves the streaming chat endpoint.
//
// # Description
//
// One request becomes one SSE response:
//
//	validate ─► open stream ─► embed ─► retrieve ─► compose ─► generate ─► [DONE]
//
// The stream is opened before any retrieval work so the client sees the
// connection established immediately.
//
// # Examples
//
//	h := handlers.NewStreamingChatHandler(pipeline, llmClient, cfg, metrics)
//	router.POST("/api/chat", h.HandleChatStream)
type StreamingChatHandler interface {
	// HandleChatStream handles POST /api/chat.
	//
	// # Request Body
	//
	//	{"messages":[{"role":"user","content":"..."}],"user":"optional"}
	//
	// # Response
	//
	//   - 200 text/event-stream: content frames, pings, then data: [DONE].
	//   - 400 JSON: validation failure. No stream is opened.
	//   - 500 JSON: the response writer cannot flush.
	HandleChatStream(c *gin.Context)
}

// =============================================================================
// Implementation
// =============================================================================

type streamingChatHandler struct {
	preparer  RequestPreparer
	llmClient llm.LLMClient
	cfg       ControllerConfig
	metrics   *observability.StreamingMetrics
	tracer    trace.Tracer
	now       func() time.Time
}

// HandlerOption customizes the streaming handler.
type HandlerOption func(*streamingChatHandler)

// WithHandlerClock overrides time.Now. Tests use it for stable frame ids.
func WithHandlerClock(now func() time.Time) HandlerOption {
	return func(h *streamingChatHandler) { h.now = now }
}

// NewStreamingChatHandler creates the streaming chat handler.
//
// # Inputs
//
//   - preparer: Builds the generation request. Must not be nil.
//   - llmClient: Streaming generation backend. Must not be nil.
//   - cfg: Stream controller settings. Zero fields take defaults.
//   - metrics: Prometheus metrics. May be nil.
//
// # Limitations
//
//   - Panics on nil preparer or llmClient (programming errors).
func NewStreamingChatHandler(
	preparer RequestPreparer,
	llmClient llm.LLMClient,
	cfg ControllerConfig,
	metrics *observability.StreamingMetrics,
	opts ...HandlerOption,
) StreamingChatHandler {
	if preparer == nil {
		panic("NewStreamingChatHandler: preparer must not be nil")
	}
	if llmClient == nil {
		panic("NewStreamingChatHandler: llmClient must not be nil")
	}
	h := &streamingChatHandler{
		preparer:  preparer,
		llmClient: llmClient,
		cfg:       cfg.withDefaults(),
		metrics:   metrics,
		tracer:    otel.Tracer("f1gpt.handlers"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandleChatStream implements StreamingChatHandler.
func (h *streamingChatHandler) HandleChatStream(c *gin.Context) {
	startTime := time.Now()
	endpoint := observability.EndpointChat
	requestID := middleware.GetRequestID(c)

	ctx, span := h.tracer.Start(c.Request.Context(), "HandleChatStream")
	defer span.End()
	span.SetAttributes(attribute.String("request.id", requestID))

	success := false
	defer func() {
		if m := h.metrics; m != nil {
			m.RecordRequest(endpoint, success)
			m.RecordStreamDuration(endpoint, time.Since(startTime).Seconds(), success)
		}
	}()

	// Step 1: Parse and validate before any remote call
	req, verr := bindChatRequest(c)
	if verr != nil {
		span.RecordError(verr)
		span.SetStatus(codes.Error, "validation failed")
		slog.Warn("Chat request rejected", "requestId", requestID, "error", verr)
		if m := h.metrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeValidation)
		}
		body := gin.H{"error": verr.Message}
		if verr.Details != "" {
			body["details"] = verr.Details
		}
		c.JSON(http.StatusBadRequest, body)
		return
	}
	req.EnsureDefaults()
	span.SetAttributes(
		attribute.String("user.id", req.User),
		attribute.Int("request.message_count", len(req.Messages)),
	)

	// Step 2: Open the stream
	writer, err := NewSSEWriter(c.Writer)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "SSE setup failed")
		slog.Error("Streaming unsupported by response writer", "requestId", requestID, "error", err)
		if m := h.metrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeInternal)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal Server Error"})
		return
	}
	acc, err := NewSizedAnswerAccumulator(h.cfg.RequireSecureMemory, h.cfg.AnswerBufferSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "accumulator setup failed")
		slog.Error("Failed to create answer accumulator", "requestId", requestID, "error", err)
		if m := h.metrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeInternal)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal Server Error"})
		return
	}
	SetSSEHeaders(c.Writer)
	c.Status(http.StatusOK)

	ctrl := NewStreamController(writer, req.User, requestID, h.cfg,
		WithControllerMetrics(h.metrics, endpoint),
		WithClock(h.now),
		WithAccumulator(acc),
	)
	if err := ctrl.Open(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stream open failed")
		slog.Error("Failed to open stream", "requestId", requestID, "error", err)
		_ = ctrl.Close()
		return
	}

	// Step 3: Retrieval and prompt composition
	genReq, ctxResult := h.preparer.Prepare(ctx, req, h.now())
	span.SetAttributes(attribute.String("rag.status", string(ctxResult.Status)))
	switch ctxResult.Status {
	case rag.StageDegraded:
		slog.Warn("Answering without retrieved context",
			"requestId", requestID,
			"error", ctxResult.Err,
		)
		if m := h.metrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeRAGDegraded)
		}
	case rag.StageFailed:
		ctrl.Fail(&GenerationError{Err: ctxResult.Err})
	}

	// Step 4: Generation
	if ctrl.State() == StateConnected {
		streamErr := ctrl.Stream(h.generate(genReq, requestID))
		if streamErr != nil {
			span.RecordError(streamErr)
			span.SetStatus(codes.Error, "generation failed")
		}
	}

	// Step 5: Terminal frame
	if err := ctrl.Close(); err != nil {
		span.RecordError(err)
		slog.Warn("Stream closed with transport error", "requestId", requestID, "error", err)
	}
	success = ctrl.Succeeded()
	span.SetAttributes(attribute.Bool("stream.success", success))
}

// generate adapts the LLM client's callback API to a GenerateFunc.
func (h *streamingChatHandler) generate(genReq rag.GenerationRequest, requestID string) GenerateFunc {
	messages := genReq.Messages()
	return func(ctx context.Context, emit func(string) error) error {
		return h.llmClient.ChatStream(ctx, messages, genReq.Params, func(event llm.StreamEvent) error {
			switch event.Type {
			case llm.StreamEventToken:
				return emit(event.Content)
			case llm.StreamEventError:
				slog.Warn("Generation backend reported an error",
					"requestId", requestID,
					"error", event.Error,
				)
			}
			return nil
		})
	}
}

// bindChatRequest decodes and validates the request body.
//
// # Description
//
// A "messages" field of the wrong JSON type is reported with the same
// message as a missing one. Any other decode failure is "Invalid request
// body" with the decoder error as details.
func bindChatRequest(c *gin.Context) (*datatypes.ChatRequest, *datatypes.ValidationError) {
	var req datatypes.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field == "messages" {
			return nil, &datatypes.ValidationError{Message: datatypes.ErrMsgMessagesRequired}
		}
		return nil, &datatypes.ValidationError{Message: datatypes.ErrMsgInvalidBody, Details: err.Error()}
	}

	if err := req.Validate(); err != nil {
		var ve *datatypes.ValidationError
		if errors.As(err, &ve) {
			return nil, ve
		}
		return nil, &datatypes.ValidationError{Message: datatypes.ErrMsgInvalidBody, Details: err.Error()}
	}
	return &req, nil
}
