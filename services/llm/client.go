// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm holds the streaming text-generation backends.
package llm

import (
	"context"
	"errors"

	"github.com/AleutianAI/f1gpt/services/orchestrator/datatypes"
)

// GenerationParams are the sampling parameters sent to a backend. A nil
// field means "use the backend default".
type GenerationParams struct {
	Temperature       *float32 `json:"temperature"`
	TopP              *float32 `json:"top_p"`
	RepetitionPenalty *float32 `json:"repetition_penalty"`
	MaxTokens         *int     `json:"max_tokens"`
	Stop              []string `json:"stop"`
}

// StreamEventType identifies a streaming callback event.
type StreamEventType string

const (
	// StreamEventToken carries one fragment of generated text.
	StreamEventToken StreamEventType = "token"
	// StreamEventError reports an error the backend sent inside the stream.
	StreamEventError StreamEventType = "error"
)

// StreamEvent is one event delivered to a StreamCallback.
type StreamEvent struct {
	Type    StreamEventType
	Content string
	Error   string
}

// StreamCallback receives events in generation order. Returning an error
// aborts the stream and ChatStream returns that error.
type StreamCallback func(event StreamEvent) error

// LLMClient defines the interface every generation backend implements.
type LLMClient interface {
	// ChatStream generates a reply to messages and delivers it through
	// callback as it is produced. It returns when generation completes, the
	// context is cancelled, the callback fails, or the backend fails.
	ChatStream(ctx context.Context, messages []datatypes.Message,
		params GenerationParams, callback StreamCallback) error
}

// ErrEmptyMessages is returned when ChatStream is called without messages.
var ErrEmptyMessages = errors.New("llm: no messages to send")

// Float32 returns a pointer to v.
func Float32(v float32) *float32 { return &v }

// Int returns a pointer to v.
func Int(v int) *int { return &v }

// emitToken sends a non-empty fragment to callback.
func emitToken(callback StreamCallback, text string) error {
	if text == "" {
		return nil
	}
	return callback(StreamEvent{Type: StreamEventToken, Content: text})
}

// emitError reports an in-stream error. The callback error is ignored
// because the stream is failing anyway.
func emitError(callback StreamCallback, msg string) {
	_ = callback(StreamEvent{Type: StreamEventError, Error: msg})
}
