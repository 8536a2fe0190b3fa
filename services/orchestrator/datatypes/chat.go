// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes contains the wire types shared by the F1GPT handlers,
// the pipeline stages and the LLM clients.
package datatypes

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// MaxMessageContentBytes is the maximum size of a single message content.
	MaxMessageContentBytes = 32 * 1024 // 32KB

	// MaxMessagesPerRequest is the maximum number of messages accepted in one
	// request. Older messages are pruned by the composer anyway, this only
	// bounds what we are willing to parse.
	MaxMessagesPerRequest = 100

	// DefaultUser is echoed in stream frames when the request has no user.
	DefaultUser = "anonymous"
)

// Client-facing validation messages. These strings are part of the public
// API and existing clients match on them.
const (
	ErrMsgMessagesRequired = "Invalid request: 'messages' must be a non-empty array"
	ErrMsgNoUserMessage    = "No user message found"
	ErrMsgInvalidBody      = "Invalid request body"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// =============================================================================
// Validator
// =============================================================================

var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()
	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes checks the byte length of a string field against
// MaxMessageContentBytes. The built-in "max" tag counts runes.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageContentBytes
}

// =============================================================================
// Types
// =============================================================================

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role" validate:"required,oneof=system user assistant"`
	Content string `json:"content" validate:"maxbytes"`
}

// ChatRequest is the body of POST /api/chat.
//
// # Description
//
// Messages is the full conversation so far, oldest first. The last entry is
// the turn being answered. User is an optional caller identifier echoed back
// in every stream frame.
//
// # Examples
//
//	{"messages":[{"role":"user","content":"Who won the 2024 championship?"}],"user":"u-42"}
type ChatRequest struct {
	Messages []Message `json:"messages" validate:"required,min=1,max=100,dive"`
	User     string    `json:"user,omitempty" validate:"max=256"`
}

// ValidationError is returned when a request is rejected before any remote
// call is made.
type ValidationError struct {
	// Message is the client-facing error string.
	Message string
	// Details is optional extra context, safe for the client.
	Details string
}

func (e *ValidationError) Error() string {
	if e.Details == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Message, e.Details)
}

// IsValidationError reports whether err is a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Validate checks the request and returns a *ValidationError on failure.
//
// # Description
//
// Runs in two passes. The cheap structural checks come first so the
// well-known messages ("'messages' must be a non-empty array", "No user
// message found") take priority over the generic struct-tag errors.
//
// # Outputs
//
//   - error: nil, or *ValidationError.
func (r *ChatRequest) Validate() error {
	if len(r.Messages) == 0 {
		return &ValidationError{Message: ErrMsgMessagesRequired}
	}
	if strings.TrimSpace(r.Messages[len(r.Messages)-1].Content) == "" {
		return &ValidationError{Message: ErrMsgNoUserMessage}
	}
	if err := chatValidate.Struct(r); err != nil {
		return &ValidationError{Message: ErrMsgInvalidBody, Details: describeValidation(err)}
	}
	return nil
}

// EnsureDefaults fills optional fields.
func (r *ChatRequest) EnsureDefaults() {
	if strings.TrimSpace(r.User) == "" {
		r.User = DefaultUser
	}
}

// LatestUserMessage returns the content of the final message.
func (r *ChatRequest) LatestUserMessage() string {
	if len(r.Messages) == 0 {
		return ""
	}
	return r.Messages[len(r.Messages)-1].Content
}

// describeValidation flattens validator errors into one short line.
func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed '%s'", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}
