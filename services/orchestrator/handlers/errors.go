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
	"errors"
	"fmt"
	"log/slog"
)

// ApologyMessage is the only error text a client ever sees mid-stream.
const ApologyMessage = "Sorry, there was an error processing your request."

// GenerationError wraps a failure of the generation backend or its deadline.
type GenerationError struct {
	// Timeout is true when the generation deadline passed.
	Timeout bool
	Err     error
}

func (e *GenerationError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("generation timed out: %v", e.Err)
	}
	return fmt.Sprintf("generation failed: %v", e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// IsGenerationError reports whether err is a *GenerationError.
func IsGenerationError(err error) bool {
	var ge *GenerationError
	return errors.As(err, &ge)
}

// TransportError wraps a failed write to the client.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("stream transport failed: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransportError reports whether err is a *TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// sanitizeErrorForClient maps an internal error to the client-facing text.
//
// # Description
//
// The full error is logged at debug level. The client always receives
// ApologyMessage so backend URLs, model names and tokens never leak.
func sanitizeErrorForClient(err error) string {
	if err != nil {
		slog.Debug("Sanitizing error for client", "original_error", err.Error())
	}
	return ApologyMessage
}
