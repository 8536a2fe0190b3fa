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
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/AleutianAI/f1gpt/services/orchestrator/datatypes"
)

// =============================================================================
// Interface
// =============================================================================

// SSEWriter encodes stream frames onto an HTTP response.
//
// # Description
//
// SSEWriter is the only thing that touches the http.ResponseWriter once a
// stream is open. Every frame is flushed immediately so the client sees it
// without proxy buffering.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use, although the stream
// controller only ever calls it from its writer goroutine.
type SSEWriter interface {
	// WriteFrame writes one frame and flushes it.
	//
	// # Outputs
	//
	//   - error: Non-nil if encoding or the underlying write failed.
	WriteFrame(frame datatypes.Frame) error

	// FramesWritten returns how many frames were written successfully.
	FramesWritten() int
}

// =============================================================================
// Implementation
// =============================================================================

// sseWriter implements SSEWriter over an http.ResponseWriter.
type sseWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
	written int
}

// ErrStreamingUnsupported is returned when the response writer cannot flush.
var ErrStreamingUnsupported = errors.New("response writer does not support flushing")

// NewSSEWriter creates a new SSEWriter.
//
// # Description
//
// Verifies that w supports http.Flusher. Without it no frame would reach
// the client until the response ends.
//
// # Inputs
//
//   - w: The response writer. Headers should already be set.
//
// # Outputs
//
//   - SSEWriter: Ready for use.
//   - error: ErrStreamingUnsupported if w is not an http.Flusher.
//
// # Examples
//
//	SetSSEHeaders(c.Writer)
//	writer, err := NewSSEWriter(c.Writer)
//	if err != nil {
//	    c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal Server Error"})
//	    return
//	}
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	return &sseWriter{writer: w, flusher: flusher}, nil
}

// WriteFrame encodes frame in the wire format for its kind.
//
// # Description
//
//   - FrameContent: "data: <json>\n\n"
//   - FramePing:    "event: ping\ndata: <json>\n\n"
//   - FrameDone:    "data: [DONE]\n\n"
func (w *sseWriter) WriteFrame(frame datatypes.Frame) error {
	payload, err := encodeFrame(frame)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.writer.Write(payload); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	w.flusher.Flush()
	w.written++
	return nil
}

// FramesWritten implements SSEWriter.
func (w *sseWriter) FramesWritten() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

// encodeFrame renders a frame to its exact bytes on the wire.
func encodeFrame(frame datatypes.Frame) ([]byte, error) {
	switch frame.Kind {
	case datatypes.FrameContent:
		if frame.Chat == nil {
			return nil, errors.New("content frame without payload")
		}
		data, err := json.Marshal(frame.Chat)
		if err != nil {
			return nil, fmt.Errorf("marshal content frame: %w", err)
		}
		return fmt.Appendf(nil, "data: %s\n\n", data), nil

	case datatypes.FramePing:
		if frame.Ping == nil {
			return nil, errors.New("ping frame without payload")
		}
		data, err := json.Marshal(frame.Ping)
		if err != nil {
			return nil, fmt.Errorf("marshal ping frame: %w", err)
		}
		return fmt.Appendf(nil, "event: %s\ndata: %s\n\n", datatypes.PingEventName, data), nil

	case datatypes.FrameDone:
		return fmt.Appendf(nil, "data: %s\n\n", datatypes.DoneMarker), nil

	default:
		return nil, fmt.Errorf("unknown frame kind %d", frame.Kind)
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

// SetSSEHeaders sets the headers for a Server-Sent Events response.
//
// # Description
//
// Must be called before the first write. X-Accel-Buffering disables nginx
// buffering and "no-transform" stops intermediaries from compressing the
// stream.
func SetSSEHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}
