// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/AleutianAI/f1gpt/services/orchestrator/datatypes"
)

// ErrStreamTruncated is returned when the body ends before the [DONE] frame.
var ErrStreamTruncated = errors.New("stream ended before [DONE]")

// maxFrameBytes bounds a single SSE line. A content frame carries the whole
// answer, which the server caps at 16 MB before JSON escaping.
const maxFrameBytes = 34 << 20

// StreamResult summarizes a consumed chat stream.
type StreamResult struct {
	// Answer is the last content frame's text.
	Answer string
	// Failed is true when the server sent an error frame.
	Failed bool
	// Frames counts content and error frames, pings excluded.
	Frames int
	// Pings counts "event: ping" frames.
	Pings int
}

// StreamRenderer reads a chat SSE body and shows the answer as it grows.
//
// # Description
//
// Every content frame carries the full accumulated answer, so the
// renderer only has to print what changed since the previous frame.
// When the output is a terminal it prints the new suffix as it arrives.
// Otherwise it waits and prints the final answer once, which keeps
// redirected output clean.
//
// # Thread Safety
//
// StreamRenderer is not safe for concurrent use.
type StreamRenderer struct {
	printer *Printer
	live    bool
	shown   string
}

// NewStreamRenderer creates a renderer writing through p.
// Live rendering is enabled when p styles its output.
func NewStreamRenderer(p *Printer) *StreamRenderer {
	return &StreamRenderer{printer: p, live: p.Color()}
}

// Read consumes body until the [DONE] frame.
//
// # Description
//
// Parses "event:" and "data:" lines into frames. Ping frames are
// counted and ignored. Content frames update the answer, and error
// frames are shown in the error style.
//
// # Outputs
//
//   - StreamResult: Final answer and frame counts.
//   - error: ErrStreamTruncated, a read error, or a malformed frame.
func (r *StreamRenderer) Read(body io.Reader) (StreamResult, error) {
	var result StreamResult
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)

	var event string
	var data []string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if len(data) == 0 {
				event = ""
				continue
			}
			done, err := r.dispatch(event, strings.Join(data, "\n"), &result)
			if err != nil || done {
				r.finish(&result)
				return result, err
			}
			event, data = "", nil
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	r.finish(&result)
	if err := scanner.Err(); err != nil {
		return result, fmt.Errorf("read stream: %w", err)
	}
	return result, ErrStreamTruncated
}

func (r *StreamRenderer) dispatch(event, payload string, result *StreamResult) (bool, error) {
	if event == datatypes.PingEventName {
		result.Pings++
		return false, nil
	}
	if payload == datatypes.DoneMarker {
		return true, nil
	}

	var frame datatypes.ChatFrame
	if err := json.Unmarshal([]byte(payload), &frame); err != nil {
		return false, fmt.Errorf("malformed frame: %w", err)
	}
	result.Frames++
	if frame.Error {
		result.Failed = true
		result.Answer = frame.Content
		r.breakLine()
		r.printer.Error(frame.Content)
		return false, nil
	}
	result.Answer = frame.Content
	if r.live {
		r.update(frame.Content)
	}
	return false, nil
}

// update prints the part of content not yet on screen.
func (r *StreamRenderer) update(content string) {
	w := r.printer.Writer()
	if strings.HasPrefix(content, r.shown) {
		fmt.Fprint(w, content[len(r.shown):])
	} else {
		// The answer was rewritten; start over on a fresh line.
		fmt.Fprint(w, "\n", content)
	}
	r.shown = content
}

func (r *StreamRenderer) breakLine() {
	if r.shown != "" && !strings.HasSuffix(r.shown, "\n") {
		fmt.Fprintln(r.printer.Writer())
	}
	r.shown = ""
}

func (r *StreamRenderer) finish(result *StreamResult) {
	if result.Failed {
		return
	}
	w := r.printer.Writer()
	if !r.live && result.Answer != "" {
		fmt.Fprintln(w, result.Answer)
		return
	}
	r.breakLine()
}
