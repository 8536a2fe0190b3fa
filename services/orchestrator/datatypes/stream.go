// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"strconv"
	"time"
)

// =============================================================================
// Stream Frames
// =============================================================================

// FrameKind identifies what a stream frame carries.
type FrameKind int

const (
	// FrameContent is an assistant content frame (data only, no event name).
	FrameContent FrameKind = iota
	// FramePing is a liveness frame sent as "event: ping".
	FramePing
	// FrameDone is the literal terminal marker "data: [DONE]".
	FrameDone
)

// PingEventName is the SSE event name used for liveness frames.
const PingEventName = "ping"

// DoneMarker is the payload of the terminal frame.
const DoneMarker = "[DONE]"

// Ping frame types.
const (
	PingTypeInitFlush = "init-flush"
	PingTypeHeartbeat = "heartbeat"
)

// ChatFrame is the JSON payload of a content frame.
//
// Content always holds the full answer accumulated so far, so a client that
// only keeps the latest frame has the complete answer.
type ChatFrame struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	ID      string `json:"id"`
	User    string `json:"user"`
	Error   bool   `json:"error,omitempty"`
}

// PingFrame is the JSON payload of an "event: ping" frame.
type PingFrame struct {
	Type      string `json:"type"`
	Message   string `json:"message,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// Frame is one unit handed to the stream writer.
type Frame struct {
	Kind FrameKind
	Chat *ChatFrame
	Ping *PingFrame
}

// FrameID returns the id used in content frames: unix milliseconds.
func FrameID(now time.Time) string {
	return strconv.FormatInt(now.UnixMilli(), 10)
}

// NewContentFrame builds an assistant content frame.
func NewContentFrame(content, user string, now time.Time) Frame {
	return Frame{Kind: FrameContent, Chat: &ChatFrame{
		Role:    RoleAssistant,
		Content: content,
		ID:      FrameID(now),
		User:    user,
	}}
}

// NewErrorFrame builds the content frame carrying the apology text.
func NewErrorFrame(apology, user string, now time.Time) Frame {
	f := NewContentFrame(apology, user, now)
	f.Chat.Error = true
	return f
}

// NewInitFlushFrame builds the ping sent right after the connection opens.
func NewInitFlushFrame() Frame {
	return Frame{Kind: FramePing, Ping: &PingFrame{
		Type:    PingTypeInitFlush,
		Message: "Connection established.",
	}}
}

// NewHeartbeatFrame builds a periodic heartbeat ping.
func NewHeartbeatFrame(now time.Time) Frame {
	return Frame{Kind: FramePing, Ping: &PingFrame{
		Type:      PingTypeHeartbeat,
		Timestamp: now.UnixMilli(),
	}}
}

// NewDoneFrame builds the terminal frame.
func NewDoneFrame() Frame {
	return Frame{Kind: FrameDone}
}
