// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/f1gpt/pkg/ux"
	"github.com/AleutianAI/f1gpt/services/orchestrator/datatypes"
)

func sseServer(t *testing.T, frames string, captured *datatypes.ChatRequest, auth *string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		if captured != nil {
			assert.NoError(t, json.NewDecoder(r.Body).Decode(captured))
		}
		if auth != nil {
			*auth = r.Header.Get("Authorization")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, frames)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRunAsk_StreamsAnswer(t *testing.T) {
	frames := "data: {\"role\":\"assistant\",\"content\":\"\",\"id\":\"1\",\"user\":\"ana\"}\n\n" +
		"event: ping\ndata: {\"type\":\"init-flush\"}\n\n" +
		"data: {\"role\":\"assistant\",\"content\":\"Max Verstappen\",\"id\":\"2\",\"user\":\"ana\"}\n\n" +
		"data: [DONE]\n\n"
	var got datatypes.ChatRequest
	var auth string
	srv := sseServer(t, frames, &got, &auth)

	var out bytes.Buffer
	answer, err := runAsk(context.Background(), srv.Client(), ux.NewPlainPrinter(&out),
		askOptions{serverURL: srv.URL + "/", token: "pit-wall", user: "ana"}, "Who won in 2023?")

	require.NoError(t, err)
	assert.Equal(t, "Max Verstappen", answer)
	assert.Equal(t, "Max Verstappen\n", out.String())
	assert.Equal(t, "Bearer pit-wall", auth)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, datatypes.RoleUser, got.Messages[0].Role)
	assert.Equal(t, "Who won in 2023?", got.Messages[0].Content)
	assert.Equal(t, "ana", got.User)
}

func TestRunAsk_NoTokenNoHeader(t *testing.T) {
	var auth string
	srv := sseServer(t, "data: [DONE]\n\n", nil, &auth)

	_, err := runAsk(context.Background(), srv.Client(), ux.NewPlainPrinter(&bytes.Buffer{}),
		askOptions{serverURL: srv.URL}, "hi")

	require.NoError(t, err)
	assert.Empty(t, auth)
}

func TestRunAsk_ErrorFrame(t *testing.T) {
	frames := "data: {\"role\":\"assistant\",\"content\":\"Sorry, I could not answer that.\",\"error\":true}\n\n" +
		"data: [DONE]\n\n"
	srv := sseServer(t, frames, nil, nil)

	var out bytes.Buffer
	_, err := runAsk(context.Background(), srv.Client(), ux.NewPlainPrinter(&out), askOptions{serverURL: srv.URL}, "hi")

	assert.True(t, errors.Is(err, errAnswerFailed))
	assert.Contains(t, out.String(), "Sorry, I could not answer that.")
}

func TestRunAsk_NonOKStatus(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{"validation error", http.StatusBadRequest,
			`{"error":"Invalid request: 'messages' must be a non-empty array"}`,
			"server returned 400: Invalid request"},
		{"rate limited", http.StatusTooManyRequests, `{"error":"Too Many Requests"}`, "server returned 429"},
		{"non JSON body", http.StatusBadGateway, "bad gateway", "server returned 502"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			_, err := runAsk(context.Background(), srv.Client(), ux.NewPlainPrinter(&bytes.Buffer{}),
				askOptions{serverURL: srv.URL}, "hi")

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRunAsk_TruncatedStream(t *testing.T) {
	srv := sseServer(t, "data: {\"content\":\"Lewis\"}\n\n", nil, nil)

	answer, err := runAsk(context.Background(), srv.Client(), ux.NewPlainPrinter(&bytes.Buffer{}),
		askOptions{serverURL: srv.URL}, "hi")

	assert.True(t, errors.Is(err, ux.ErrStreamTruncated))
	assert.Equal(t, "Lewis", answer)
}
