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
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/f1gpt/pkg/ux"
	"github.com/AleutianAI/f1gpt/services/orchestrator/datatypes"
)

// errAnswerFailed is returned when the server streamed an error frame.
var errAnswerFailed = errors.New("the server could not answer")

const defaultServerURL = "http://localhost:12210"

type askOptions struct {
	serverURL string
	token     string
	user      string
}

func newAskCmd() *cobra.Command {
	opts := askOptions{}
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask the running server a question and stream the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.token == "" {
				opts.token = os.Getenv("F1GPT_API_TOKEN")
			}
			question := strings.Join(args, " ")
			_, err := runAsk(cmd.Context(), http.DefaultClient, ux.NewPrinter(cmd.OutOrStdout()), opts, question)
			return err
		},
	}
	cmd.Flags().StringVar(&opts.serverURL, "url", defaultServerURL, "base URL of the f1gpt server")
	cmd.Flags().StringVar(&opts.token, "token", "", "bearer token for the server (default $F1GPT_API_TOKEN)")
	cmd.Flags().StringVar(&opts.user, "user", "", "user name echoed in every frame")
	return cmd
}

// runAsk posts a one-message conversation and renders the streamed answer.
//
// # Outputs
//
//   - string: The final answer text.
//   - error: Transport failure, a non-200 status, a truncated stream, or
//     errAnswerFailed when the server sent an error frame.
func runAsk(ctx context.Context, client *http.Client, printer *ux.Printer, opts askOptions, question string) (string, error) {
	body, err := json.Marshal(datatypes.ChatRequest{
		Messages: []datatypes.Message{{Role: datatypes.RoleUser, Content: question}},
		User:     opts.user,
	})
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	url := strings.TrimRight(opts.serverURL, "/") + "/api/chat"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if opts.token != "" {
		req.Header.Set("Authorization", "Bearer "+opts.token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return "", fmt.Errorf("server returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		return "", fmt.Errorf("server returned %d", resp.StatusCode)
	}

	result, err := ux.NewStreamRenderer(printer).Read(resp.Body)
	if err != nil {
		return result.Answer, err
	}
	if result.Failed {
		return result.Answer, errAnswerFailed
	}
	return result.Answer, nil
}
