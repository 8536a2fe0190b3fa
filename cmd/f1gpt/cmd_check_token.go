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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/f1gpt/pkg/ux"
)

const whoamiURL = "https://huggingface.co/api/whoami-v2"

var (
	errNoToken      = errors.New("no Hugging Face token: pass --token or set HF_TOKEN")
	errInvalidToken = errors.New("invalid token (401 Unauthorized)")
)

// whoamiResponse is the subset of the whoami-v2 payload that is reported.
type whoamiResponse struct {
	Name string `json:"name"`
	Orgs []struct {
		Name string `json:"name"`
	} `json:"orgs"`
	CanUseInferenceAPI *bool `json:"can_use_inference_api"`
	Auth               struct {
		AccessToken struct {
			Role string `json:"role"`
		} `json:"accessToken"`
	} `json:"auth"`
}

func newCheckTokenCmd() *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "check-token",
		Short: "Verify a Hugging Face API token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				token = firstEnv("HF_TOKEN", "HUGGINGFACE_API_KEY")
			}
			client := &http.Client{Timeout: 15 * time.Second}
			return checkToken(cmd.Context(), client, whoamiURL, token, ux.NewPrinter(cmd.OutOrStdout()))
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "token to check (default $HF_TOKEN, then $HUGGINGFACE_API_KEY)")
	return cmd
}

// checkToken calls the whoami endpoint with token and prints who it belongs to.
//
// # Description
//
// A 200 prints the user name, organizations, and whether the token may
// call the Inference API. A 401 is reported as an invalid token. Any other
// status prints the response body and fails.
func checkToken(ctx context.Context, client *http.Client, url, token string, p *ux.Printer) error {
	if token == "" {
		return errNoToken
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("whoami request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		p.Error("Invalid token (401 Unauthorized).")
		return errInvalidToken
	default:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		p.Warning(fmt.Sprintf("Unexpected response: %d", resp.StatusCode))
		fmt.Fprintln(p.Writer(), strings.TrimSpace(string(raw)))
		return fmt.Errorf("whoami returned %d", resp.StatusCode)
	}

	var who whoamiResponse
	if err := json.NewDecoder(resp.Body).Decode(&who); err != nil {
		return fmt.Errorf("decode whoami response: %w", err)
	}

	orgs := make([]string, 0, len(who.Orgs))
	for _, o := range who.Orgs {
		orgs = append(orgs, o.Name)
	}
	orgList := strings.Join(orgs, ", ")
	if orgList == "" {
		orgList = "none"
	}

	p.Success("Token is valid!")
	p.KeyValue("Username", who.Name)
	p.KeyValue("HF Orgs", orgList)
	if who.Auth.AccessToken.Role != "" {
		p.KeyValue("Role", who.Auth.AccessToken.Role)
	}
	p.KeyValue("Inference", inferenceLabel(who.CanUseInferenceAPI))
	return nil
}

func inferenceLabel(v *bool) string {
	switch {
	case v == nil:
		return "unknown"
	case *v:
		return "allowed"
	default:
		return "not allowed"
	}
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v
		}
	}
	return ""
}
