// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// DefaultHuggingFaceBaseURL is the serverless inference API root.
const DefaultHuggingFaceBaseURL = "https://api-inference.huggingface.co"

// maxResponseBytes bounds an embedding response body. A 1024-d vector
// encodes to roughly 20KB.
const maxResponseBytes = 4 * 1024 * 1024

// HuggingFaceConfig configures HuggingFaceEmbedder.
type HuggingFaceConfig struct {
	BaseURL    string
	Model      string
	APIKey     string
	HTTPClient *http.Client
}

// HuggingFaceEmbedder calls the feature-extraction pipeline of the Hugging
// Face inference API.
//
// # Description
//
// POSTs {"inputs": text} to {BaseURL}/models/{Model}/pipeline/feature-extraction
// and normalizes whichever of the flat, nested or data shapes comes back.
//
// # Thread Safety
//
// Safe for concurrent use.
type HuggingFaceEmbedder struct {
	httpClient *http.Client
	url        string
	model      string
	apiKey     string
}

// NewHuggingFaceEmbedder builds a HuggingFaceEmbedder. Model defaults to
// DefaultModel.
func NewHuggingFaceEmbedder(cfg HuggingFaceConfig) *HuggingFaceEmbedder {
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultHuggingFaceBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	slog.Info("Initializing HuggingFace embedder", "base_url", baseURL, "model", model)
	return &HuggingFaceEmbedder{
		httpClient: httpClient,
		url:        baseURL + "/models/" + model + "/pipeline/feature-extraction",
		model:      model,
		apiKey:     cfg.APIKey,
	}
}

// Embed implements Embedder.
func (h *HuggingFaceEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, span := tracer.Start(ctx, "HuggingFaceEmbedder.Embed")
	defer span.End()
	span.SetAttributes(attribute.String("embedding.model", h.model))

	body, err := json.Marshal(map[string]string{"inputs": text})
	if err != nil {
		return nil, &EmbeddingError{Op: "encode", Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return nil, &EmbeddingError{Op: "request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, &EmbeddingError{Op: "request", Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &EmbeddingError{Op: "read", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		slog.Warn("HuggingFace embedding request failed", "status_code", resp.StatusCode)
		return nil, &EmbeddingError{
			Op:  "request",
			Err: fmt.Errorf("status %d: %s", resp.StatusCode, truncateForError(bytes.TrimSpace(respBody))),
		}
	}
	return DecodeVector(respBody)
}

var _ Embedder = (*HuggingFaceEmbedder)(nil)
