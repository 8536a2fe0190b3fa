// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/AleutianAI/f1gpt/services/orchestrator/datatypes"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var hfTracer = otel.Tracer("f1gpt.llm.huggingface")

// DefaultHuggingFaceBaseURL is the serverless inference API.
const DefaultHuggingFaceBaseURL = "https://api-inference.huggingface.co"

// maxSSELineBytes bounds a single SSE line from any backend.
const maxSSELineBytes = 1024 * 1024

// HuggingFaceConfig configures HuggingFaceClient.
type HuggingFaceConfig struct {
	// BaseURL is the inference API root. Requests go to
	// {BaseURL}/models/{Model}.
	BaseURL string
	// Model is the Hub model id, e.g. "HuggingFaceTB/SmolLM3-3B".
	Model string
	// APIKey is sent as a Bearer token when non-empty.
	APIKey string
	// HTTPClient overrides the default client. Streaming requests rely on
	// context deadlines, so the client should not set a Timeout.
	HTTPClient *http.Client
}

// HuggingFaceClient streams from a text-generation-inference endpoint.
//
// # Description
//
// The model receives one raw Llama-3 prompt (see RenderLlama3Prompt) and
// answers with a server-sent event stream of token objects.
//
// # Thread Safety
//
// Safe for concurrent use.
type HuggingFaceClient struct {
	httpClient *http.Client
	baseURL    string
	model      string
	apiKey     string
}

type hfGenerateRequest struct {
	Inputs     string             `json:"inputs"`
	Parameters hfGenerationParams `json:"parameters"`
	Stream     bool               `json:"stream"`
}

type hfGenerationParams struct {
	MaxNewTokens      *int     `json:"max_new_tokens,omitempty"`
	Temperature       *float32 `json:"temperature,omitempty"`
	TopP              *float32 `json:"top_p,omitempty"`
	RepetitionPenalty *float32 `json:"repetition_penalty,omitempty"`
	Stop              []string `json:"stop,omitempty"`
	ReturnFullText    bool     `json:"return_full_text"`
}

// hfStreamChunk is one "data:" payload of the TGI stream.
type hfStreamChunk struct {
	Token *struct {
		Text    string `json:"text"`
		Special bool   `json:"special"`
	} `json:"token"`
	GeneratedText *string `json:"generated_text"`
	Error         string  `json:"error"`
	ErrorType     string  `json:"error_type"`
}

// NewHuggingFaceClient builds a HuggingFaceClient. Model is required.
func NewHuggingFaceClient(cfg HuggingFaceConfig) (*HuggingFaceClient, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("huggingface: model is required")
	}
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultHuggingFaceBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	slog.Info("Initializing HuggingFace client", "base_url", baseURL, "model", cfg.Model)
	return &HuggingFaceClient{
		httpClient: httpClient,
		baseURL:    baseURL,
		model:      cfg.Model,
		apiKey:     cfg.APIKey,
	}, nil
}

// ChatStream implements LLMClient.
func (h *HuggingFaceClient) ChatStream(ctx context.Context, messages []datatypes.Message,
	params GenerationParams, callback StreamCallback) error {

	ctx, span := hfTracer.Start(ctx, "HuggingFaceClient.ChatStream")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", h.model),
		attribute.Int("llm.num_messages", len(messages)),
	)

	if len(messages) == 0 {
		return ErrEmptyMessages
	}

	payload := hfGenerateRequest{
		Inputs: RenderLlama3Prompt(messages),
		Parameters: hfGenerationParams{
			MaxNewTokens:      params.MaxTokens,
			Temperature:       params.Temperature,
			TopP:              params.TopP,
			RepetitionPenalty: params.RepetitionPenalty,
			Stop:              params.Stop,
		},
		Stream: true,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal huggingface request: %w", err)
	}

	url := h.baseURL + "/models/" + h.model
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to create huggingface request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("huggingface request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("huggingface failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
		slog.Error("HuggingFace returned an error", "status_code", resp.StatusCode)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if err := h.consumeStream(ctx, resp.Body, callback); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// consumeStream reads "data:" lines until the final chunk or EOF.
func (h *HuggingFaceClient) consumeStream(ctx context.Context, r io.Reader, callback StreamCallback) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELineBytes)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := strings.TrimSpace(scanner.Text())
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			return nil
		}

		var chunk hfStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return fmt.Errorf("failed to parse huggingface stream chunk: %w", err)
		}
		if chunk.Error != "" {
			emitError(callback, chunk.Error)
			return fmt.Errorf("huggingface stream error (%s): %s", chunk.ErrorType, chunk.Error)
		}
		if chunk.Token != nil && !chunk.Token.Special {
			if err := emitToken(callback, chunk.Token.Text); err != nil {
				return err
			}
		}
		if chunk.GeneratedText != nil {
			return nil
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read huggingface stream: %w", err)
	}
	return nil
}

var _ LLMClient = (*HuggingFaceClient)(nil)
