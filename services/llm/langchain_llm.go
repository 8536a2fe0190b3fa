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
	"context"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/f1gpt/services/orchestrator/datatypes"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var langchainTracer = otel.Tracer("f1gpt.llm.langchain")

// LangChainConfig configures the Ollama-backed LangChainClient.
type LangChainConfig struct {
	ServerURL string
	Model     string
}

// LangChainClient adapts any langchaingo llms.Model to LLMClient.
type LangChainClient struct {
	model     llms.Model
	modelName string
}

// NewLangChainClient wraps an existing llms.Model.
func NewLangChainClient(model llms.Model, modelName string) *LangChainClient {
	return &LangChainClient{model: model, modelName: modelName}
}

// NewLangChainOllamaClient builds a LangChainClient on the langchaingo
// Ollama provider.
func NewLangChainOllamaClient(cfg LangChainConfig) (*LangChainClient, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("langchain: model is required")
	}
	opts := []ollama.Option{ollama.WithModel(cfg.Model)}
	if cfg.ServerURL != "" {
		opts = append(opts, ollama.WithServerURL(cfg.ServerURL))
	}
	model, err := ollama.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("langchain: failed to create ollama model: %w", err)
	}
	slog.Info("Initializing LangChain client", "provider", "ollama", "model", cfg.Model)
	return NewLangChainClient(model, cfg.Model), nil
}

// ChatStream implements LLMClient. Fragments arrive through the provider's
// streaming function.
func (l *LangChainClient) ChatStream(ctx context.Context, messages []datatypes.Message,
	params GenerationParams, callback StreamCallback) error {

	ctx, span := langchainTracer.Start(ctx, "LangChainClient.ChatStream")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", l.modelName),
		attribute.Int("llm.num_messages", len(messages)),
	)

	if len(messages) == 0 {
		return ErrEmptyMessages
	}

	opts := []llms.CallOption{
		llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
			return emitToken(callback, string(chunk))
		}),
	}
	if params.MaxTokens != nil {
		opts = append(opts, llms.WithMaxTokens(*params.MaxTokens))
	}
	if params.Temperature != nil {
		opts = append(opts, llms.WithTemperature(float64(*params.Temperature)))
	}
	if params.TopP != nil {
		opts = append(opts, llms.WithTopP(float64(*params.TopP)))
	}
	if params.RepetitionPenalty != nil {
		opts = append(opts, llms.WithRepetitionPenalty(float64(*params.RepetitionPenalty)))
	}
	if len(params.Stop) > 0 {
		opts = append(opts, llms.WithStopWords(params.Stop))
	}

	if _, err := l.model.GenerateContent(ctx, toLangChainMessages(messages), opts...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("langchain generation failed: %w", err)
	}
	return nil
}

func toLangChainMessages(messages []datatypes.Message) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(messages))
	for _, m := range messages {
		role := llms.ChatMessageTypeHuman
		switch m.Role {
		case datatypes.RoleSystem:
			role = llms.ChatMessageTypeSystem
		case datatypes.RoleAssistant:
			role = llms.ChatMessageTypeAI
		}
		out = append(out, llms.TextParts(role, m.Content))
	}
	return out
}

var _ LLMClient = (*LangChainClient)(nil)
