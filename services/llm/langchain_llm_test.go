// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/AleutianAI/f1gpt/services/orchestrator/datatypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
)

// fakeModel is a llms.Model that streams fixed chunks.
type fakeModel struct {
	chunks  []string
	err     error
	gotMsgs []llms.MessageContent
	gotOpts llms.CallOptions
}

func (f *fakeModel) GenerateContent(ctx context.Context, messages []llms.MessageContent,
	options ...llms.CallOption) (*llms.ContentResponse, error) {
	f.gotMsgs = messages
	for _, opt := range options {
		opt(&f.gotOpts)
	}
	var full strings.Builder
	for _, c := range f.chunks {
		if f.gotOpts.StreamingFunc != nil {
			if err := f.gotOpts.StreamingFunc(ctx, []byte(c)); err != nil {
				return nil, err
			}
		}
		full.WriteString(c)
	}
	if f.err != nil {
		return nil, f.err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: full.String()}}}, nil
}

func (f *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

func TestLangChainChatStream_Success(t *testing.T) {
	model := &fakeModel{chunks: []string{"Monza", " 2024"}}
	client := NewLangChainClient(model, "fake")

	var out strings.Builder
	err := client.ChatStream(context.Background(), []datatypes.Message{
		{Role: "system", Content: "sys"},
		{Role: "assistant", Content: "earlier"},
		{Role: "user", Content: "Where?"},
	}, GenerationParams{
		MaxTokens:   Int(500),
		Temperature: Float32(0.5),
		TopP:        Float32(0.9),
		Stop:        []string{"<|eot_id|>"},
	}, collectTokens(&out))

	require.NoError(t, err)
	assert.Equal(t, "Monza 2024", out.String())

	require.Len(t, model.gotMsgs, 3)
	assert.Equal(t, llms.ChatMessageTypeSystem, model.gotMsgs[0].Role)
	assert.Equal(t, llms.ChatMessageTypeAI, model.gotMsgs[1].Role)
	assert.Equal(t, llms.ChatMessageTypeHuman, model.gotMsgs[2].Role)
	assert.Equal(t, 500, model.gotOpts.MaxTokens)
	assert.InDelta(t, 0.5, model.gotOpts.Temperature, 1e-6)
	assert.Equal(t, []string{"<|eot_id|>"}, model.gotOpts.StopWords)
}

func TestLangChainChatStream_ModelError(t *testing.T) {
	client := NewLangChainClient(&fakeModel{err: errors.New("boom")}, "fake")

	err := client.ChatStream(context.Background(), []datatypes.Message{
		{Role: "user", Content: "Hi"},
	}, GenerationParams{}, func(StreamEvent) error { return nil })

	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestLangChainChatStream_CallbackAbort(t *testing.T) {
	client := NewLangChainClient(&fakeModel{chunks: []string{"a", "b", "c"}}, "fake")
	errStop := errors.New("stop")

	calls := 0
	err := client.ChatStream(context.Background(), []datatypes.Message{
		{Role: "user", Content: "Hi"},
	}, GenerationParams{}, func(StreamEvent) error {
		calls++
		return errStop
	})

	assert.ErrorIs(t, err, errStop)
	assert.Equal(t, 1, calls)
}
