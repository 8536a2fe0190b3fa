// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rag

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/f1gpt/services/orchestrator/datatypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)

func conversation(n int) []datatypes.Message {
	msgs := make([]datatypes.Message, n)
	for i := range msgs {
		role := datatypes.RoleUser
		if i%2 == 1 {
			role = datatypes.RoleAssistant
		}
		msgs[i] = datatypes.Message{Role: role, Content: fmt.Sprintf("m%d", i)}
	}
	msgs[n-1].Role = datatypes.RoleUser
	return msgs
}

func TestCompose_PrunesToWindow(t *testing.T) {
	c := NewComposer(DefaultComposerConfig())
	req := c.Compose(conversation(25), "ctx", fixedNow)

	assert.Len(t, req.History, 9)
	assert.Equal(t, "m15", req.History[0].Content)
	assert.Equal(t, "m24", req.UserTurn.Content)

	msgs := req.Messages()
	assert.LessOrEqual(t, len(msgs), 11)
	assert.Equal(t, datatypes.RoleSystem, msgs[0].Role)
	assert.Equal(t, "m24", msgs[len(msgs)-1].Content)
}

func TestCompose_SingleMessage(t *testing.T) {
	c := NewComposer(DefaultComposerConfig())
	req := c.Compose([]datatypes.Message{{Role: "user", Content: "Who is Lando?"}}, "ctx", fixedNow)

	assert.Empty(t, req.History)
	assert.Equal(t, "Who is Lando?", req.UserTurn.Content)
	assert.Len(t, req.Messages(), 2)
}

func TestCompose_WindowOfOne(t *testing.T) {
	cfg := DefaultComposerConfig()
	cfg.WindowSize = 1
	req := NewComposer(cfg).Compose(conversation(5), "ctx", fixedNow)
	assert.Empty(t, req.History)
	assert.Len(t, req.Messages(), 2)
}

func TestCompose_Params(t *testing.T) {
	req := NewComposer(DefaultComposerConfig()).Compose(conversation(1), "ctx", fixedNow)

	require.NotNil(t, req.Params.MaxTokens)
	assert.Equal(t, 500, *req.Params.MaxTokens)
	require.NotNil(t, req.Params.Temperature)
	assert.InDelta(t, 0.5, *req.Params.Temperature, 1e-6)
	require.NotNil(t, req.Params.TopP)
	assert.InDelta(t, 0.9, *req.Params.TopP, 1e-6)
	require.NotNil(t, req.Params.RepetitionPenalty)
	assert.InDelta(t, 1.0, *req.Params.RepetitionPenalty, 1e-6)
}

func TestSystemPrompt_Layout(t *testing.T) {
	c := NewComposer(DefaultComposerConfig())
	prompt := c.SystemPrompt("Hamilton has 105 wins.", fixedNow)

	assert.True(t, strings.HasPrefix(prompt,
		"You are F1GPT, a Formula 1 expert assistant. Current date: 2025-06-01T12:30:00Z UTC.\nCRITICAL RULES:\n"))
	assert.Contains(t, prompt, "- Give Responses in SMALL PARAGRAPHS.\n")
	assert.Contains(t, prompt, "- Provide concise, factual answers under 500 tokens.\n")
	assert.NotContains(t, prompt, maxTokensPlaceholder)
	assert.True(t, strings.HasSuffix(prompt, "\nContext:\nHamilton has 105 wins."))
	assert.Equal(t, len(DefaultRules), strings.Count(prompt, "\n- "))
}

func TestSystemPrompt_CustomRules(t *testing.T) {
	c := NewComposer(ComposerConfig{
		MaxOutputTokens: 42,
		Persona:         "You are a pit wall engineer.",
		Rules:           []string{"Stay under {max_output_tokens} tokens."},
	})
	prompt := c.SystemPrompt(NoDocumentsContext, fixedNow)
	assert.Contains(t, prompt, "You are a pit wall engineer.")
	assert.Contains(t, prompt, "- Stay under 42 tokens.\n")
	assert.Contains(t, prompt, "Context:\nNo relevant documents found.")
}

func TestNewComposer_FillsDefaults(t *testing.T) {
	cfg := NewComposer(ComposerConfig{}).Config()
	assert.Equal(t, 10, cfg.WindowSize)
	assert.Equal(t, 500, cfg.MaxOutputTokens)
	assert.Equal(t, DefaultPersona, cfg.Persona)
	assert.Len(t, cfg.Rules, 6)
}
