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
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/f1gpt/services/llm"
	"github.com/AleutianAI/f1gpt/services/orchestrator/datatypes"
)

// DefaultPersona opens every system prompt.
const DefaultPersona = "You are F1GPT, a Formula 1 expert assistant."

// maxTokensPlaceholder is replaced with ComposerConfig.MaxOutputTokens in
// each rule.
const maxTokensPlaceholder = "{max_output_tokens}"

// DefaultRules are the answer rules listed under "CRITICAL RULES:".
var DefaultRules = []string{
	"Give Responses in SMALL PARAGRAPHS.",
	"Use the context provided below as the primary source of information.",
	"If the context does not include the answer, you may provide information about events that occurred in 2025 up to the current date.",
	"Provide concise, factual answers under " + maxTokensPlaceholder + " tokens.",
	"Do not speculate or provide information about events not covered in the context or after the current date.",
	"Provide only factual answers and DO NOT include any disclaimers in your output.",
}

// ComposerConfig holds the prompt and sampling settings.
type ComposerConfig struct {
	WindowSize        int      `yaml:"window_size" validate:"gte=1"`
	MaxOutputTokens   int      `yaml:"max_output_tokens" validate:"gte=1"`
	Temperature       float32  `yaml:"temperature" validate:"gte=0,lte=2"`
	TopP              float32  `yaml:"top_p" validate:"gt=0,lte=1"`
	RepetitionPenalty float32  `yaml:"repetition_penalty" validate:"gt=0"`
	Persona           string   `yaml:"persona"`
	Rules             []string `yaml:"rules"`
}

// DefaultComposerConfig returns the production defaults.
func DefaultComposerConfig() ComposerConfig {
	return ComposerConfig{
		WindowSize:        10,
		MaxOutputTokens:   500,
		Temperature:       0.5,
		TopP:              0.9,
		RepetitionPenalty: 1.0,
		Persona:           DefaultPersona,
		Rules:             append([]string(nil), DefaultRules...),
	}
}

// GenerationRequest is everything the model receives for one answer.
type GenerationRequest struct {
	SystemPrompt string
	History      []datatypes.Message
	UserTurn     datatypes.Message
	Params       llm.GenerationParams
}

// Messages returns system + history + user turn, oldest first.
func (g GenerationRequest) Messages() []datatypes.Message {
	out := make([]datatypes.Message, 0, len(g.History)+2)
	out = append(out, datatypes.Message{Role: datatypes.RoleSystem, Content: g.SystemPrompt})
	out = append(out, g.History...)
	out = append(out, g.UserTurn)
	return out
}

// Composer prunes the conversation and builds the system prompt.
type Composer struct {
	cfg ComposerConfig
}

// NewComposer returns a Composer. Zero fields of cfg take the defaults,
// except Temperature, where zero is a valid setting.
func NewComposer(cfg ComposerConfig) *Composer {
	def := DefaultComposerConfig()
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.MaxOutputTokens <= 0 {
		cfg.MaxOutputTokens = def.MaxOutputTokens
	}
	if cfg.TopP <= 0 {
		cfg.TopP = def.TopP
	}
	if cfg.RepetitionPenalty <= 0 {
		cfg.RepetitionPenalty = def.RepetitionPenalty
	}
	if cfg.Persona == "" {
		cfg.Persona = def.Persona
	}
	if len(cfg.Rules) == 0 {
		cfg.Rules = def.Rules
	}
	return &Composer{cfg: cfg}
}

// Config returns the effective configuration.
func (c *Composer) Config() ComposerConfig { return c.cfg }

// Compose builds the generation request for history.
//
// # Description
//
// Keeps the last WindowSize messages. The final one becomes UserTurn and
// the rest become History, so Messages() never has more than WindowSize+1
// entries. The system prompt carries the persona, the current date, the
// rules and the context.
//
// # Inputs
//
//   - history: The full conversation, oldest first. Must be non-empty.
//   - context: Output of ContextAssembler.Assemble.
//   - now: Clock reading for the date line.
//
// # Examples
//
//	req := composer.Compose(chatReq.Messages, ctxText, time.Now())
//	err := client.ChatStream(ctx, req.Messages(), req.Params, cb)
func (c *Composer) Compose(history []datatypes.Message, context string, now time.Time) GenerationRequest {
	window := history
	if len(window) > c.cfg.WindowSize {
		window = window[len(window)-c.cfg.WindowSize:]
	}

	var user datatypes.Message
	var prior []datatypes.Message
	if n := len(window); n > 0 {
		user = window[n-1]
		prior = append([]datatypes.Message(nil), window[:n-1]...)
	}
	user.Role = datatypes.RoleUser

	return GenerationRequest{
		SystemPrompt: c.SystemPrompt(context, now),
		History:      prior,
		UserTurn:     user,
		Params: llm.GenerationParams{
			Temperature:       llm.Float32(c.cfg.Temperature),
			TopP:              llm.Float32(c.cfg.TopP),
			RepetitionPenalty: llm.Float32(c.cfg.RepetitionPenalty),
			MaxTokens:         llm.Int(c.cfg.MaxOutputTokens),
		},
	}
}

// SystemPrompt renders the system message.
func (c *Composer) SystemPrompt(context string, now time.Time) string {
	maxTokens := strconv.Itoa(c.cfg.MaxOutputTokens)

	var b strings.Builder
	b.WriteString(c.cfg.Persona)
	b.WriteString(" Current date: ")
	b.WriteString(now.UTC().Format(time.RFC3339))
	b.WriteString(" UTC.\nCRITICAL RULES:\n")
	for _, rule := range c.cfg.Rules {
		b.WriteString("- ")
		b.WriteString(strings.ReplaceAll(rule, maxTokensPlaceholder, maxTokens))
		b.WriteString("\n")
	}
	b.WriteString("\nContext:\n")
	b.WriteString(context)
	return b.String()
}
