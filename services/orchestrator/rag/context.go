// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package rag turns a chat request into a grounded generation request:
// embed the question, retrieve documents, assemble a bounded context and
// compose the model messages.
package rag

import (
	"strings"

	"github.com/AleutianAI/f1gpt/services/orchestrator/retrieval"
)

// NoDocumentsContext is the context used when nothing relevant was found or
// an upstream stage failed.
const NoDocumentsContext = "No relevant documents found."

// Context limits, in runes.
const (
	DefaultMaxDocChars     = 250
	DefaultMaxContextChars = 1000
	contextSeparator       = "\n\n"
)

// ContextAssembler joins retrieved documents into one bounded string.
type ContextAssembler struct {
	MaxDocChars     int
	MaxContextChars int
}

// NewContextAssembler returns an assembler with the given limits. Non-positive
// limits fall back to the defaults.
func NewContextAssembler(maxDocChars, maxContextChars int) *ContextAssembler {
	if maxDocChars <= 0 {
		maxDocChars = DefaultMaxDocChars
	}
	if maxContextChars <= 0 {
		maxContextChars = DefaultMaxContextChars
	}
	return &ContextAssembler{MaxDocChars: maxDocChars, MaxContextChars: maxContextChars}
}

// Assemble builds the context string.
//
// # Description
//
// Each document's text is cut to MaxDocChars, empty snippets are dropped,
// the rest are joined with a blank line and the result is cut to
// MaxContextChars. With no usable snippet the result is NoDocumentsContext.
// Assemble is pure: the same input always gives the same output.
//
// # Limitations
//
//   - Limits count runes, not tokens.
func (a *ContextAssembler) Assemble(docs []retrieval.Document) string {
	snippets := make([]string, 0, len(docs))
	for _, d := range docs {
		s := truncateRunes(d.Text, a.MaxDocChars)
		if strings.TrimSpace(s) == "" {
			continue
		}
		snippets = append(snippets, s)
	}
	if len(snippets) == 0 {
		return NoDocumentsContext
	}
	return truncateRunes(strings.Join(snippets, contextSeparator), a.MaxContextChars)
}

// truncateRunes returns the first n runes of s.
func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
