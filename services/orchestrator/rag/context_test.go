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
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/AleutianAI/f1gpt/services/orchestrator/retrieval"
	"github.com/stretchr/testify/assert"
)

func TestAssemble_Empty(t *testing.T) {
	a := NewContextAssembler(0, 0)
	assert.Equal(t, NoDocumentsContext, a.Assemble(nil))
	assert.Equal(t, NoDocumentsContext, a.Assemble([]retrieval.Document{{Text: "  "}, {Text: ""}}))
}

func TestAssemble_SingleDocument(t *testing.T) {
	a := NewContextAssembler(0, 0)
	got := a.Assemble([]retrieval.Document{{Text: "Max Verstappen won the 2023 Drivers' Championship.", Similarity: 0.82}})
	assert.Equal(t, "Max Verstappen won the 2023 Drivers' Championship.", got)
}

func TestAssemble_TruncatesEachDocument(t *testing.T) {
	a := NewContextAssembler(0, 0)
	long := strings.Repeat("a", 300)
	got := a.Assemble([]retrieval.Document{{Text: long}, {Text: "short"}})
	assert.Equal(t, strings.Repeat("a", DefaultMaxDocChars)+"\n\nshort", got)
}

func TestAssemble_CapsTotalLength(t *testing.T) {
	a := NewContextAssembler(0, 0)
	docs := make([]retrieval.Document, 6)
	for i := range docs {
		docs[i] = retrieval.Document{Text: strings.Repeat("b", 250)}
	}
	got := a.Assemble(docs)
	assert.Equal(t, DefaultMaxContextChars, utf8.RuneCountInString(got))
}

func TestAssemble_CountsRunes(t *testing.T) {
	a := NewContextAssembler(3, 100)
	got := a.Assemble([]retrieval.Document{{Text: "Pérez"}, {Text: "日本GP"}})
	assert.Equal(t, "Pér\n\n日本G", got)
	assert.True(t, utf8.ValidString(got))
}

func TestAssemble_Deterministic(t *testing.T) {
	a := NewContextAssembler(10, 25)
	docs := []retrieval.Document{{Text: "Silverstone hosts the British GP"}, {Text: "Spa is in Belgium"}}
	first := a.Assemble(docs)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, a.Assemble(docs))
	}
	assert.LessOrEqual(t, utf8.RuneCountInString(first), 25)
}

func TestTruncateRunes(t *testing.T) {
	assert.Equal(t, "", truncateRunes("abc", 0))
	assert.Equal(t, "abc", truncateRunes("abc", 3))
	assert.Equal(t, "ab", truncateRunes("abc", 2))
	assert.Equal(t, "é", truncateRunes("éa", 1))
}
