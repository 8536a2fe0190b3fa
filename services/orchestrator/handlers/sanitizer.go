// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"strings"
	"unicode"
)

// OutputSanitizer turns the raw accumulated answer into the visible text.
//
// # Description
//
// Control tokens are removed and leading whitespace is trimmed. While the
// stream is still running, a trailing fragment that could be the start of a
// control token is withheld, so the visible text of a longer raw answer
// always extends the visible text of a shorter one.
//
// # Examples
//
//	s := NewOutputSanitizer([]string{"<|eot_id|>"})
//	s.Visible(" Hamilton<|eo", false) // "Hamilton"
//	s.Visible(" Hamilton<|eot_id|>", true) // "Hamilton"
//
// # Thread Safety
//
// Safe for concurrent use. It holds no mutable state.
type OutputSanitizer struct {
	tokens   []string
	replacer *strings.Replacer
}

// NewOutputSanitizer builds a sanitizer for the given control tokens.
// Empty tokens are ignored.
func NewOutputSanitizer(tokens []string) *OutputSanitizer {
	kept := make([]string, 0, len(tokens))
	pairs := make([]string, 0, 2*len(tokens))
	for _, t := range tokens {
		if t == "" {
			continue
		}
		kept = append(kept, t)
		pairs = append(pairs, t, "")
	}
	return &OutputSanitizer{tokens: kept, replacer: strings.NewReplacer(pairs...)}
}

// Visible returns the text a client may see for raw.
//
// # Inputs
//
//   - raw: Everything generated so far.
//   - final: True once generation has ended. Nothing is withheld then.
//
// # Outputs
//
//   - string: The sanitized text.
func (s *OutputSanitizer) Visible(raw string, final bool) string {
	// Removing a token can join its neighbours into a new one, so replace
	// until nothing changes.
	text := raw
	for {
		next := s.replacer.Replace(text)
		if next == text {
			break
		}
		text = next
	}
	if !final {
		text = text[:len(text)-s.pendingSuffix(text)]
	}
	return strings.TrimLeftFunc(text, unicode.IsSpace)
}

// pendingSuffix returns the length of the longest suffix of raw that is a
// proper prefix of a control token.
func (s *OutputSanitizer) pendingSuffix(raw string) int {
	longest := 0
	for _, t := range s.tokens {
		maxLen := min(len(t)-1, len(raw))
		for n := maxLen; n > longest; n-- {
			if strings.HasSuffix(raw, t[:n]) {
				longest = n
				break
			}
		}
	}
	return longest
}
