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
	"strings"

	"github.com/AleutianAI/f1gpt/services/orchestrator/datatypes"
)

// Llama-3 chat markup.
const (
	llamaBeginText   = "<|begin_of_text|>"
	llamaStartHeader = "<|start_header_id|>"
	llamaEndHeader   = "<|end_header_id|>"
	llamaEOT         = "<|eot_id|>"
)

// DefaultControlTokens are the markers a raw-prompt model may leak into its
// output. The stream sanitizer strips them.
var DefaultControlTokens = []string{"<|eot_id|>", "<|end_of_text|>"}

// RenderLlama3Prompt flattens a message list into one Llama-3 prompt.
//
// # Description
//
// System messages are concatenated into the system block. Prior user and
// assistant turns become "User:" / "Assistant:" lines under "Conversation
// so far:". The final user message goes after "Now answer this:". The
// prompt ends with an open assistant header so the model continues as the
// assistant.
//
// # Inputs
//
//   - messages: system + history + final user turn, oldest first.
//
// # Outputs
//
//   - string: The rendered prompt.
//
// # Examples
//
//	RenderLlama3Prompt([]datatypes.Message{
//	    {Role: "system", Content: "You are F1GPT."},
//	    {Role: "user", Content: "Who won Monza 2024?"},
//	})
func RenderLlama3Prompt(messages []datatypes.Message) string {
	var system []string
	var turns []datatypes.Message
	for _, m := range messages {
		if m.Role == datatypes.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		turns = append(turns, m)
	}

	var final string
	if n := len(turns); n > 0 && turns[n-1].Role == datatypes.RoleUser {
		final = turns[n-1].Content
		turns = turns[:n-1]
	}

	var b strings.Builder
	b.WriteString(llamaBeginText)
	writeHeader(&b, datatypes.RoleSystem)
	b.WriteString(strings.Join(system, "\n\n"))
	b.WriteString(llamaEOT)

	writeHeader(&b, datatypes.RoleUser)
	b.WriteString("Conversation so far:\n")
	for _, m := range turns {
		if m.Role == datatypes.RoleAssistant {
			b.WriteString("Assistant: ")
		} else {
			b.WriteString("User: ")
		}
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	b.WriteString("\nNow answer this:\n")
	b.WriteString(final)
	b.WriteString(llamaEOT)

	b.WriteString(llamaStartHeader)
	b.WriteString(datatypes.RoleAssistant)
	b.WriteString(llamaEndHeader)
	return b.String()
}

func writeHeader(b *strings.Builder, role string) {
	b.WriteString(llamaStartHeader)
	b.WriteString(role)
	b.WriteString(llamaEndHeader)
	b.WriteString("\n\n")
}
