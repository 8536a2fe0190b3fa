// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"github.com/spf13/cobra"
)

// defaultConfigPath is read by serve when --config is not given.
const defaultConfigPath = "f1gpt.yaml"

// newRootCmd builds the command tree.
//
// # Description
//
// Commands are built per call so tests can execute them in isolation
// with their own flags and output streams.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "f1gpt",
		Short: "A retrieval-grounded Formula One chat service",
		Long: `f1gpt answers Formula One questions with an LLM, grounding each
answer in documents retrieved from a vector store and streaming it
back to the client as server-sent events.`,
		SilenceUsage: true,
	}

	var configPath string
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath, "path to the YAML config file")

	rootCmd.AddCommand(
		newServeCmd(&configPath),
		newAskCmd(),
		newCheckTokenCmd(),
		newVersionCmd(),
	)
	return rootCmd
}
