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
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/hybridflow/cmd/hybridd/config"
)

// --- Global Command Variables ---
var (
	rootCmd = &cobra.Command{
		Use:   "hybridd",
		Short: "The hybrid agent execution daemon",
		Long: `Hybridd serves the hybrid agent execution core: intent routing
				across structured workflows and conversational agents, a shared
				versioned context, and a unified tool pipeline.`,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP service",
		Run:   runServe,
	}

	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Load(); err != nil {
				return err
			}
			data, err := yaml.Marshal(config.Global)
			if err != nil {
				return err
			}
			fmt.Print(string(data))
			return nil
		},
	}
)

func main() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
