// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command sage runs the SAGE trigger server and talks to a running one.
//
// # Usage
//
//	sage serve
//	sage triggers add --file door_open.json
//	sage triggers watch
//	sage devices status fridge-1 --session demo
//
// Configuration is read from ~/.sage/config.yaml (or $SAGE_CONFIG), which
// is created with defaults on first run. TRIGGER_SERVER_URL,
// MONGODB_SERVER_URL and SAGE_STORE_BACKEND override the file.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/SAIC-MONTREAL/SAGE/cmd/sage/config"
	"github.com/SAIC-MONTREAL/SAGE/pkg/ux"
)

var (
	serverURL  string
	outputMode string
	printer    *ux.Printer

	rootCmd = &cobra.Command{
		Use:           "sage",
		Short:         "Persistent condition triggers for smart home agents",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Load(); err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if serverURL != "" {
				config.Global.Server.URL = serverURL
			}
			mode, err := ux.ParseMode(outputMode)
			if err != nil {
				return err
			}
			printer = ux.NewPrinter(cmd.OutOrStdout(), cmd.ErrOrStderr(), mode)
			return nil
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "trigger server URL (default from config)")
	rootCmd.PersistentFlags().StringVarP(&outputMode, "output", "o", "auto", "output mode: auto, plain or json")

	rootCmd.AddCommand(serveCmd, triggersCmd, devicesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if printer != nil {
			printer.Error(err.Error())
		} else {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}
