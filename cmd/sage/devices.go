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
	"bytes"
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/SAIC-MONTREAL/SAGE/cmd/sage/config"
	"github.com/SAIC-MONTREAL/SAGE/services/devicestate"
	"github.com/SAIC-MONTREAL/SAGE/services/smartthings"
)

var (
	deviceSession string
	componentID   string
	capabilityID  string

	devicesCmd = &cobra.Command{
		Use:   "devices",
		Short: "Inspect and drive the simulated device API",
	}
	devicesListCmd = &cobra.Command{
		Use:   "list",
		Short: "List the session's devices",
		Args:  cobra.NoArgs,
		RunE:  runDevicesList,
	}
	devicesStatusCmd = &cobra.Command{
		Use:   "status [device]",
		Short: "Show a device, or one capability with --capability",
		Args:  cobra.ExactArgs(1),
		RunE:  runDevicesStatus,
	}
	devicesCommandCmd = &cobra.Command{
		Use:   "command [device] [capability] [command] [args...]",
		Short: "Send one command to a device",
		Long: `Send one command to a device. Arguments are parsed as JSON
literals when they can be, so 50 is a number and "50" is a string.`,
		Args: cobra.MinimumNArgs(3),
		RunE: runDevicesCommand,
	}
	stateCmd = &cobra.Command{
		Use:   "state",
		Short: "Read or replace a session's device tree",
	}
	stateGetCmd = &cobra.Command{
		Use:   "get [session]",
		Short: "Print a session's device tree",
		Args:  cobra.ExactArgs(1),
		RunE:  runStateGet,
	}
	stateSetCmd = &cobra.Command{
		Use:   "set [session] [file]",
		Short: "Replace a session's device tree from a JSON file ('-' for stdin)",
		Args:  cobra.ExactArgs(2),
		RunE:  runStateSet,
	}
	stateDeleteCmd = &cobra.Command{
		Use:   "delete [session]",
		Short: "Delete a session's tree and log",
		Args:  cobra.ExactArgs(1),
		RunE:  runStateDelete,
	}
	logsCmd = &cobra.Command{
		Use:   "logs [session]",
		Short: "Print a session's request and command log",
		Args:  cobra.ExactArgs(1),
		RunE:  runLogs,
	}
)

func init() {
	devicesCmd.PersistentFlags().StringVar(&deviceSession, "session", "", "device session (default from config)")
	devicesStatusCmd.Flags().StringVar(&capabilityID, "capability", "", "show only this capability")
	devicesStatusCmd.Flags().StringVar(&componentID, "component", "main", "component of --capability")
	devicesCommandCmd.Flags().StringVar(&componentID, "component", "main", "component to address")

	stateCmd.AddCommand(stateGetCmd, stateSetCmd, stateDeleteCmd)
	devicesCmd.AddCommand(devicesListCmd, devicesStatusCmd, devicesCommandCmd, stateCmd, logsCmd)
}

func newDevicesClient() *smartthings.Client {
	session := deviceSession
	if session == "" {
		session = config.Global.Devices.DefaultSession
	}
	return smartthings.NewClient(config.Global.Server.URL, session, nil)
}

// printDeviceResponse prints the body and turns a non-2xx status into an
// error so the exit code reflects it.
func printDeviceResponse(resp smartthings.Response) error {
	if err := printer.JSON(resp.Body); err != nil {
		return err
	}
	if resp.Status < http.StatusOK || resp.Status >= http.StatusMultipleChoices {
		if resp.Code != "" {
			return fmt.Errorf("device API returned %d (%s)", resp.Status, resp.Code)
		}
		return fmt.Errorf("device API returned %d", resp.Status)
	}
	return nil
}

func runDevicesList(cmd *cobra.Command, _ []string) error {
	resp, err := newDevicesClient().Devices(cmd.Context())
	if err != nil {
		return err
	}
	return printDeviceResponse(resp)
}

func runDevicesStatus(cmd *cobra.Command, args []string) error {
	client := newDevicesClient()
	var (
		resp smartthings.Response
		err  error
	)
	if capabilityID != "" {
		resp, err = client.CapabilityStatus(cmd.Context(), args[0], componentID, capabilityID)
	} else {
		resp, err = client.DeviceStatus(cmd.Context(), args[0])
	}
	if err != nil {
		return err
	}
	return printDeviceResponse(resp)
}

func runDevicesCommand(cmd *cobra.Command, args []string) error {
	req := smartthings.CommandRequest{Commands: []smartthings.Command{{
		Component:  componentID,
		Capability: args[1],
		Command:    args[2],
		Arguments:  parseCommandArgs(args[3:]),
	}}}
	resp, err := newDevicesClient().Execute(cmd.Context(), args[0], req)
	if err != nil {
		return err
	}
	return printDeviceResponse(resp)
}

// parseCommandArgs decodes each argument as a JSON literal, falling back
// to the raw string.
func parseCommandArgs(raw []string) []any {
	if len(raw) == 0 {
		return nil
	}
	out := make([]any, len(raw))
	for i, s := range raw {
		var v any
		if err := devicestate.DecodeJSON(bytes.NewReader([]byte(s)), &v); err != nil {
			out[i] = s
			continue
		}
		out[i] = v
	}
	return out
}

func runStateGet(cmd *cobra.Command, args []string) error {
	tree, err := newDevicesClient().State(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printer.JSON(tree)
}

func runStateSet(cmd *cobra.Command, args []string) error {
	var (
		data []byte
		err  error
	)
	if args[1] == "-" {
		var buf bytes.Buffer
		_, err = buf.ReadFrom(cmd.InOrStdin())
		data = buf.Bytes()
	} else {
		data, err = os.ReadFile(args[1])
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", args[1], err)
	}
	tree, err := devicestate.Decode(data)
	if err != nil {
		return fmt.Errorf("parse %s: %w", args[1], err)
	}
	if err := newDevicesClient().SetState(cmd.Context(), args[0], tree); err != nil {
		return err
	}
	printer.Success("session " + args[0] + " now has " + strconv.Itoa(len(tree)) + " device(s)")
	return nil
}

func runStateDelete(cmd *cobra.Command, args []string) error {
	if err := newDevicesClient().DeleteSession(cmd.Context(), args[0]); err != nil {
		return err
	}
	printer.Success("session " + args[0] + " deleted")
	return nil
}

func runLogs(cmd *cobra.Command, args []string) error {
	logs, err := newDevicesClient().Logs(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if printer.Machine() {
		for _, entry := range logs {
			if err := printer.JSON(entry); err != nil {
				return err
			}
		}
		return nil
	}
	return printer.JSON(logs)
}
