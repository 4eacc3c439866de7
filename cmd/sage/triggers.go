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
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/SAIC-MONTREAL/SAGE/cmd/sage/config"
	"github.com/SAIC-MONTREAL/SAGE/services/conditions"
	"github.com/SAIC-MONTREAL/SAGE/services/devicestate"
	"github.com/SAIC-MONTREAL/SAGE/services/triggers"
)

// addFlags holds `sage triggers add` input when no --file is given.
type addFlags struct {
	file        string
	function    string
	defineFile  string
	run         string
	notifyWhen  string
	lastResult  string
	description string
	action      string
	user        string
	session     string
}

var (
	addOpts       addFlags
	watchInterval time.Duration

	triggersCmd = &cobra.Command{
		Use:   "triggers",
		Short: "Talk to a running trigger server",
	}
	checkCmd = &cobra.Command{
		Use:   "check",
		Short: "Pop the oldest fired trigger, if any",
		Args:  cobra.NoArgs,
		RunE:  runCheck,
	}
	manualCmd = &cobra.Command{
		Use:   "manual [user] [command...]",
		Short: "Queue a trigger message by hand",
		Args:  cobra.MinimumNArgs(2),
		RunE:  runManual,
	}
	addCmd = &cobra.Command{
		Use:   "add",
		Short: "Register a persistent condition",
		Long: `Register a persistent condition and its routine.

Either pass --file with an add_condition body:

  {"code": {"door_open": {"code_define": "...", "code_run": "door_open()"}},
   "condition": {"function_name": "door_open", "notify_when": true,
                 "action_description": "...", "user_name": "amal"}}

or describe a single routine with flags.`,
		Args: cobra.NoArgs,
		RunE: runAdd,
	}
	resetCmd = &cobra.Command{
		Use:   "reset",
		Short: "Drop every condition and pending trigger",
		Args:  cobra.NoArgs,
		RunE:  runReset,
	}
	listCmd = &cobra.Command{
		Use:   "list",
		Short: "List registered conditions",
		Args:  cobra.NoArgs,
		RunE:  runList,
	}
	watchCmd = &cobra.Command{
		Use:   "watch",
		Short: "Poll for fired triggers and show them as they arrive",
		Args:  cobra.NoArgs,
		RunE:  runWatch,
	}
)

func init() {
	f := addCmd.Flags()
	f.StringVarP(&addOpts.file, "file", "f", "", "JSON add_condition body ('-' for stdin)")
	f.StringVar(&addOpts.function, "function", "", "routine name")
	f.StringVar(&addOpts.defineFile, "define", "", "file with the routine definition")
	f.StringVar(&addOpts.run, "run", "", "expression that evaluates the routine (default NAME())")
	f.StringVar(&addOpts.notifyWhen, "notify-when", "true", "result that fires the condition (JSON)")
	f.StringVar(&addOpts.lastResult, "last-result", "null", "result the routine is assumed to have now (JSON)")
	f.StringVar(&addOpts.description, "description", "", "human readable condition")
	f.StringVar(&addOpts.action, "action", "", "command handed back when the condition fires")
	f.StringVar(&addOpts.user, "user", "", "user the trigger is for")
	f.StringVar(&addOpts.session, "session", "", "device session the routine reads")

	watchCmd.Flags().DurationVar(&watchInterval, "interval", time.Second, "polling interval")

	triggersCmd.AddCommand(checkCmd, manualCmd, addCmd, resetCmd, listCmd, watchCmd)
}

func newTriggersClient() *triggers.Client {
	return triggers.NewClient(config.Global.Server.URL, nil)
}

func runCheck(cmd *cobra.Command, _ []string) error {
	resp, ok, err := newTriggersClient().CheckTriggers(cmd.Context())
	if err != nil {
		return err
	}
	if printer.Machine() {
		if !ok {
			return printer.JSON(struct{}{})
		}
		return printer.JSON(resp)
	}
	if !ok {
		printer.Muted("No pending triggers.")
		return nil
	}
	printer.Box("Trigger for "+resp.User, formatTrigger(resp))
	return nil
}

func runManual(cmd *cobra.Command, args []string) error {
	user, command := args[0], strings.Join(args[1:], " ")
	if err := newTriggersClient().TriggerManually(cmd.Context(), user, command); err != nil {
		return err
	}
	printer.Success(fmt.Sprintf("queued %q for %s", command, user))
	return nil
}

func runAdd(cmd *cobra.Command, _ []string) error {
	req, err := buildAddRequest(addOpts, os.ReadFile, cmd.InOrStdin())
	if err != nil {
		return err
	}
	if err := newTriggersClient().RegisterCondition(cmd.Context(), req.Code, req.Condition); err != nil {
		return err
	}
	printer.Success(fmt.Sprintf("condition %s registered for %s", req.Condition.FunctionName, req.Condition.UserName))
	return nil
}

func runReset(cmd *cobra.Command, _ []string) error {
	if err := newTriggersClient().Reset(cmd.Context()); err != nil {
		return err
	}
	printer.Success("reset done")
	return nil
}

func runList(cmd *cobra.Command, _ []string) error {
	snap, err := newTriggersClient().Conditions(cmd.Context())
	if err != nil {
		return err
	}
	if printer.Machine() {
		return printer.JSON(snap)
	}
	if len(snap.Conditions) == 0 {
		printer.Muted("No conditions registered.")
		return nil
	}
	printer.Title(fmt.Sprintf("%d condition(s), epoch %d", len(snap.Conditions), snap.Epoch))
	for _, rec := range snap.Conditions {
		fields := map[string]string{
			"user":        rec.UserName,
			"action":      rec.ActionDescription,
			"notify_when": formatValue(rec.NotifyWhen),
		}
		if rec.ConditionDescription != "" {
			fields["condition"] = rec.ConditionDescription
		}
		if entry, ok := snap.Codes[rec.FunctionName]; ok {
			fields["last_result"] = formatValue(entry.LastResult)
			fields["run"] = entry.CodeRun
		}
		printer.Title(rec.FunctionName)
		printer.Fields(fields)
	}
	return nil
}

// buildAddRequest reads --file, or assembles a single-routine request
// from the other flags.
func buildAddRequest(opts addFlags, readFile func(string) ([]byte, error), stdin io.Reader) (triggers.AddConditionRequest, error) {
	var req triggers.AddConditionRequest

	if opts.file != "" {
		var (
			data []byte
			err  error
		)
		if opts.file == "-" {
			var buf bytes.Buffer
			_, err = buf.ReadFrom(stdin)
			data = buf.Bytes()
		} else {
			data, err = readFile(opts.file)
		}
		if err != nil {
			return req, fmt.Errorf("read %s: %w", opts.file, err)
		}
		if err := devicestate.DecodeJSON(bytes.NewReader(data), &req); err != nil {
			return req, fmt.Errorf("parse %s: %w", opts.file, err)
		}
		return req, nil
	}

	if opts.function == "" {
		return req, errors.New("either --file or --function is required")
	}
	var define []byte
	if opts.defineFile != "" {
		var err error
		if define, err = readFile(opts.defineFile); err != nil {
			return req, fmt.Errorf("read %s: %w", opts.defineFile, err)
		}
	}
	run := opts.run
	if run == "" {
		run = opts.function + "()"
	}
	notifyWhen, err := parseJSONFlag("notify-when", opts.notifyWhen)
	if err != nil {
		return req, err
	}
	lastResult, err := parseJSONFlag("last-result", opts.lastResult)
	if err != nil {
		return req, err
	}

	req.Code = map[string]conditions.CodeEntry{
		opts.function: {
			CodeDefine: string(define),
			CodeRun:    run,
			LastResult: lastResult,
			SessionID:  opts.session,
		},
	}
	req.Condition = conditions.Record{
		FunctionName:         opts.function,
		NotifyWhen:           notifyWhen,
		ConditionDescription: opts.description,
		ActionDescription:    opts.action,
		UserName:             opts.user,
	}
	return req, nil
}

// parseJSONFlag decodes a JSON literal. Anything that is not JSON is
// taken as a string.
func parseJSONFlag(name, raw string) (any, error) {
	var v any
	if err := devicestate.DecodeJSON(strings.NewReader(raw), &v); err != nil {
		if strings.TrimSpace(raw) == "" {
			return nil, fmt.Errorf("--%s must not be empty", name)
		}
		return raw, nil
	}
	return v, nil
}

func formatTrigger(resp triggers.TriggerResponse) string {
	var b strings.Builder
	b.WriteString(resp.Command)
	if resp.Routine != "" {
		fmt.Fprintf(&b, "\nroutine: %s", resp.Routine)
	}
	if !resp.FiredAt.IsZero() {
		fmt.Fprintf(&b, "\nfired:   %s", resp.FiredAt.Local().Format(time.DateTime))
	}
	return b.String()
}

func formatValue(v any) string {
	switch v := v.(type) {
	case nil:
		return "null"
	case string:
		return fmt.Sprintf("%q", v)
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + ": " + formatValue(v[k])
		}
		return "{" + strings.Join(parts, ", ") + "}"
	}
	return fmt.Sprint(v)
}
