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
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/SAIC-MONTREAL/SAGE/pkg/ux"
	"github.com/SAIC-MONTREAL/SAGE/services/triggers"
)

const (
	// maxShown is how many received triggers the watch view keeps.
	maxShown = 20

	pollTimeout = 10 * time.Second
)

type pollFunc func(context.Context) (triggers.TriggerResponse, bool, error)

type (
	triggerMsg struct {
		resp triggers.TriggerResponse
		ok   bool
	}
	pollErrMsg struct{ err error }
	pollTickMsg time.Time
)

// watchModel polls the trigger server and lists what it pops.
type watchModel struct {
	poll     pollFunc
	interval time.Duration
	target   string

	spinner  spinner.Model
	received []triggers.TriggerResponse
	total    int
	lastErr  error
	quitting bool
}

func newWatchModel(poll pollFunc, interval time.Duration, target string) watchModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = ux.Styles.Label
	return watchModel{poll: poll, interval: interval, target: target, spinner: s}
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.pollCmd())
}

func (m watchModel) pollCmd() tea.Cmd {
	poll := m.poll
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), pollTimeout)
		defer cancel()
		resp, ok, err := poll(ctx)
		if err != nil {
			return pollErrMsg{err: err}
		}
		return triggerMsg{resp: resp, ok: ok}
	}
}

func (m watchModel) waitCmd() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return pollTickMsg(t) })
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}
		return m, nil

	case triggerMsg:
		m.lastErr = nil
		if !msg.ok {
			return m, m.waitCmd()
		}
		m.total++
		m.received = append(m.received, msg.resp)
		if len(m.received) > maxShown {
			m.received = m.received[len(m.received)-maxShown:]
		}
		// More may be queued behind this one.
		return m, m.pollCmd()

	case pollErrMsg:
		m.lastErr = msg.err
		return m, m.waitCmd()

	case pollTickMsg:
		return m, m.pollCmd()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m watchModel) View() string {
	var b strings.Builder
	b.WriteString(ux.Styles.Title.Render("sage triggers") + "\n")
	fmt.Fprintf(&b, "%s watching %s every %s\n\n", m.spinner.View(), m.target, m.interval)

	if len(m.received) == 0 {
		b.WriteString(ux.Styles.Muted.Render("No triggers yet.") + "\n")
	}
	for _, resp := range m.received {
		when := ""
		if !resp.FiredAt.IsZero() {
			when = ux.Styles.Muted.Render(resp.FiredAt.Local().Format(time.TimeOnly) + " ")
		}
		fmt.Fprintf(&b, "%s%s %s %s\n", when, string(ux.IconBell),
			ux.Styles.Label.Render(resp.User), resp.Command)
	}
	if m.total > len(m.received) {
		b.WriteString(ux.Styles.Muted.Render(fmt.Sprintf("(%d older not shown)", m.total-len(m.received))) + "\n")
	}
	if m.lastErr != nil {
		b.WriteString("\n" + ux.Styles.Error.Render(string(ux.IconError)+" "+m.lastErr.Error()) + "\n")
	}
	if !m.quitting {
		b.WriteString("\n" + ux.Styles.Muted.Render("q to quit") + "\n")
	}
	return b.String()
}

func runWatch(cmd *cobra.Command, _ []string) error {
	client := newTriggersClient()
	if watchInterval <= 0 {
		return fmt.Errorf("--interval must be positive")
	}

	if printer.Machine() || !ux.IsTerminal(cmd.OutOrStdout()) {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return watchPlain(ctx, client.CheckTriggers, watchInterval)
	}

	m := newWatchModel(client.CheckTriggers, watchInterval, client.BaseURL())
	_, err := tea.NewProgram(m, tea.WithContext(cmd.Context())).Run()
	return err
}

// watchPlain prints each trigger as it is popped until ctx is done.
// Poll errors are reported and retried on the next tick.
func watchPlain(ctx context.Context, poll pollFunc, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		for {
			resp, ok, err := poll(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				printer.Warning(err.Error())
				break
			}
			if !ok {
				break
			}
			if printer.Machine() {
				if err := printer.JSON(resp); err != nil {
					return err
				}
			} else {
				printer.Fields(map[string]string{"user": resp.User, "command": resp.Command})
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
