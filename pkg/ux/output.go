// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux provides terminal output styling for the sage CLI.
package ux

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Palette
var (
	ColorAccent  = lipgloss.Color("#2CD7C7")
	ColorPrimary = lipgloss.Color("#20B9B4")
	ColorBorder  = lipgloss.Color("#16858E")
	ColorSlate   = lipgloss.Color("#5C7A84")

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles provides pre-configured lipgloss styles
var Styles = struct {
	Title   lipgloss.Style
	Label   lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style

	Box lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(ColorAccent),
	Label:   lipgloss.NewStyle().Foreground(ColorPrimary),
	Muted:   lipgloss.NewStyle().Foreground(ColorSlate),
	Success: lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning: lipgloss.NewStyle().Foreground(ColorWarning),
	Error:   lipgloss.NewStyle().Foreground(ColorError),

	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorBorder).
		Padding(0, 1),
}

// Icon provides themed status icons
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconBell    Icon = "🔔"
	IconArrow   Icon = "→"
)

// Mode selects how a Printer renders.
type Mode int

const (
	// ModeAuto styles output when the destination is a terminal.
	ModeAuto Mode = iota

	// ModePlain writes icons and text without color.
	ModePlain

	// ModeMachine writes one tab separated or JSON line per item, for
	// scripts.
	ModeMachine
)

// ParseMode maps a --output flag value to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "auto":
		return ModeAuto, nil
	case "plain", "text":
		return ModePlain, nil
	case "machine", "json":
		return ModeMachine, nil
	}
	return ModeAuto, fmt.Errorf("unknown output mode %q (want auto, plain or json)", s)
}

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Printer writes CLI output in one Mode.
type Printer struct {
	out    io.Writer
	errOut io.Writer
	mode   Mode
	styled bool
}

// NewPrinter creates a printer. ModeAuto is resolved against out.
func NewPrinter(out, errOut io.Writer, mode Mode) *Printer {
	p := &Printer{out: out, errOut: errOut, mode: mode}
	if mode == ModeAuto {
		p.styled = IsTerminal(out)
		p.mode = ModePlain
	}
	return p
}

// Machine reports whether output is for scripts.
func (p *Printer) Machine() bool { return p.mode == ModeMachine }

// Styled reports whether lipgloss styling is applied.
func (p *Printer) Styled() bool { return p.styled }

func (p *Printer) render(s lipgloss.Style, text string) string {
	if !p.styled {
		return text
	}
	return s.Render(text)
}

// Title prints a heading. Suppressed in machine mode.
func (p *Printer) Title(text string) {
	if p.Machine() {
		return
	}
	fmt.Fprintln(p.out, p.render(Styles.Title, text))
}

// Success prints a success line.
func (p *Printer) Success(text string) {
	if p.Machine() {
		fmt.Fprintf(p.out, "OK: %s\n", text)
		return
	}
	fmt.Fprintf(p.out, "%s %s\n", p.render(Styles.Success, string(IconSuccess)), text)
}

// Warning prints a warning line to the error stream.
func (p *Printer) Warning(text string) {
	if p.Machine() {
		fmt.Fprintf(p.errOut, "WARN: %s\n", text)
		return
	}
	fmt.Fprintf(p.errOut, "%s %s\n", p.render(Styles.Warning, string(IconWarning)), p.render(Styles.Warning, text))
}

// Error prints an error line to the error stream.
func (p *Printer) Error(text string) {
	if p.Machine() {
		fmt.Fprintf(p.errOut, "ERROR: %s\n", text)
		return
	}
	fmt.Fprintf(p.errOut, "%s %s\n", p.render(Styles.Error, string(IconError)), p.render(Styles.Error, text))
}

// Muted prints secondary text. Suppressed in machine mode.
func (p *Printer) Muted(text string) {
	if p.Machine() {
		return
	}
	fmt.Fprintln(p.out, p.render(Styles.Muted, text))
}

// Fields prints key/value pairs sorted by key, aligned on the longest key.
func (p *Printer) Fields(fields map[string]string) {
	keys := make([]string, 0, len(fields))
	width := 0
	for k := range fields {
		keys = append(keys, k)
		width = max(width, len(k))
	}
	sort.Strings(keys)
	for _, k := range keys {
		if p.Machine() {
			fmt.Fprintf(p.out, "%s\t%s\n", k, fields[k])
			continue
		}
		label := fmt.Sprintf("%-*s", width, k)
		fmt.Fprintf(p.out, "%s  %s\n", p.render(Styles.Label, label), fields[k])
	}
}

// Box prints content in a rounded box with a title line.
func (p *Printer) Box(title, content string) {
	if p.Machine() {
		fmt.Fprintf(p.out, "%s: %s\n", title, content)
		return
	}
	if !p.styled {
		fmt.Fprintf(p.out, "%s\n%s\n", title, content)
		return
	}
	fmt.Fprintln(p.out, Styles.Box.Render(Styles.Title.Render(title)+"\n"+content))
}

// JSON prints v as indented JSON, or compact JSON in machine mode.
func (p *Printer) JSON(v any) error {
	var (
		data []byte
		err  error
	)
	if p.Machine() {
		data, err = json.Marshal(v)
	} else {
		data, err = json.MarshalIndent(v, "", "  ")
	}
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(p.out, string(data))
	return err
}
