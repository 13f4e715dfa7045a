// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ux renders terminal output for the bundlenudge CLIs.
//
// Output is styled with lipgloss when stdout is a terminal and falls back to
// plain, tab-separated lines otherwise, so scripts can parse it.
package ux

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Palette.
var (
	ColorAccent  = lipgloss.Color("#7C5CFF")
	ColorBorder  = lipgloss.Color("#4B3FA8")
	ColorSuccess = lipgloss.Color("#3DD68C")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
	ColorMuted   = lipgloss.Color("#6B7280")
)

// Styles provides pre-configured lipgloss styles.
var Styles = struct {
	Title   lipgloss.Style
	Label   lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Box     lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(ColorAccent),
	Label:   lipgloss.NewStyle().Foreground(ColorMuted),
	Muted:   lipgloss.NewStyle().Foreground(ColorMuted),
	Success: lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning: lipgloss.NewStyle().Foreground(ColorWarning),
	Error:   lipgloss.NewStyle().Foreground(ColorError),
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorBorder).
		Padding(0, 1),
}

// Icon is a status marker.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
)

// Render returns the icon with its color.
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	default:
		return Styles.Muted.Render(string(i))
	}
}

// Mode selects rich or plain output.
type Mode int

const (
	ModeRich Mode = iota
	ModePlain
)

var (
	currentMode = ModeRich
	modeMu      sync.RWMutex
)

// GetMode returns the output mode.
func GetMode() Mode {
	modeMu.RLock()
	defer modeMu.RUnlock()
	return currentMode
}

// SetMode sets the output mode.
func SetMode(m Mode) {
	modeMu.Lock()
	defer modeMu.Unlock()
	currentMode = m
}

// InitMode picks plain output when plain is set, NO_COLOR is set, or
// stdout is not a terminal.
func InitMode(plain bool) {
	fd := os.Stdout.Fd()
	tty := isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
	if plain || os.Getenv("NO_COLOR") != "" || !tty {
		SetMode(ModePlain)
		return
	}
	SetMode(ModeRich)
}

// Success prints a success line.
func Success(w io.Writer, text string) {
	if GetMode() == ModePlain {
		fmt.Fprintf(w, "OK: %s\n", text)
		return
	}
	fmt.Fprintf(w, "%s %s\n", IconSuccess.Render(), Styles.Success.Render(text))
}

// Warning prints a warning line.
func Warning(w io.Writer, text string) {
	if GetMode() == ModePlain {
		fmt.Fprintf(w, "WARN: %s\n", text)
		return
	}
	fmt.Fprintf(w, "%s %s\n", IconWarning.Render(), Styles.Warning.Render(text))
}

// Error prints an error line.
func Error(w io.Writer, text string) {
	if GetMode() == ModePlain {
		fmt.Fprintf(w, "ERROR: %s\n", text)
		return
	}
	fmt.Fprintf(w, "%s %s\n", IconError.Render(), Styles.Error.Render(text))
}

// Field is one labelled row of a Panel.
type Field struct {
	Label string
	Value string
	Icon  Icon
}

// Panel prints fields under a title. Rich mode draws an aligned, boxed
// table; plain mode prints "label<TAB>value" lines.
func Panel(w io.Writer, title string, fields []Field) {
	if GetMode() == ModePlain {
		for _, f := range fields {
			fmt.Fprintf(w, "%s\t%s\n", f.Label, f.Value)
		}
		return
	}

	width := 0
	for _, f := range fields {
		if len(f.Label) > width {
			width = len(f.Label)
		}
	}
	var b strings.Builder
	b.WriteString(Styles.Title.Render(title))
	for _, f := range fields {
		b.WriteString("\n")
		b.WriteString(Styles.Label.Render(fmt.Sprintf("%-*s", width, f.Label)))
		b.WriteString("  ")
		if f.Icon != "" {
			b.WriteString(f.Icon.Render())
			b.WriteString(" ")
		}
		value := f.Value
		if value == "" {
			value = Styles.Muted.Render("-")
		}
		b.WriteString(value)
	}
	fmt.Fprintln(w, Styles.Box.Render(b.String()))
}
