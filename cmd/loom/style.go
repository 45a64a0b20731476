package main

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// styles holds the lipgloss styles for TTY output. When stdout is not a
// terminal every style renders as plain text.
type styles struct {
	user      lipgloss.Style
	assistant lipgloss.Style
	system    lipgloss.Style
	dim       lipgloss.Style
	errText   lipgloss.Style
	header    lipgloss.Style
}

func newStyles() styles {
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		plain := lipgloss.NewStyle()
		return styles{user: plain, assistant: plain, system: plain, dim: plain, errText: plain, header: plain}
	}
	return styles{
		user:      lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true),
		assistant: lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		system:    lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
		errText:   lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
		header:    lipgloss.NewStyle().Bold(true).Underline(true),
	}
}

// roleStyle picks the style for a message role.
func (s styles) roleStyle(role string) lipgloss.Style {
	switch role {
	case "user":
		return s.user
	case "assistant":
		return s.assistant
	case "system":
		return s.system
	default:
		return s.dim
	}
}
