// Package main implements loom-dash, an interactive terminal dashboard
// over the conversation ledger: conversations on the left, the selected
// transcript on the right, and the run admission queue along the bottom.
package main

import (
	"flag"
	"fmt"
	"os"

	"loom/pkg/config"

	tea "github.com/charmbracelet/bubbletea"
)

func main() {
	dir := flag.String("dir", config.DefaultDir(), "loom home directory")
	flag.Parse()

	cfg, err := config.Load(*dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	p := tea.NewProgram(newModel(cfg), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running dashboard: %v\n", err)
		os.Exit(1)
	}
}
