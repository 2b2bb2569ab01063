package main

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/indent"
	"github.com/muesli/reflow/wordwrap"
)

var (
	keywordStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#7D56F4", Dark: "#AD8EE6"})
	subtleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#9B9B9B", Dark: "#5C5C5C"})
	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#D70000", Dark: "#FF5F87"})
)

func keyword(s string) string { return keywordStyle.Render(s) }

func subtle(s string) string { return subtleStyle.Render(s) }

// paragraph wraps long-form help text to a comfortable width with a
// small left margin.
func paragraph(s string) string {
	return indent.String(wordwrap.String(s, 76), 2)
}
