package main

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	keyStyle     = lipgloss.NewStyle().Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#f59e0b"))
	goodStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#22c55e"))
	badStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#ef4444"))
)

// badge renders a status word in its state colour.
func badge(status string) string {
	switch strings.ToUpper(status) {
	case "PENDING", "SCHEDULED":
		return pendingStyle.Render(status)
	case "APPROVED", "LIVE":
		return goodStyle.Render(status)
	case "REJECTED":
		return badStyle.Render(status)
	default:
		return mutedStyle.Render(status)
	}
}
