// Package tui provides the terminal styles and the interactive chat view of
// the arc CLI.
package tui

import (
	"hash/fnv"

	"github.com/charmbracelet/lipgloss"
)

// Colors.
var (
	ColorPrimary   = lipgloss.Color("#4CAF50") // relay green
	ColorSecondary = lipgloss.Color("#6366F1") // indigo
	ColorAccent    = lipgloss.Color("#F59E0B") // amber

	ColorSuccess = lipgloss.Color("#10B981")
	ColorWarning = lipgloss.Color("#F59E0B")
	ColorError   = lipgloss.Color("#EF4444")
	ColorMuted   = lipgloss.Color("#6B7280")
	ColorText    = lipgloss.Color("#E5E7EB")
)

// senderColors are assigned to identities by hash so that each agent keeps
// its color for the whole conversation.
var senderColors = []lipgloss.Color{
	"#60A5FA", "#F472B6", "#34D399", "#FBBF24", "#A78BFA", "#F87171", "#2DD4BF", "#FB923C",
}

// Shared styles.
var (
	Title = lipgloss.NewStyle().
		Bold(true).
		Foreground(ColorPrimary)

	Label = lipgloss.NewStyle().
		Foreground(ColorSecondary)

	Dimmed = lipgloss.NewStyle().
		Foreground(ColorMuted)

	Success = lipgloss.NewStyle().
		Foreground(ColorSuccess)

	// ErrorStyle avoids colliding with the builtin error.
	ErrorStyle = lipgloss.NewStyle().
			Foreground(ColorError)

	WarningStyle = lipgloss.NewStyle().
			Foreground(ColorWarning)

	Help = lipgloss.NewStyle().
		Foreground(ColorMuted)

	Header = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder(), false, false, true, false).
		BorderForeground(ColorPrimary).
		Padding(0, 1)
)

// StatusDot returns a colored dot for relay connection status.
func StatusDot(connected bool) string {
	if connected {
		return Success.Render("●")
	}
	return ErrorStyle.Render("●")
}

// StatusText returns a colored status label.
func StatusText(connected bool) string {
	if connected {
		return Success.Render("connected")
	}
	return ErrorStyle.Render("disconnected")
}

// SenderStyle returns the style an identity's name is rendered with.
func SenderStyle(identity string) lipgloss.Style {
	h := fnv.New32a()
	_, _ = h.Write([]byte(identity))
	return lipgloss.NewStyle().Bold(true).Foreground(senderColors[h.Sum32()%uint32(len(senderColors))])
}
