package cli

import "github.com/charmbracelet/lipgloss"

// Palette shared by every printed line.
var (
	salmonPink  = lipgloss.Color("#FFB3BA")
	coralPink   = lipgloss.Color("#FFCCCB")
	mintGreen   = lipgloss.Color("#A8E6CF")
	mutedGray   = lipgloss.Color("#6B7280")
	brightWhite = lipgloss.Color("#F9FAFB")
)

var (
	headerStyle = lipgloss.NewStyle().
			Foreground(salmonPink).
			Bold(true)

	plannerStyle = lipgloss.NewStyle().
			Foreground(mutedGray).
			Italic(true)

	decisionStyle = lipgloss.NewStyle().
			Foreground(coralPink)

	successStyle = lipgloss.NewStyle().
			Foreground(mintGreen)

	textStyle = lipgloss.NewStyle().
			Foreground(brightWhite)

	mutedStyle = lipgloss.NewStyle().
			Foreground(mutedGray)

	errorStyle = lipgloss.NewStyle().
			Foreground(salmonPink).
			Bold(true)

	summaryBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(mintGreen).
			Padding(0, 1)
)
