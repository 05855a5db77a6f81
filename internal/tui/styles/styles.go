// Package styles holds the lipgloss styles shared by the TUI scenes.
package styles

import "github.com/charmbracelet/lipgloss"

// Palette. Benign and Malicious follow the confusion matrix: green for
// correct verdicts, red for missed attacks, amber for false alarms.
var (
	Accent    = lipgloss.Color("#2563EB")
	Benign    = lipgloss.Color("#16A34A")
	Malicious = lipgloss.Color("#DC2626")
	Caution   = lipgloss.Color("#D97706")
	Dim       = lipgloss.Color("#64748B")
	Light     = lipgloss.Color("#F8FAFC")
)

var (
	Muted    = lipgloss.NewStyle().Foreground(Dim)
	Title    = lipgloss.NewStyle().Bold(true).Foreground(Accent).MarginBottom(1)
	Subtitle = lipgloss.NewStyle().Foreground(Dim).Italic(true)
	Help     = lipgloss.NewStyle().Foreground(Dim).MarginTop(1)

	StatusOK      = lipgloss.NewStyle().Foreground(Benign).Bold(true)
	StatusWarning = lipgloss.NewStyle().Foreground(Caution).Bold(true)
	StatusError   = lipgloss.NewStyle().Foreground(Malicious).Bold(true)

	TabActive   = lipgloss.NewStyle().Foreground(Light).Background(Accent).Padding(0, 2).Bold(true)
	TabInactive = lipgloss.NewStyle().Foreground(Dim).Padding(0, 2)
	TabBar      = lipgloss.NewStyle().BorderBottom(true).BorderStyle(lipgloss.NormalBorder()).BorderForeground(Dim)

	TableHeader = lipgloss.NewStyle().Bold(true).Foreground(Accent).
			BorderBottom(true).BorderStyle(lipgloss.NormalBorder()).BorderForeground(Dim)
	RowSelected = lipgloss.NewStyle().Foreground(Light).Background(Accent)

	Card        = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(Dim).Padding(0, 2).Width(18).Align(lipgloss.Center)
	MetricValue = lipgloss.NewStyle().Bold(true).Foreground(Benign)
	MetricLabel = lipgloss.NewStyle().Foreground(Dim)
)

// ForStatus returns the style of a job status.
func ForStatus(status string) lipgloss.Style {
	switch status {
	case "Completed":
		return StatusOK
	case "Running", "Pending":
		return StatusWarning
	case "Failed", "TimedOut":
		return StatusError
	}
	return Muted
}

// ForTag returns the style of a thought log tag. Objective entries are the
// attacker's, background entries are benign noise.
func ForTag(tag string) lipgloss.Style {
	switch tag {
	case "objective":
		return StatusError
	case "background":
		return StatusOK
	}
	return Muted
}
