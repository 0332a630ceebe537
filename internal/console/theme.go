package console

import "github.com/charmbracelet/lipgloss"

// Theme holds the console's styles.
type Theme struct {
	Prompt lipgloss.Style
	Title  lipgloss.Style
	OK     lipgloss.Style
	Error  lipgloss.Style
	Dim    lipgloss.Style
	Name   lipgloss.Style
}

// NewDefaultTheme returns the colored theme.
func NewDefaultTheme() Theme {
	return Theme{
		Prompt: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#874BFD")),
		Title:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#61AFEF")),
		OK:     lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		Error:  lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		Dim:    lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Name:   lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),
	}
}

// NewPlainTheme returns unstyled output, for pipes and tests.
func NewPlainTheme() Theme {
	plain := lipgloss.NewStyle()
	return Theme{Prompt: plain, Title: plain, OK: plain, Error: plain, Dim: plain, Name: plain}
}
