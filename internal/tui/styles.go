package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/switchyard/internal/breaker"
	"github.com/ShayCichocki/switchyard/internal/health"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#45B7D1"))

	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("252")).
			MarginTop(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	hintStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("34")) // Green

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")) // Orange

	badStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")). // Red
			Bold(true)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	focusedPanelStyle = panelStyle.
				BorderForeground(lipgloss.Color("#45B7D1"))
)

func circuitStyle(s breaker.State) lipgloss.Style {
	switch s {
	case breaker.Open:
		return badStyle
	case breaker.HalfOpen:
		return warnStyle
	default:
		return okStyle
	}
}

func healthStyle(s health.Status) lipgloss.Style {
	switch s {
	case health.StatusHealthy:
		return okStyle
	case health.StatusWarm:
		return warnStyle
	case health.StatusDead:
		return badStyle
	default:
		return labelStyle
	}
}
