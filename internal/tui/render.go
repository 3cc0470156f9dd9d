package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/switchyard/internal/budget"
	"github.com/ShayCichocki/switchyard/internal/queue"
)

// RenderStatus renders snap as a static report.
func RenderStatus(snap Snapshot) string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("switchyard status"))
	b.WriteString(hintStyle.Render("  " + snap.At.Format(time.RFC3339)))
	b.WriteString("\n")

	b.WriteString(sectionStyle.Render("Backends"))
	b.WriteString("\n")
	for _, row := range snap.Backends {
		b.WriteString(renderBackendLine(row))
		b.WriteString("\n")
	}

	b.WriteString(sectionStyle.Render("Queue"))
	b.WriteString("\n")
	b.WriteString(renderQueueSummary(snap))
	b.WriteString("\n")
	return b.String()
}

func renderBackendLine(row BackendRow) string {
	name := lipgloss.NewStyle().Width(12).Render(string(row.Backend))
	circuit := circuitStyle(row.Circuit).Width(10).Render(string(row.Circuit))
	hl := healthStyle(row.Health).Width(8).Render(string(row.Health))
	rate := labelStyle.Render(fmt.Sprintf("rate %s", formatRate(row)))
	spend := labelStyle.Render(fmt.Sprintf("spend %s", formatSpend(row)))

	line := lipgloss.JoinHorizontal(lipgloss.Top, name, circuit, hl, rate, "  ", spend)
	if row.Failures > 0 {
		line += warnStyle.Render(fmt.Sprintf("  %d consecutive failures", row.Failures))
	}
	return line
}

func renderQueueSummary(snap Snapshot) string {
	s := snap.Queue
	parts := []string{
		fmt.Sprintf("%d queued", s.Total),
		fmt.Sprintf("%d ready", s.Ready),
		fmt.Sprintf("%d backing off", s.Scheduled),
	}
	if s.Downgraded > 0 {
		parts = append(parts, warnStyle.Render(fmt.Sprintf("%d forced local", s.Downgraded)))
	}
	if s.DeadLetters > 0 {
		parts = append(parts, badStyle.Render(fmt.Sprintf("%d dead", s.DeadLetters)))
	}
	line := strings.Join(parts, labelStyle.Render(" · "))

	var byPriority []string
	for _, p := range sortedPriorities(s.ByPriority) {
		byPriority = append(byPriority, fmt.Sprintf("%s=%d", p, s.ByPriority[p]))
	}
	if len(byPriority) > 0 {
		line += "\n" + labelStyle.Render(strings.Join(byPriority, " "))
	}
	if snap.Paused {
		line += "\n" + warnStyle.Render("drip scheduler paused")
	}
	return line
}

func formatRate(row BackendRow) string {
	if row.HardLimit <= 0 {
		return fmt.Sprintf("%d/∞", row.InWindow)
	}
	s := fmt.Sprintf("%d/%d", row.InWindow, row.HardLimit)
	if row.ThrottleLevel > 0 {
		s += fmt.Sprintf(" (throttle %d)", row.ThrottleLevel)
	}
	return s
}

func formatSpend(row BackendRow) string {
	if row.Cap <= 0 {
		return fmt.Sprintf("$%.2f", row.Spent)
	}
	s := fmt.Sprintf("$%.2f/$%.2f", row.Spent, row.Cap)
	if row.Budget != budget.StatusOK {
		s += " " + row.Budget.String()
	}
	return s
}

func sortedPriorities(m map[queue.Priority]int) []queue.Priority {
	out := make([]queue.Priority, 0, len(m))
	for p := range m {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Value() > out[j].Value() })
	return out
}
