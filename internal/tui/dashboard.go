package tui

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/switchyard/pkg/models"
)

// Source produces a fresh snapshot on each refresh.
type Source func() (Snapshot, error)

type refreshMsg time.Time

// Focus constants for table navigation.
const (
	FocusBackends = iota
	FocusQueue
)

// Dashboard is the bubbletea model behind the watch command.
type Dashboard struct {
	source   Source
	interval time.Duration

	backends table.Model
	queue    table.Model
	focus    int

	snap    Snapshot
	lastErr error
	width   int
	height  int
}

// NewDashboard creates a dashboard refreshing from source every interval.
func NewDashboard(source Source, interval time.Duration) *Dashboard {
	if interval <= 0 {
		interval = time.Second
	}

	backends := table.New(
		table.WithColumns([]table.Column{
			{Title: "Backend", Width: 12},
			{Title: "Circuit", Width: 10},
			{Title: "Fails", Width: 6},
			{Title: "Health", Width: 8},
			{Title: "Rate", Width: 18},
			{Title: "Spend", Width: 22},
		}),
		table.WithFocused(true),
		table.WithHeight(len(models.AllBackends)+1),
	)
	queue := table.New(
		table.WithColumns([]table.Column{
			{Title: "ID", Width: 10},
			{Title: "Priority", Width: 10},
			{Title: "Retries", Width: 8},
			{Title: "Next", Width: 10},
			{Title: "Backend", Width: 12},
			{Title: "Task", Width: 40},
		}),
		table.WithHeight(10),
	)

	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(true)
	styles.Selected = styles.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57"))
	backends.SetStyles(styles)
	queue.SetStyles(styles)

	return &Dashboard{
		source:   source,
		interval: interval,
		backends: backends,
		queue:    queue,
		focus:    FocusBackends,
	}
}

// Init implements tea.Model.
func (d *Dashboard) Init() tea.Cmd {
	return tea.Batch(d.refresh, d.tick())
}

func (d *Dashboard) tick() tea.Cmd {
	return tea.Tick(d.interval, func(t time.Time) tea.Msg { return refreshMsg(t) })
}

// refresh is a tea.Cmd that collects a snapshot.
func (d *Dashboard) refresh() tea.Msg {
	snap, err := d.source()
	if err != nil {
		return err
	}
	return snap
}

// Update implements tea.Model.
func (d *Dashboard) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return d, tea.Quit
		case "tab":
			d.toggleFocus()
			return d, nil
		case "r":
			return d, d.refresh
		}

	case tea.WindowSizeMsg:
		d.width = msg.Width
		d.height = msg.Height
		if h := msg.Height - len(models.AllBackends) - 14; h > 3 {
			d.queue.SetHeight(h)
		}
		return d, nil

	case refreshMsg:
		return d, tea.Batch(d.refresh, d.tick())

	case Snapshot:
		d.snap = msg
		d.lastErr = nil
		d.backends.SetRows(backendRows(msg))
		d.queue.SetRows(queueRows(msg))
		return d, nil

	case error:
		d.lastErr = msg
		return d, nil
	}

	var cmd tea.Cmd
	if d.focus == FocusBackends {
		d.backends, cmd = d.backends.Update(msg)
	} else {
		d.queue, cmd = d.queue.Update(msg)
	}
	return d, cmd
}

func (d *Dashboard) toggleFocus() {
	if d.focus == FocusBackends {
		d.focus = FocusQueue
		d.backends.Blur()
		d.queue.Focus()
		return
	}
	d.focus = FocusBackends
	d.queue.Blur()
	d.backends.Focus()
}

// View implements tea.Model.
func (d *Dashboard) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("switchyard"))
	if !d.snap.At.IsZero() {
		b.WriteString(hintStyle.Render("  updated " + d.snap.At.Format("15:04:05")))
	}
	b.WriteString("\n")

	backendPanel, queuePanel := panelStyle, panelStyle
	if d.focus == FocusBackends {
		backendPanel = focusedPanelStyle
	} else {
		queuePanel = focusedPanelStyle
	}
	b.WriteString(backendPanel.Render(d.backends.View()))
	b.WriteString("\n")
	b.WriteString(renderQueueSummary(d.snap))
	b.WriteString("\n")
	b.WriteString(queuePanel.Render(d.queue.View()))
	b.WriteString("\n")

	if d.lastErr != nil {
		b.WriteString(badStyle.Render("refresh failed: " + d.lastErr.Error()))
		b.WriteString("\n")
	}
	b.WriteString(hintStyle.Render("tab switch table · r refresh · q quit"))
	return b.String()
}

func backendRows(snap Snapshot) []table.Row {
	rows := make([]table.Row, 0, len(snap.Backends))
	for _, r := range snap.Backends {
		rows = append(rows, table.Row{
			string(r.Backend),
			string(r.Circuit),
			fmt.Sprintf("%d", r.Failures),
			string(r.Health),
			formatRate(r),
			formatSpend(r),
		})
	}
	return rows
}

func queueRows(snap Snapshot) []table.Row {
	rows := make([]table.Row, 0, len(snap.Items))
	for _, it := range snap.Items {
		next := "ready"
		if !it.Ready(snap.At) {
			next = it.ScheduledFor.Sub(snap.At).Round(time.Second).String()
		}
		backend := string(it.Task.ForceBackend)
		if it.Downgraded() {
			backend = string(it.PreferredBackend) + "*"
		}
		id := it.ID
		if len(id) > 8 {
			id = id[:8]
		}
		rows = append(rows, table.Row{
			id,
			string(it.PriorityName),
			fmt.Sprintf("%d", it.Retries),
			next,
			backend,
			truncate(it.Task.Description, 40),
		})
	}
	return rows
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n-3]) + "..."
}
