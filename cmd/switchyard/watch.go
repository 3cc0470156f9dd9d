package main

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/switchyard/internal/tui"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Live dashboard of backends and the queue",
	Long: `Open a live dashboard that re-reads persisted state on every refresh,
so it tracks a 'switchyard serve' running in another terminal.

Keys: tab switches tables, r refreshes, q quits.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	source := func() (tui.Snapshot, error) {
		sys, err := openSystem(true)
		if err != nil {
			return tui.Snapshot{}, err
		}
		defer sys.Close()
		return sys.Collector().Collect(), nil
	}

	p := tea.NewProgram(tui.NewDashboard(source, cfg.TUI.RefreshRate), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("run dashboard: %w", err)
	}
	return nil
}
