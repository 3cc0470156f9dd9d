package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/switchyard/internal/tui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show backend health, limits, budget and queue depth",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sys, err := openSystem(true)
		if err != nil {
			return err
		}
		defer sys.Close()

		fmt.Fprintln(cmd.OutOrStdout(), tui.RenderStatus(sys.Collector().Collect()))
		return nil
	},
}
