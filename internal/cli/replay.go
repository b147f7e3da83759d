package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"oracle-engine/internal/app"
)

var replayLimit int

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Rebuild history and filters from stored observations",
	RunE: func(cmd *cobra.Command, args []string) error {
		if replayLimit < 0 {
			return fmt.Errorf("--limit must not be negative")
		}
		return getApp().Replay(cmd.Context(), app.ReplayOptions{Limit: replayLimit})
	},
}

func init() {
	replayCmd.Flags().IntVar(&replayLimit, "limit", 0, "Observations to load per asset (defaults to history capacity)")
}
