package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/andresmejia3/maskwatch/internal/timeline"
	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history <video|id>",
	Short: "Print the stored event log of a scanned video",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if err := requireDB(); err != nil {
			return err
		}
		ctx := cmd.Context()

		ref := args[0]
		// Paths are stored absolute
		if _, err := os.Stat(ref); err == nil {
			if abs, err := filepath.Abs(ref); err == nil {
				ref = abs
			}
		}

		video, err := DB.ResolveVideo(ctx, ref)
		if err != nil {
			return err
		}
		events, err := DB.ListEvents(ctx, video.ID)
		if err != nil {
			return fmt.Errorf("failed to load events: %w", err)
		}

		fmt.Fprintf(os.Stderr, "📼 %s (scanned %s, run %s)\n", video.Path, video.ScannedAt.Local().Format("2006-01-02 15:04"), video.RunID)
		return timeline.WriteLog(os.Stdout, events)
	},
}

func init() {
	rootCmd.AddCommand(historyCmd)
}
