package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var videosCmd = &cobra.Command{
	Use:   "videos",
	Short: "List scanned videos in the database",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if err := requireDB(); err != nil {
			return err
		}
		videos, err := DB.ListVideos(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list videos: %w", err)
		}

		if len(videos) == 0 {
			fmt.Println("No videos found in database.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ID\tPATH\tFACES\tMASKS\tSCANNED")
		fmt.Fprintln(w, "--\t----\t-----\t-----\t-------")

		for _, v := range videos {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n", shortID(v.ID), v.Path, v.FaceEvents, v.MaskEvents, v.ScannedAt.Local().Format("2006-01-02 15:04"))
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(videosCmd)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
