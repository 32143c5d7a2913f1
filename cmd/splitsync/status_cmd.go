package main

import (
	"fmt"

	"github.com/openmined/splitsync/internal/syncer"
	"github.com/openmined/splitsync/internal/utils"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show recent sync runs and the failures of the last one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			asJSON, _ := cmd.Flags().GetBool("json")

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			path := cfg.HistoryPath()
			if path == "" {
				return fmt.Errorf("run history is disabled (history.enabled: false)")
			}

			out := cmd.OutOrStdout()
			if !utils.FileExists(path) {
				fmt.Fprintln(out, gray.Render("no runs recorded yet"))
				return nil
			}

			history, err := syncer.OpenHistory(path)
			if err != nil {
				return err
			}
			defer history.Close()

			runs, err := history.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}

			var failures []syncer.FailureRecord
			if len(runs) > 0 && runs[0].Failed > 0 {
				failures, err = history.Failures(cmd.Context(), runs[0].RunID)
				if err != nil {
					return err
				}
			}

			if asJSON {
				return utils.JSONEncode(out, map[string]any{
					"runs":     runs,
					"failures": failures,
				})
			}
			writeHistory(out, runs)
			writeFailures(out, failures)
			return nil
		},
	}
	cmd.Flags().IntP("limit", "l", 10, "number of runs to show")
	cmd.Flags().Bool("json", false, "print runs as JSON")
	return cmd
}
