package cmd

import (
	"github.com/medflow/clinicsync/internal/output"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync engine status",
	RunE: func(cmd *cobra.Command, args []string) error {
		historyN, _ := cmd.Flags().GetInt("history")
		asJSON, _ := cmd.Flags().GetBool("json")

		eng, err := openEngine(cmd.Context())
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer eng.close(cmd.Context())

		// Refresh connectivity so status reflects the network right now,
		// not the last background probe.
		eng.monitor.Probe(cmd.Context())
		st := eng.orchestrator.Status()

		if asJSON {
			return output.JSON(st)
		}

		output.Info("state:        %s", st.State)
		if st.Online {
			output.Success("cloud:        online")
		} else {
			output.Warning("cloud:        offline")
		}
		if !st.LastChecked.IsZero() {
			output.Subtle("last checked: %s", st.LastChecked.Format("2006-01-02 15:04:05 MST"))
		}
		output.Info("pending:      %d", st.Pending)
		output.Info("failed:       %d", st.Failed)
		output.Info("synced today: %d", st.SyncedToday)
		if !st.Watermark.IsZero() {
			output.Info("watermark:    %s", st.Watermark.Format("2006-01-02 15:04:05 MST"))
		}

		if historyN > 0 {
			entries, err := eng.db.RecentHistory(historyN)
			if err != nil {
				output.Error("read history: %v", err)
				return err
			}
			if len(entries) > 0 {
				output.Info("")
				output.Info("recent activity:")
				for _, e := range entries {
					line := e.CreatedAt.Format("15:04:05") + "  " + e.Direction + " " + e.Collection + "/" + e.DocumentID + " " + e.Operation + " -> " + e.Outcome
					if e.Outcome == "failed" {
						output.Warning("%s (%s)", line, e.Detail)
					} else {
						output.Subtle("%s", line)
					}
				}
			}
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().Int("history", 0, "show the last N sync history entries")
	statusCmd.Flags().Bool("json", false, "output status as JSON")
	rootCmd.AddCommand(statusCmd)
}
