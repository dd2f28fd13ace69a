package cmd

import (
	"errors"

	"github.com/medflow/clinicsync/internal/connectivity"
	"github.com/medflow/clinicsync/internal/output"
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync cycle now",
	RunE: func(cmd *cobra.Command, args []string) error {
		includeFailed, _ := cmd.Flags().GetBool("include-failed")
		asJSON, _ := cmd.Flags().GetBool("json")

		eng, err := openEngine(cmd.Context())
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer eng.close(cmd.Context())

		if includeFailed {
			n, err := eng.db.RetryFailed(eng.clinicID)
			if err != nil {
				output.Error("requeue failed items: %v", err)
				return err
			}
			if n > 0 {
				output.Info("requeued %d failed items", n)
			}
		}

		res, err := eng.orchestrator.ForceSync(cmd.Context())
		if err != nil {
			switch {
			case errors.Is(err, connectivity.ErrOffline):
				output.Error("cloud unreachable, changes remain queued")
			default:
				output.Error("sync: %v", err)
			}
			return err
		}

		if asJSON {
			return output.JSON(res)
		}
		output.Success("sync complete: %d pushed, %d failed, %d applied", res.Synced, res.Failed, res.Applied)
		if !res.Watermark.IsZero() {
			output.Subtle("watermark %s", res.Watermark.Format("2006-01-02 15:04:05 MST"))
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().Bool("include-failed", false, "requeue permanently failed items before syncing")
	syncCmd.Flags().Bool("json", false, "output result as JSON")
	rootCmd.AddCommand(syncCmd)
}
