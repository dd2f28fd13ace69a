package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var version string

// SetVersion sets the version string
func SetVersion(v string) {
	version = v
}

var rootCmd = &cobra.Command{
	Use:   "clinicsync",
	Short: "Clinic-to-cloud synchronization engine",
	Long: `clinicsync - Keeps a clinic's local records and the central cloud in sync.

Local writes queue durably and drain to the cloud when a connection is
available; remote changes from other clinics merge into the local store.
The clinic stays fully operational offline.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	rootCmd.Version = version
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
