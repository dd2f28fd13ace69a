package cmd

import (
	"errors"

	"github.com/medflow/clinicsync/internal/connectivity"
	"github.com/medflow/clinicsync/internal/output"
	"github.com/spf13/cobra"
)

var fileCmd = &cobra.Command{
	Use:   "file",
	Short: "Fetch and upload binary artifacts",
}

var fileGetCmd = &cobra.Command{
	Use:   "get <artifact-id>",
	Short: "Download an artifact into the local cache",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine(cmd.Context())
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer eng.close(cmd.Context())

		eng.monitor.Probe(cmd.Context())
		h, err := eng.artifacts.Fetch(cmd.Context(), args[0])
		if err != nil {
			if errors.Is(err, connectivity.ErrOffline) {
				output.Error("offline, artifact fetch requires a connection")
			} else {
				output.Error("fetch: %v", err)
			}
			return err
		}
		output.Success("%s (%s)", h.Path, h.ContentType)
		return nil
	},
}

var filePutCmd = &cobra.Command{
	Use:   "put <path>",
	Short: "Upload an artifact, or queue it while offline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("id")
		contentType, _ := cmd.Flags().GetString("content-type")

		metadata := map[string]string{}
		if id != "" {
			metadata["id"] = id
		}
		if contentType != "" {
			metadata["contentType"] = contentType
		}

		eng, err := openEngine(cmd.Context())
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer eng.close(cmd.Context())

		eng.monitor.Probe(cmd.Context())
		if err := eng.artifacts.Upload(cmd.Context(), args[0], metadata); err != nil {
			output.Error("upload: %v", err)
			return err
		}
		if eng.monitor.IsOnline() {
			output.Success("uploaded %s", args[0])
		} else {
			output.Warning("offline, upload queued for next sync")
		}
		return nil
	},
}

func init() {
	filePutCmd.Flags().String("id", "", "artifact id (default: file name)")
	filePutCmd.Flags().String("content-type", "", "artifact content type")
	fileCmd.AddCommand(fileGetCmd, filePutCmd)
	rootCmd.AddCommand(fileCmd)
}
