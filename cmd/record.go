package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/medflow/clinicsync/internal/output"
	"github.com/spf13/cobra"
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Read and write local clinical records",
	Long: `Writes go to the local store immediately and queue for the next sync;
the clinic never waits on the network.`,
}

var recordPutCmd = &cobra.Command{
	Use:   "put <collection> <id> [json]",
	Short: "Create or update a record (reads JSON from stdin if omitted)",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		collection, id := args[0], args[1]

		var data []byte
		if len(args) == 3 {
			data = []byte(args[2])
		} else {
			var err error
			data, err = io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("read stdin: %w", err)
			}
		}
		if !json.Valid(data) {
			return fmt.Errorf("record body is not valid JSON")
		}

		eng, err := openEngine(cmd.Context())
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer eng.close(cmd.Context())

		if err := eng.store.Upsert(collection, id, data); err != nil {
			output.Error("write record: %v", err)
			return err
		}
		output.Success("%s/%s saved, queued for sync", collection, id)
		return nil
	},
}

var recordDeleteCmd = &cobra.Command{
	Use:   "delete <collection> <id>",
	Short: "Soft-delete a record",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine(cmd.Context())
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer eng.close(cmd.Context())

		if err := eng.store.Delete(args[0], args[1]); err != nil {
			output.Error("delete record: %v", err)
			return err
		}
		output.Success("%s/%s deleted, queued for sync", args[0], args[1])
		return nil
	},
}

var recordGetCmd = &cobra.Command{
	Use:   "get <collection> <id>",
	Short: "Print a record, including soft-deleted ones",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine(cmd.Context())
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer eng.close(cmd.Context())

		doc, err := eng.store.Get(args[0], args[1])
		if err != nil {
			output.Error("read record: %v", err)
			return err
		}
		if doc.DeletedAt != nil {
			output.Warning("record is deleted (%s)", doc.DeletedAt.Format("2006-01-02 15:04:05"))
		}
		return output.JSON(json.RawMessage(doc.Data))
	},
}

func init() {
	recordCmd.AddCommand(recordPutCmd, recordDeleteCmd, recordGetCmd)
	rootCmd.AddCommand(recordCmd)
}
