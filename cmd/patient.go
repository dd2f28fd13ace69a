package cmd

import (
	"github.com/medflow/clinicsync/internal/output"
	"github.com/spf13/cobra"
)

var patientCmd = &cobra.Command{
	Use:   "patient",
	Short: "Look up patients locally and across clinics",
}

var patientSearchCmd = &cobra.Command{
	Use:   "search",
	Short: "Search patients, merging local and remote matches",
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		dob, _ := cmd.Flags().GetString("dob")
		asJSON, _ := cmd.Flags().GetBool("json")

		query := map[string]string{}
		if name != "" {
			query["name"] = name
		}
		if dob != "" {
			query["dateOfBirth"] = dob
		}

		eng, err := openEngine(cmd.Context())
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer eng.close(cmd.Context())

		eng.monitor.Probe(cmd.Context())
		res, err := eng.resolver.Search(cmd.Context(), query)
		if err != nil {
			output.Error("search: %v", err)
			return err
		}

		if asJSON {
			return output.JSON(res)
		}
		if !res.IsOnline {
			output.Warning("offline, showing local records only")
		}
		if len(res.Merged) == 0 {
			output.Info("no matches")
			return nil
		}
		for _, e := range res.Merged {
			output.Info("[%s] %s (clinic %s)", e.Source, e.ID, e.ClinicID)
		}
		return nil
	},
}

var patientFetchCmd = &cobra.Command{
	Use:   "fetch <patient-id>",
	Short: "Fetch a remote patient's full record and cache it locally",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine(cmd.Context())
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer eng.close(cmd.Context())

		eng.monitor.Probe(cmd.Context())
		n, err := eng.resolver.FetchFull(cmd.Context(), args[0])
		if err != nil {
			output.Error("fetch: %v", err)
			return err
		}
		output.Success("cached %d records for patient %s", n, args[0])
		return nil
	},
}

func init() {
	patientSearchCmd.Flags().String("name", "", "match first or last name")
	patientSearchCmd.Flags().String("dob", "", "match date of birth (YYYY-MM-DD)")
	patientSearchCmd.Flags().Bool("json", false, "output results as JSON")
	patientCmd.AddCommand(patientSearchCmd, patientFetchCmd)
	rootCmd.AddCommand(patientCmd)
}
