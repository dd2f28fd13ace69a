package cmd

import (
	"fmt"
	"strings"

	"github.com/medflow/clinicsync/internal/output"
	"github.com/medflow/clinicsync/internal/syncconfig"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and change clinicsync configuration",
}

var configGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, err := syncconfig.GetDataDir()
		if err != nil {
			return err
		}
		cacheDir, err := syncconfig.GetCacheDir()
		if err != nil {
			return err
		}

		token := syncconfig.GetToken()
		if token != "" {
			token = "(set)"
		} else {
			token = "(unset)"
		}

		output.Info("clinic_id:  %s", syncconfig.GetClinicID())
		output.Info("cloud_url:  %s", syncconfig.GetCloudURL())
		output.Info("token:      %s", token)
		output.Info("interval:   %s", syncconfig.GetInterval())
		output.Info("data_dir:   %s", dataDir)
		output.Info("cache_dir:  %s", cacheDir)
		output.Info("collections:")
		for name, mode := range syncconfig.GetCollectionModes() {
			output.Subtle("  %-16s %s", name, mode)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Writes one value to ~/.config/clinicsync/config.json.

Keys: clinic_id, cloud_url, token, interval, data_dir, cache_dir,
collection.<name> (value "full" or "metadata").`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := syncconfig.LoadConfig()
		if err != nil {
			return err
		}

		switch {
		case key == "clinic_id":
			cfg.Sync.ClinicID = value
		case key == "cloud_url":
			cfg.Sync.CloudURL = value
		case key == "token":
			cfg.Sync.Token = value
		case key == "interval":
			cfg.Sync.Interval = value
		case key == "data_dir":
			cfg.DataDir = value
		case key == "cache_dir":
			cfg.CacheDir = value
		case strings.HasPrefix(key, "collection."):
			if value != "full" && value != "metadata" {
				return fmt.Errorf("collection mode must be \"full\" or \"metadata\"")
			}
			name := strings.TrimPrefix(key, "collection.")
			if cfg.Sync.Collections == nil {
				cfg.Sync.Collections = map[string]syncconfig.CollectionConfig{}
			}
			cfg.Sync.Collections[name] = syncconfig.CollectionConfig{Mode: value}
		default:
			return fmt.Errorf("unknown config key %q", key)
		}

		if err := syncconfig.SaveConfig(cfg); err != nil {
			return err
		}
		output.Success("%s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configGetCmd, configSetCmd)
	rootCmd.AddCommand(configCmd)
}
