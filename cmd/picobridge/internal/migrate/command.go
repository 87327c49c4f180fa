package migrate

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/picobridge/cmd/picobridge/internal"
	"github.com/tinyland-inc/picobridge/pkg/migrate"
)

func NewMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Import data from earlier bridge deployments",
		Example: `  picobridge migrate legacy-storage --platform-map VK=vk,DS=discord
  picobridge migrate legacy-storage --storage-dir /srv/bridge/.storage --platform-map VK=vk,DS=discord --dry-run`,
	}

	var (
		opts        migrate.LegacyStorageOptions
		platformMap string
		configPath  string
	)

	legacyCmd := &cobra.Command{
		Use:   "legacy-storage",
		Short: "Import a node-persist .storage directory into the correlation snapshot",
		Args:  cobra.NoArgs,
		Example: `  picobridge migrate legacy-storage --platform-map VK=vk,DS=discord
  picobridge migrate legacy-storage --output sqlite:///var/lib/picobridge/correlations.db --platform-map VK=vk`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := migrate.ParsePlatformMap(platformMap)
			if err != nil {
				return err
			}
			opts.PlatformMap = m
			if opts.OutputDSN == "" {
				cfg, err := internal.LoadConfig(configPath)
				if err != nil {
					return fmt.Errorf("error loading config: %w", err)
				}
				if cfg.Storage.CacheOnly {
					return fmt.Errorf("storage is cache-only, pass --output")
				}
				opts.OutputDSN = cfg.Storage.DSN()
			}

			result, err := migrate.RunLegacyStorage(cmd.Context(), opts)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.DryRun {
				fmt.Fprintf(out, "Would import %d correlations into %s (%d skipped)\n", result.Imported, result.Output, result.Skipped)
			} else {
				fmt.Fprintf(out, "Imported %d correlations into %s (%d skipped)\n", result.Imported, result.Output, result.Skipped)
			}
			if len(result.Warnings) > 0 {
				fmt.Fprintln(out, "\nWarnings:")
				for _, w := range result.Warnings {
					fmt.Fprintf(out, "  - %s\n", w)
				}
			}
			return nil
		},
	}

	legacyCmd.Flags().StringVar(&opts.StorageDir, "storage-dir", ".storage",
		"node-persist storage directory")
	legacyCmd.Flags().StringVar(&platformMap, "platform-map", "",
		"Legacy id prefix to platform id, e.g. VK=vk,DS=discord")
	legacyCmd.Flags().StringVar(&opts.OutputDSN, "output", "",
		"Snapshot location (default: storage.path from the config)")
	legacyCmd.Flags().StringVarP(&configPath, "config", "c", "",
		"Config file (default: ~/.picobridge/config.json)")
	legacyCmd.Flags().BoolVar(&opts.DryRun, "dry-run", false,
		"Report what would be imported without writing")
	_ = legacyCmd.MarkFlagRequired("platform-map")

	cmd.AddCommand(legacyCmd)

	return cmd
}
