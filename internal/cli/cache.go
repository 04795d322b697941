package cli

import (
	"fmt"

	"github.com/lingosub/lingosub/internal/cache"
	"github.com/lingosub/lingosub/internal/config"
	"github.com/lingosub/lingosub/internal/fs"
	"github.com/lingosub/lingosub/internal/logging"
	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and maintain the translation cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show per-namespace entry counts and sizes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		store, err := cfg.NewStore()
		if err != nil {
			return err
		}
		defer fs.CloseOrLog(store, "cache store")

		ctx := cmd.Context()
		if err := store.HealthCheck(ctx); err != nil {
			return fmt.Errorf("storage unavailable: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "storage: %s\n", cfg.StorageType)
		for _, ns := range cache.Namespaces {
			keys, err := store.List(ctx, ns, "*")
			if err != nil {
				return err
			}
			size, err := store.Size(ctx, ns)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%-12s %6d entries  %10d bytes\n", ns, len(keys), size)
		}
		return nil
	},
}

var cacheCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Drop expired entries and reconcile size accounting",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		store, err := cfg.NewStore()
		if err != nil {
			return err
		}
		defer fs.CloseOrLog(store, "cache store")

		ctx := cmd.Context()
		log := logging.FromContext(ctx)
		for _, ns := range cache.Namespaces {
			if err := store.Cleanup(ctx, ns); err != nil {
				return fmt.Errorf("cleanup %s: %w", ns, err)
			}
			log.Debug("namespace cleaned", "namespace", ns)
		}
		log.Info("cache cleanup finished")
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cacheCleanupCmd)
}
