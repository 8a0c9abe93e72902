package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/feichai0017/tableforge/pkg/storage"
)

var pruneOlderThan time.Duration

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete stored source documents older than a cutoff",
	Args:  cobra.NoArgs,
	RunE:  runPrune,
}

func init() {
	pruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", 7*24*time.Hour, "Remove documents last modified before now minus this duration")
}

func runPrune(cmd *cobra.Command, args []string) error {
	if pruneOlderThan <= 0 {
		return fmt.Errorf("--older-than must be positive, got %s", pruneOlderThan)
	}
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer log.Sync()

	store, err := storage.NewStorage(cmd.Context(), storage.StorageType(cfg.Storage.Type), log)
	if err != nil {
		return err
	}

	threshold := time.Now().Add(-pruneOlderThan)
	removed, err := store.CleanupBefore(cmd.Context(), threshold)
	if err != nil {
		return fmt.Errorf("prune failed after %d documents: %w", removed, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d documents older than %s\n", removed, threshold.Format(time.RFC3339))
	return nil
}
