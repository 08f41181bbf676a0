package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/copresence/internal/config"
	"github.com/sells-group/copresence/internal/store"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "copresence",
	Short: "Cross-class co-presence scoring pipeline",
	Long: "Builds per-layer co-presence networks from device visits, scores each low-class device's " +
		"functional bandwidth across institutional layers, fits outcome models and tests for an activation threshold.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

// initStore opens the configured store and applies its schema.
func initStore(ctx context.Context) (store.Store, error) {
	return store.Open(ctx, cfg.Store)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
