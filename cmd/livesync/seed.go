package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/opsdeck/livesync/internal/seed"
	"github.com/opsdeck/livesync/internal/store"
)

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed [FIXTURE]",
		Short: "Push fixture records into the running store",
		Long: `Push a fixture's records into the configured store through its REST
surface. With no argument the built-in fixture is used; rows whose ids the
store already holds are counted as skipped, not failures.

Examples:
  # Seed the built-in fixture
  livesync seed

  # Seed from a file (plain or zstd-compressed)
  livesync seed fixtures/dev.json.zst`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			bundle := seed.Default()
			if len(args) == 1 {
				var err error
				bundle, err = seed.Load(args[0])
				if err != nil {
					return err
				}
			}

			client := store.NewHTTPClient(cfg.Store.BaseURL, cfg.Store.APIKey, cfg.Store.RatePerSecond, logger)

			inserted, skipped := 0, 0
			for name, rows := range bundle.Records {
				for _, row := range rows {
					if row.ID() == "" {
						skipped++
						continue
					}
					if _, err := client.Insert(ctx, name, row); err != nil {
						logger.Debug("row not inserted",
							zap.String("collection", name),
							zap.String("id", row.ID()),
							zap.Error(err),
						)
						skipped++
						continue
					}
					inserted++
				}
			}

			logger.Info("seeding complete",
				zap.Int("inserted", inserted),
				zap.Int("skipped", skipped),
			)
			if inserted == 0 && skipped > 0 {
				return fmt.Errorf("no rows inserted (%d skipped); is the store seeded already?", skipped)
			}
			return nil
		},
	}

	return cmd
}
