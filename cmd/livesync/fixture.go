package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/opsdeck/livesync/internal/seed"
)

func fixtureCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fixture PATH",
		Short: "Write the built-in dev store fixture to a file",
		Long: `Write the built-in fixture (collection schemas plus sample rows) to a
file for hand-editing. Paths ending in .zst are zstd-compressed; the dev
store reads either form via FIXTURE_PATH.

Examples:
  # Write an editable fixture
  livesync fixture fixtures/dev.json

  # Write a compressed fixture
  livesync fixture fixtures/dev.json.zst`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]

			bundle := seed.Default()
			if err := seed.Write(path, bundle); err != nil {
				return fmt.Errorf("writing fixture: %w", err)
			}

			logger.Info("fixture written",
				zap.String("path", path),
				zap.Int("collections", len(bundle.Collections)),
			)
			return nil
		},
	}

	return cmd
}
