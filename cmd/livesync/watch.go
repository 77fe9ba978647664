package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func watchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch COLLECTION",
		Short: "Stream a collection's live snapshot to stdout",
		Long: `Open a live binding on a collection and print the snapshot every time
it changes. The snapshot reflects the caller's tenant scope; schema drift
on the backend degrades the binding to a one-shot read instead of failing.

Examples:
  # Watch the tasks collection
  livesync watch tasks`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			collection := args[0]
			ctx := cmd.Context()

			engine := buildEngine(cfg)
			session := engine.Open(ctx, collection, bindingOptions(cfg, cfg.Sync.Subscribe))
			defer session.Close()

			if err := awaitReady(ctx, session); err != nil {
				return fmt.Errorf("opening binding on %s: %w", collection, err)
			}
			if w := session.Warning(); w != "" {
				logger.Warn("binding degraded", zap.String("warning", w))
			}

			printSnapshot(collection, session.Snapshot())

			for {
				select {
				case <-ctx.Done():
					return nil
				case <-session.Done():
					return session.Err()
				case <-session.Updates():
					if err := session.Err(); err != nil {
						logger.Warn("binding error", zap.Error(err))
						continue
					}
					printSnapshot(collection, session.Snapshot())
				}
			}
		},
	}

	return cmd
}

func printSnapshot(collection string, rows any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(map[string]any{
		"collection": collection,
		"records":    rows,
	})
}
