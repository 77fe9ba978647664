package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/opsdeck/livesync/internal/record"
)

func addCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add COLLECTION field=value...",
		Short: "Add a record to a collection",
		Long: `Add a record through the mutation gateway. Tenant and owner columns
are stamped automatically from the configured identity; if the backend's
schema has drifted, the drifted column is dropped and the write retried.

Examples:
  # Add a task
  livesync add tasks title="Ship it" status=open`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			collection := args[0]
			ctx := cmd.Context()

			rec, err := parseFields(args[1:])
			if err != nil {
				return err
			}

			engine := buildEngine(cfg)
			session := engine.Open(ctx, collection, bindingOptions(cfg, false))
			defer session.Close()

			if err := awaitReady(ctx, session); err != nil {
				return fmt.Errorf("opening binding on %s: %w", collection, err)
			}

			stored, err := session.Add(ctx, rec)
			if err != nil {
				return fmt.Errorf("adding record: %w", err)
			}

			printSnapshot(collection, []record.Record{stored})
			return nil
		},
	}

	return cmd
}

func parseFields(pairs []string) (record.Record, error) {
	rec := make(record.Record, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid field %q (want field=value)", pair)
		}
		rec[k] = v
	}
	return rec, nil
}
