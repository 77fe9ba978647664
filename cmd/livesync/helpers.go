package main

import (
	"context"
	"fmt"
	"time"

	"github.com/opsdeck/livesync/internal/cache"
	"github.com/opsdeck/livesync/internal/config"
	"github.com/opsdeck/livesync/internal/store"
	"github.com/opsdeck/livesync/internal/sync"
	"github.com/opsdeck/livesync/internal/tenant"
)

// buildEngine wires the sync engine from config: the store client, the
// tenant resolver backed by the profiles collection, and the identity.
func buildEngine(cfg *config.Config) *sync.Engine {
	client := store.NewHTTPClient(cfg.Store.BaseURL, cfg.Store.APIKey, cfg.Store.RatePerSecond, logger)

	lookup := func(ctx context.Context, principalID string) (string, error) {
		rows, err := client.Query(ctx, cfg.Identity.ProfileCollection, store.QueryOptions{
			Filter: &store.Filter{Column: "principal_id", Value: principalID},
		})
		if err != nil {
			return "", err
		}
		if len(rows) == 0 {
			return "", nil
		}
		id, _ := rows[0]["tenant_id"].(string)
		return id, nil
	}
	resolver := tenant.NewResolver(lookup, logger)

	identity := sync.StaticIdentity{
		PrincipalID: cfg.Identity.PrincipalID,
		TenantID:    cfg.Identity.TenantID,
	}
	var workspace sync.TenantProvider
	if cfg.Identity.TenantID != "" {
		workspace = identity
	}

	return sync.NewEngine(cache.New(), resolver, client, identity, workspace, logger)
}

func bindingOptions(cfg *config.Config, subscribe bool) sync.Options {
	return sync.Options{
		Enabled:      true,
		Subscribe:    subscribe,
		Select:       cfg.Sync.Select,
		Revalidate:   cfg.Sync.Revalidate,
		TenantScoped: cfg.Sync.TenantScoped,
	}
}

// awaitReady blocks until the session has either settled its first fetch or
// failed, whichever comes first.
func awaitReady(ctx context.Context, s *sync.Session) error {
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()

	for {
		switch s.State() {
		case sync.StateLive, sync.StateDegraded:
			return nil
		case sync.StateError:
			return s.Err()
		case sync.StateClosed:
			return fmt.Errorf("binding closed before it settled")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.Done():
			// Non-subscribing bindings finish their run once settled, so a
			// closed lifecycle is only an error if the state never got there.
			switch s.State() {
			case sync.StateLive, sync.StateDegraded:
				return nil
			}
			if err := s.Err(); err != nil {
				return err
			}
			return fmt.Errorf("binding ended before it settled")
		case <-ticker.C:
		}
	}
}
