// Package sync orchestrates live collection bindings: each Session owns the
// fetch/subscribe lifecycle for one (collection, tenant, projection)
// combination and exposes the mutation gateway consumers render against.
package sync

import (
	"context"

	"go.uber.org/zap"

	"github.com/opsdeck/livesync/internal/cache"
	"github.com/opsdeck/livesync/internal/store"
	"github.com/opsdeck/livesync/internal/tenant"
)

// PrincipalProvider supplies the caller's identity. Initializing is true
// while the identity layer has not settled yet; bindings wait it out before
// touching the store.
type PrincipalProvider interface {
	Principal() (id string, initializing bool)
}

// TenantProvider supplies the active tenant directly. When available it is
// preferred over the resolver, since it avoids the lookup entirely.
type TenantProvider interface {
	Tenant() (id string, initializing bool)
}

// StaticIdentity is a PrincipalProvider and TenantProvider with fixed
// values, for CLIs and tests.
type StaticIdentity struct {
	PrincipalID string
	TenantID    string
}

func (s StaticIdentity) Principal() (string, bool) { return s.PrincipalID, false }

func (s StaticIdentity) Tenant() (string, bool) { return s.TenantID, false }

// Engine bundles the shared collaborators every binding needs: the snapshot
// cache, the tenant resolver, the store client, and the identity providers.
// It is an injectable service, not a package global; tests construct a
// fresh one per case.
type Engine struct {
	cache     *cache.Store
	resolver  *tenant.Resolver
	client    store.Client
	identity  PrincipalProvider
	workspace TenantProvider // optional
	logger    *zap.Logger
}

// NewEngine creates an Engine. workspace may be nil, in which case
// tenant-scoped bindings resolve the tenant through the resolver.
func NewEngine(
	cacheStore *cache.Store,
	resolver *tenant.Resolver,
	client store.Client,
	identity PrincipalProvider,
	workspace TenantProvider,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		cache:     cacheStore,
		resolver:  resolver,
		client:    client,
		identity:  identity,
		workspace: workspace,
		logger:    logger,
	}
}

// Cache exposes the shared snapshot store (for diagnostics and tests).
func (e *Engine) Cache() *cache.Store { return e.cache }

// Open starts a binding for the named collection. The session begins its
// lifecycle immediately unless opts.Enabled is false; Close releases it.
func (e *Engine) Open(ctx context.Context, collection string, opts Options) *Session {
	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		engine:     e,
		collection: collection,
		opts:       opts,
		logger: e.logger.With(
			zap.String("collection", collection),
		),
		state:   StateIdle,
		updates: make(chan struct{}, 1),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	if !opts.Enabled {
		// Explicitly disabled bindings stay Idle until closed.
		close(s.done)
		return s
	}

	go s.run(sctx)
	return s
}
