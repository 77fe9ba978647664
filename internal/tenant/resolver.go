// Package tenant resolves the active tenant id for a principal, memoizing
// the answer and collapsing concurrent lookups into one in-flight attempt.
// Many bindings mount near-simultaneously; without coalescing each would
// issue its own identity lookup.
package tenant

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	lookupAttempts = 4
	lookupDelay    = 100 * time.Millisecond
)

// LookupFunc performs the underlying tenant lookup for a principal.
// It returns the tenant id, or "" when the principal has no tenant.
type LookupFunc func(ctx context.Context, principalID string) (string, error)

// Resolver memoizes tenant resolution per principal for the lifetime of the
// process. The memo is invalidated when the principal changes and is never
// otherwise torn down.
type Resolver struct {
	lookup LookupFunc
	logger *zap.Logger

	group singleflight.Group

	mu        sync.Mutex
	principal string
	tenantID  string
	resolved  bool
}

// NewResolver creates a Resolver around the given lookup.
func NewResolver(lookup LookupFunc, logger *zap.Logger) *Resolver {
	return &Resolver{
		lookup: lookup,
		logger: logger,
	}
}

// Resolve returns the tenant id for principalID. It fails soft: when no
// tenant can be determined after retries it returns ("", false) and logs a
// warning instead of erroring, so callers can proceed unscoped.
func (r *Resolver) Resolve(ctx context.Context, principalID string) (string, bool) {
	if principalID == "" {
		return "", false
	}

	r.mu.Lock()
	if r.principal != "" && r.principal != principalID {
		// A different principal was cached; the old identity is stale.
		r.principal = ""
		r.tenantID = ""
		r.resolved = false
	}
	if r.resolved && r.principal == principalID {
		id := r.tenantID
		r.mu.Unlock()
		return id, id != ""
	}
	r.mu.Unlock()

	// Concurrent callers for the same principal share one in-flight lookup.
	v, err, _ := r.group.Do(principalID, func() (any, error) {
		return r.resolveWithRetry(ctx, principalID)
	})
	if err != nil {
		r.logger.Warn("tenant resolution failed",
			zap.String("principal", principalID),
			zap.Error(err),
		)
		return "", false
	}

	tenantID := v.(string)
	r.mu.Lock()
	r.principal = principalID
	r.tenantID = tenantID
	r.resolved = true
	r.mu.Unlock()

	if tenantID == "" {
		return "", false
	}
	return tenantID, true
}

// Invalidate clears the memoized resolution.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.principal = ""
	r.tenantID = ""
	r.resolved = false
}

func (r *Resolver) resolveWithRetry(ctx context.Context, principalID string) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= lookupAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(lookupDelay):
			}
		}

		tenantID, err := r.lookup(ctx, principalID)
		if err == nil {
			return tenantID, nil
		}
		lastErr = err
		r.logger.Debug("tenant lookup attempt failed",
			zap.String("principal", principalID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
	return "", lastErr
}
