package sync

import (
	"context"
	"errors"
	"strings"
	gosync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/opsdeck/livesync/internal/cache"
	"github.com/opsdeck/livesync/internal/fallback"
	"github.com/opsdeck/livesync/internal/record"
	"github.com/opsdeck/livesync/internal/store"
)

// ErrClosed is returned by mutations on a closed binding.
var ErrClosed = errors.New("binding closed")

// OwnerColumn is stamped onto every write so rows stay attributable to the
// principal that created them.
const OwnerColumn = "owner_id"

// identityPollInterval paces the wait for the identity layer to settle.
const identityPollInterval = 25 * time.Millisecond

// State is a binding's lifecycle position.
type State int

const (
	// StateIdle: constructed but disabled, or not yet started.
	StateIdle State = iota
	// StateResolvingTenant: waiting for identity/tenant to settle.
	StateResolvingTenant
	// StateFetching: initial read (or silent revalidation) in flight.
	StateFetching
	// StateLive: snapshot established, change stream open.
	StateLive
	// StateDegraded: a narrowed retry succeeded; snapshot is point-in-time
	// only and no subscription is opened.
	StateDegraded
	// StateError: the initial read failed with no viable fallback.
	StateError
	// StateClosed: torn down; late results are discarded.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateResolvingTenant:
		return "resolving-tenant"
	case StateFetching:
		return "fetching"
	case StateLive:
		return "live"
	case StateDegraded:
		return "degraded"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one consumer's live binding to one collection. All exported
// methods are safe for concurrent use.
type Session struct {
	engine     *Engine
	collection string
	opts       Options
	logger     *zap.Logger

	mu          gosync.Mutex
	state       State
	key         cache.Key
	keySet      bool
	principalID string
	tenantID    string
	loading     bool
	err         error
	warning     string
	closed      bool
	sub         store.Subscription
	cacheCancel func()

	updates chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
}

// run drives the binding through its lifecycle. It owns all state
// transitions up to Live/Degraded/Error; mutations and Refresh operate
// alongside it.
func (s *Session) run(ctx context.Context) {
	defer close(s.done)

	s.setState(StateResolvingTenant)

	principalID, ok := s.awaitPrincipal(ctx)
	if !ok {
		return
	}

	tenantID := s.resolveTenant(ctx, principalID)

	key := cache.Key{
		Collection: s.collection,
		Scope:      cache.Scope(tenantID, principalID),
		Projection: s.opts.projection(),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.principalID = principalID
	s.tenantID = tenantID
	s.key = key
	s.keySet = true
	s.mu.Unlock()

	s.watchKey(ctx, key)

	cached, hit := s.engine.cache.Get(key)
	s.setLoading(!hit)
	s.setState(StateFetching)
	if hit {
		// Stale-while-revalidate: the cached snapshot is consumer-visible
		// immediately; the fetch below is a silent revalidation.
		s.logger.Debug("serving cached snapshot",
			zap.Int("records", len(cached)),
		)
		s.notify()
	}

	if !hit || s.opts.Revalidate {
		rows, degraded, warning, err := s.fetchWithFallback(ctx)
		if s.isClosed() || ctx.Err() != nil {
			// Torn down mid-fetch: the result is discarded, the cache
			// untouched.
			return
		}

		switch {
		case err != nil:
			// A failed read never erases previously shown records; the
			// error is surfaced alongside whatever the cache still holds.
			s.setErr(err)
			s.setLoading(false)
			s.setState(StateError)
			s.notify()
			return
		case degraded:
			s.setWarning(warning)
			s.engine.cache.Set(key, rows)
			s.setLoading(false)
			s.setState(StateDegraded)
			s.notify()
			return
		default:
			if warning != "" {
				s.setWarning(warning)
			}
			s.engine.cache.Set(key, rows)
			s.setLoading(false)
		}
	} else {
		s.setLoading(false)
	}

	s.setState(StateLive)
	s.notify()

	if !s.opts.Subscribe {
		return
	}
	s.consumeStream(ctx, key, tenantID)
}

// awaitPrincipal waits for the identity layer to finish initializing.
func (s *Session) awaitPrincipal(ctx context.Context) (string, bool) {
	for {
		id, initializing := s.engine.identity.Principal()
		if !initializing {
			return id, true
		}
		select {
		case <-ctx.Done():
			return "", false
		case <-time.After(identityPollInterval):
		}
	}
}

// resolveTenant determines the tenant for a scoped binding. A workspace
// provider is preferred; otherwise the resolver is consulted. Unresolved
// tenants are a soft failure: the binding proceeds unfiltered with a
// recorded warning rather than blocking.
func (s *Session) resolveTenant(ctx context.Context, principalID string) string {
	if !s.opts.TenantScoped {
		return ""
	}

	if s.engine.workspace != nil {
		for {
			id, initializing := s.engine.workspace.Tenant()
			if !initializing {
				if id != "" {
					return id
				}
				break
			}
			select {
			case <-ctx.Done():
				return ""
			case <-time.After(identityPollInterval):
			}
		}
	}

	if id, ok := s.engine.resolver.Resolve(ctx, principalID); ok {
		return id
	}

	s.setWarning("tenant unresolved; operating without a tenant filter")
	s.logger.Warn("tenant unresolved, proceeding unscoped",
		zap.String("principal", principalID),
	)
	return ""
}

// watchKey forwards shared-cache updates for key to this binding's
// consumers, so sibling mutations surface without a network round-trip.
func (s *Session) watchKey(ctx context.Context, key cache.Key) {
	ch, cancelWatch := s.engine.cache.Watch(key)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancelWatch()
		return
	}
	s.cacheCancel = cancelWatch
	s.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
				s.notify()
			}
		}
	}()
}

// fetchWithFallback issues the read, escalating through the negotiator's
// narrowed retries. At most two escalations; degraded reports whether the
// successful read was narrower than requested.
func (s *Session) fetchWithFallback(ctx context.Context) (rows []record.Record, degraded bool, warning string, err error) {
	s.mu.Lock()
	tenantID := s.tenantID
	s.mu.Unlock()

	projection := s.opts.projection()
	filtered := s.opts.TenantScoped && tenantID != ""

	escalations := 0
	for {
		qo := store.QueryOptions{Select: projection}
		if filtered {
			qo.Filter = &store.Filter{Column: fallback.TenantColumn, Value: tenantID}
		}

		rows, qerr := s.engine.client.Query(ctx, s.collection, qo)
		if qerr == nil {
			return rows, escalations > 0, warning, nil
		}

		if escalations >= 2 {
			return nil, false, "", qerr
		}

		decision := fallback.Negotiate(qerr.Error(), fallback.Attempt{
			Projection:     projection,
			TenantFiltered: filtered,
		})
		if decision == fallback.GiveUp {
			s.logger.Error("read failed with no viable fallback",
				zap.String("projection", projection),
				zap.Bool("tenantFiltered", filtered),
				zap.Error(qerr),
			)
			return nil, false, "", qerr
		}

		s.logger.Warn("schema drift on read, narrowing",
			zap.String("decision", decision.String()),
			zap.Error(qerr),
		)

		switch decision {
		case fallback.RetryWildcardProjection:
			projection = "*"
		case fallback.RetryWithoutTenantFilter:
			filtered = false
			warning = "tenant filter dropped: table has no tenant column; rows are unscoped"
		case fallback.RetryWithoutTenantFilterWildcard:
			projection = "*"
			filtered = false
			warning = "tenant filter and projection dropped: table predates tenant scoping"
		}
		escalations++
	}
}

// consumeStream opens the change-event subscription and reconciles every
// incoming event into the shared snapshot until teardown.
func (s *Session) consumeStream(ctx context.Context, key cache.Key, tenantID string) {
	var filter *store.Filter
	if s.opts.TenantScoped && tenantID != "" {
		filter = &store.Filter{Column: fallback.TenantColumn, Value: tenantID}
	}

	sub, err := s.engine.client.Subscribe(ctx, s.collection, filter)
	if err != nil {
		// The snapshot stays valid; the binding just loses liveness until
		// the consumer refreshes.
		s.setWarning("change stream unavailable; snapshot is point-in-time")
		s.logger.Warn("subscription failed", zap.Error(err))
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = sub.Close()
		return
	}
	s.sub = sub
	s.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			_ = sub.Close()
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			s.applyEvent(key, ev)
		}
	}
}

// applyEvent runs one push event through the reconciler and publishes the
// resulting snapshot.
func (s *Session) applyEvent(key cache.Key, ev record.ChangeEvent) {
	if s.isClosed() {
		return
	}
	snapshot, _ := s.engine.cache.Get(key)
	s.engine.cache.Set(key, record.Apply(snapshot, ev))
}

// Snapshot returns the current shared snapshot for this binding's key.
func (s *Session) Snapshot() []record.Record {
	s.mu.Lock()
	key, ok := s.key, s.keySet
	s.mu.Unlock()
	if !ok {
		return nil
	}
	snap, _ := s.engine.cache.Get(key)
	return snap
}

// Loading reports whether a blocking (non-revalidation) read is in flight.
func (s *Session) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// Err returns the surfaced error, if any. The last known good snapshot
// remains available alongside it.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Warning returns the recorded soft-failure note, if any.
func (s *Session) Warning() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.warning
}

// State returns the binding's lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Updates signals (coalesced) whenever this binding's snapshot or status
// changes; consumers re-read Snapshot/Loading/Err after each signal.
func (s *Session) Updates() <-chan struct{} {
	return s.updates
}

// Done is closed when the binding's lifecycle goroutine has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close tears the binding down: the subscription is released and any
// in-flight results are discarded without touching the cache.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.state = StateClosed
	sub := s.sub
	cancelWatch := s.cacheCancel
	s.mu.Unlock()

	s.cancel()
	if sub != nil {
		_ = sub.Close()
	}
	if cancelWatch != nil {
		cancelWatch()
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	if !s.closed {
		s.state = state
	}
	s.mu.Unlock()
}

func (s *Session) setLoading(loading bool) {
	s.mu.Lock()
	s.loading = loading
	s.mu.Unlock()
}

func (s *Session) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *Session) setWarning(warning string) {
	s.mu.Lock()
	s.warning = warning
	s.mu.Unlock()
}

func (s *Session) notify() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

// mentionsMetadataPair reports whether an access-denied message names both
// required attribution columns.
func mentionsMetadataPair(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, fallback.TenantColumn) && strings.Contains(msg, OwnerColumn)
}
