package sync

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/opsdeck/livesync/internal/fallback"
	"github.com/opsdeck/livesync/internal/record"
	"github.com/opsdeck/livesync/internal/store"
)

// Add writes a new record through the mutation gateway. The payload is
// stamped with owner_id and, for tenant-scoped collections, tenant_id
// before sending. On success the returned row is merged into the shared
// snapshot by id, so a push event for the same write collapses to one
// entry.
//
// Two remote failures are handled here rather than surfaced:
//   - schema drift naming a column that is a key of the outgoing payload:
//     exactly that key is removed and the write resubmitted once;
//   - access denied naming the required attribution pair: tenant-scoped
//     collections fail hard with a configuration error (silently losing
//     tenant attribution is worse than a visible failure), unscoped
//     collections retry once with only the caller-supplied fields.
func (s *Session) Add(ctx context.Context, rec record.Record) (record.Record, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}

	s.mu.Lock()
	principalID := s.principalID
	tenantID := s.tenantID
	s.mu.Unlock()

	payload := rec.Clone()
	if principalID != "" {
		payload[OwnerColumn] = principalID
	}
	if s.opts.TenantScoped && tenantID != "" {
		payload[fallback.TenantColumn] = tenantID
	}

	row, err := s.engine.client.Insert(ctx, s.collection, payload)
	if err != nil {
		row, err = s.retryAdd(ctx, rec, payload, err)
	}
	if err != nil {
		s.logger.Error("add failed",
			zap.String("operation", "insert"),
			zap.Strings("payloadFields", fieldNames(payload)),
			zap.Error(err),
		)
		s.setErr(err)
		s.notify()
		return nil, err
	}

	s.mergeRow(row)
	return row, nil
}

func (s *Session) retryAdd(ctx context.Context, caller, payload record.Record, cause error) (record.Record, error) {
	if column, ok := store.AsMissingColumn(cause); ok {
		if _, present := payload[column]; present {
			s.logger.Warn("schema drift on write, dropping column and resubmitting",
				zap.String("column", column),
			)
			return s.engine.client.Insert(ctx, s.collection, payload.Without(column))
		}
		return nil, cause
	}

	if store.IsAccessDenied(cause) && mentionsMetadataPair(cause) {
		if s.opts.TenantScoped {
			// Deliberate asymmetry: a tenant-scoped write must never land
			// unattributed, so this is a hard configuration error.
			return nil, fmt.Errorf(
				"collection %q rejects writes carrying %s/%s; the table is missing its attribution columns and needs a migration: %w",
				s.collection, fallback.TenantColumn, OwnerColumn, cause)
		}
		s.logger.Warn("write rejected with metadata columns, retrying with caller fields only",
			zap.Error(cause),
		)
		return s.engine.client.Insert(ctx, s.collection, caller.Clone())
	}

	return nil, cause
}

// Update patches a record by id. The local snapshot is updated only after
// the remote call returns; a duplicate push event for the same write is
// harmless because the reconciler is idempotent.
func (s *Session) Update(ctx context.Context, id string, partial record.Record) (record.Record, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}

	row, err := s.engine.client.Update(ctx, s.collection, id, partial)
	if err != nil {
		s.logger.Error("update failed",
			zap.String("operation", "update"),
			zap.String("id", id),
			zap.Strings("payloadFields", fieldNames(partial)),
			zap.Error(err),
		)
		s.setErr(err)
		s.notify()
		return nil, err
	}

	applied := row
	if applied == nil {
		applied = partial.Merge(record.Record{record.IDField: id})
	}
	s.applyLocal(record.ChangeEvent{Type: record.EventUpdate, Record: applied, ID: id})
	return row, nil
}

// Remove deletes a record by id, then applies the deletion locally.
func (s *Session) Remove(ctx context.Context, id string) error {
	if s.isClosed() {
		return ErrClosed
	}

	if err := s.engine.client.Delete(ctx, s.collection, id); err != nil {
		s.logger.Error("remove failed",
			zap.String("operation", "delete"),
			zap.String("id", id),
			zap.Error(err),
		)
		s.setErr(err)
		s.notify()
		return err
	}

	s.applyLocal(record.ChangeEvent{Type: record.EventDelete, ID: id})
	return nil
}

// Refresh re-issues the read outside the lifecycle state machine. It blocks
// consumers behind a loading state only when the cache holds nothing for
// this key; otherwise it is a silent revalidation.
func (s *Session) Refresh(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	key, keySet := s.key, s.keySet
	s.mu.Unlock()
	if !keySet {
		return fmt.Errorf("binding not ready")
	}

	_, hit := s.engine.cache.Get(key)
	if !hit {
		s.setLoading(true)
		s.notify()
	}

	rows, _, warning, err := s.fetchWithFallback(ctx)

	if s.isClosed() {
		return nil
	}
	s.setLoading(false)

	if err != nil {
		// Keep the last known good snapshot; only the error changes.
		s.setErr(err)
		s.notify()
		return err
	}

	s.mu.Lock()
	s.err = nil
	if warning != "" {
		s.warning = warning
	}
	s.mu.Unlock()

	s.engine.cache.Set(key, rows)
	s.notify()
	return nil
}

// mergeRow folds a mutation result into the shared snapshot by id.
func (s *Session) mergeRow(row record.Record) {
	s.mu.Lock()
	key, keySet := s.key, s.keySet
	closed := s.closed
	s.mu.Unlock()
	if closed || !keySet || row == nil {
		return
	}

	snapshot, _ := s.engine.cache.Get(key)
	s.engine.cache.Set(key, record.MergeRow(snapshot, row))
}

func (s *Session) applyLocal(ev record.ChangeEvent) {
	s.mu.Lock()
	key, keySet := s.key, s.keySet
	closed := s.closed
	s.mu.Unlock()
	if closed || !keySet {
		return
	}

	snapshot, _ := s.engine.cache.Get(key)
	s.engine.cache.Set(key, record.Apply(snapshot, ev))
}

// fieldNames lists a payload's keys for diagnostics without logging values.
func fieldNames(rec record.Record) []string {
	names := make([]string, 0, len(rec))
	for k := range rec {
		names = append(names, k)
	}
	return names
}
