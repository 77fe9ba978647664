// Package store defines the remote collection store contract consumed by
// the sync engine, and its HTTP implementation. The store is an opaque
// service exposing query, insert/update/delete, and a server-pushed
// change-event stream.
package store

import (
	"context"

	"github.com/opsdeck/livesync/internal/record"
)

// Filter is a single equality predicate.
type Filter struct {
	Column string
	Value  string
}

// QueryOptions shape one read. Select is a comma-separated projection spec,
// "*" for all columns. A nil Filter reads unscoped.
type QueryOptions struct {
	Select string
	Filter *Filter
}

// Subscription is an open change-event stream. Events is closed when the
// stream ends; Close releases the stream and is safe to call twice.
type Subscription interface {
	Events() <-chan record.ChangeEvent
	Close() error
}

// Client is the remote store surface. Implementations must honor context
// cancellation on every call.
type Client interface {
	Query(ctx context.Context, collection string, opts QueryOptions) ([]record.Record, error)
	Insert(ctx context.Context, collection string, rec record.Record) (record.Record, error)
	Update(ctx context.Context, collection string, id string, patch record.Record) (record.Record, error)
	Delete(ctx context.Context, collection string, id string) error
	Subscribe(ctx context.Context, collection string, filter *Filter) (Subscription, error)
}
