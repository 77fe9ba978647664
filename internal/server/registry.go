// Package server implements the development store: a small emulation of
// the hosted backend exposing collection CRUD and a websocket change feed.
// Collections carry a declared column set so that schema drift and policy
// rejections behave the way the real backend's do.
package server

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/opsdeck/livesync/internal/record"
)

// CollectionSpec declares one collection's shape.
type CollectionSpec struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
	// Protected collections refuse writes that do not carry both
	// tenant_id and owner_id.
	Protected bool `json:"protected"`
}

func (c CollectionSpec) hasColumn(name string) bool {
	for _, col := range c.Columns {
		if col == name {
			return true
		}
	}
	return false
}

// Registry holds the declared collections.
type Registry struct {
	mu          sync.RWMutex
	collections map[string]CollectionSpec
}

// NewRegistry builds a registry from specs.
func NewRegistry(specs []CollectionSpec) *Registry {
	r := &Registry{collections: make(map[string]CollectionSpec, len(specs))}
	for _, spec := range specs {
		r.collections[spec.Name] = spec
	}
	return r
}

// Replace swaps the declared collections for a new set. Existing rows are
// untouched; callers reseed separately.
func (r *Registry) Replace(specs []CollectionSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.collections = make(map[string]CollectionSpec, len(specs))
	for _, spec := range specs {
		r.collections[spec.Name] = spec
	}
}

// Lookup returns the spec for a collection.
func (r *Registry) Lookup(name string) (CollectionSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.collections[name]
	return spec, ok
}

// Names lists the declared collections, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.collections))
	for name := range r.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// missingColumn formats the backend's drift error the way Postgres does,
// which is the exact shape the client-side negotiator parses.
func missingColumn(collection, column string) error {
	return fmt.Errorf("column %s.%s does not exist", collection, column)
}

// ValidateQuery checks a projection and optional filter column against the
// declared schema.
func (r *Registry) ValidateQuery(collection, projection, filterColumn string) error {
	spec, ok := r.Lookup(collection)
	if !ok {
		return fmt.Errorf("collection %q not found", collection)
	}

	if projection != "" && projection != "*" {
		for _, field := range strings.Split(projection, ",") {
			field = strings.TrimSpace(field)
			if field != "" && !spec.hasColumn(field) {
				return missingColumn(collection, field)
			}
		}
	}
	if filterColumn != "" && !spec.hasColumn(filterColumn) {
		return missingColumn(collection, filterColumn)
	}
	return nil
}

// ValidateWrite checks a payload's keys against the declared schema and
// enforces the protected-collection attribution policy. The column check
// runs first so that drifted payloads surface as schema errors, not policy
// ones; unknown keys are reported in sorted order for determinism.
func (r *Registry) ValidateWrite(collection string, payload record.Record) error {
	spec, ok := r.Lookup(collection)
	if !ok {
		return fmt.Errorf("collection %q not found", collection)
	}

	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !spec.hasColumn(k) {
			return missingColumn(collection, k)
		}
	}

	if spec.Protected {
		if payload["tenant_id"] == nil || payload["owner_id"] == nil {
			return &policyError{
				message: fmt.Sprintf(
					"write to protected collection %q denied: tenant_id and owner_id are required",
					collection),
			}
		}
	}
	return nil
}

// policyError marks a 403 rather than a 400.
type policyError struct {
	message string
}

func (e *policyError) Error() string { return e.message }

// isPolicyError reports whether err is a policy rejection.
func isPolicyError(err error) bool {
	_, ok := err.(*policyError)
	return ok
}

// Project reduces rows to the requested columns. The id column is always
// retained so that rows stay addressable.
func Project(rows []record.Record, projection string) []record.Record {
	if projection == "" || projection == "*" {
		return rows
	}

	fields := make(map[string]bool)
	fields[record.IDField] = true
	for _, f := range strings.Split(projection, ",") {
		if f = strings.TrimSpace(f); f != "" {
			fields[f] = true
		}
	}

	out := make([]record.Record, len(rows))
	for i, row := range rows {
		projected := make(record.Record, len(fields))
		for k, v := range row {
			if fields[k] {
				projected[k] = v
			}
		}
		out[i] = projected
	}
	return out
}
