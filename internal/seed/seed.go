// Package seed loads dev store fixtures: collection schemas plus initial
// rows, read from plain or zstd-compressed JSON files.
package seed

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/opsdeck/livesync/internal/record"
	"github.com/opsdeck/livesync/internal/server"
)

// Bundle is one fixture file: the declared collections and their rows.
type Bundle struct {
	Collections []server.CollectionSpec    `json:"collections"`
	Records     map[string][]record.Record `json:"records"`
}

// Load reads a bundle from path. Files ending in .zst are decompressed
// before decoding.
func Load(path string) (*Bundle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening fixture: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".zst") {
		dec, err := zstd.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("create zstd decoder: %w", err)
		}
		defer dec.Close()
		r = dec
	}

	return Decode(r)
}

// Decode parses a bundle from a reader.
func Decode(r io.Reader) (*Bundle, error) {
	var b Bundle
	if err := json.NewDecoder(r).Decode(&b); err != nil {
		return nil, fmt.Errorf("decoding fixture: %w", err)
	}
	if err := b.validate(); err != nil {
		return nil, err
	}
	return &b, nil
}

// Write encodes a bundle to path, compressing when the name ends in .zst.
func Write(path string, b *Bundle) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating fixture: %w", err)
	}

	var w io.Writer = f
	var enc *zstd.Encoder
	if strings.HasSuffix(path, ".zst") {
		enc, err = zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			_ = f.Close()
			return fmt.Errorf("create zstd encoder: %w", err)
		}
		w = enc
	}

	err = json.NewEncoder(w).Encode(b)
	if enc != nil {
		if closeErr := enc.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	if closeErr := f.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("writing fixture: %w", err)
	}
	return nil
}

func (b *Bundle) validate() error {
	declared := make(map[string]bool, len(b.Collections))
	for _, spec := range b.Collections {
		if spec.Name == "" {
			return fmt.Errorf("fixture declares a collection with no name")
		}
		declared[spec.Name] = true
	}
	for name := range b.Records {
		if !declared[name] {
			return fmt.Errorf("fixture has rows for undeclared collection %q", name)
		}
	}
	return nil
}

// Registry builds a collection registry from the bundle's schemas.
func (b *Bundle) Registry() *server.Registry {
	return server.NewRegistry(b.Collections)
}

// Apply inserts the bundle's rows into a backend. Rows without an id are
// skipped rather than failed, so fixtures stay forgiving to hand-edit.
func (b *Bundle) Apply(backend server.Backend) (int, error) {
	applied := 0
	for name, rows := range b.Records {
		for _, row := range rows {
			if row.ID() == "" {
				continue
			}
			if err := backend.Insert(name, row); err != nil {
				return applied, fmt.Errorf("seeding %s: %w", name, err)
			}
			applied++
		}
	}
	return applied, nil
}

// Default returns the built-in fixture used when no file is given: a
// tenant-scoped task board with one protected audit trail.
func Default() *Bundle {
	return &Bundle{
		Collections: []server.CollectionSpec{
			{Name: "tasks", Columns: []string{"id", "title", "status", "tenant_id", "owner_id"}},
			{Name: "profiles", Columns: []string{"id", "display_name", "principal_id", "tenant_id"}},
			{Name: "audit", Columns: []string{"id", "action", "tenant_id", "owner_id"}, Protected: true},
		},
		Records: map[string][]record.Record{
			"tasks": {
				{"id": "task-1", "title": "Wire the change feed", "status": "open", "tenant_id": "acme", "owner_id": "user-1"},
				{"id": "task-2", "title": "Ship the sync engine", "status": "open", "tenant_id": "acme", "owner_id": "user-2"},
				{"id": "task-3", "title": "Audit the fallbacks", "status": "done", "tenant_id": "globex", "owner_id": "user-3"},
			},
			"profiles": {
				{"id": "profile-1", "display_name": "Dana", "principal_id": "user-1", "tenant_id": "acme"},
				{"id": "profile-2", "display_name": "Riley", "principal_id": "user-2", "tenant_id": "acme"},
				{"id": "profile-3", "display_name": "Sam", "principal_id": "user-3", "tenant_id": "globex"},
			},
		},
	}
}
