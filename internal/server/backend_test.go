package server

import (
	"errors"
	"testing"

	"github.com/opsdeck/livesync/internal/record"
)

func TestMemoryBackendCRUD(t *testing.T) {
	b := NewMemoryBackend()
	defer b.Close()

	if err := b.Insert("tasks", record.Record{"id": "1", "title": "a"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := b.Insert("tasks", record.Record{"id": "2", "title": "b"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := b.Insert("tasks", record.Record{"id": "1", "title": "dup"}); err == nil {
		t.Fatal("expected duplicate id rejection")
	}

	rows, err := b.List("tasks")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 2 || rows[0].ID() != "1" || rows[1].ID() != "2" {
		t.Fatalf("list order wrong: %v", rows)
	}

	// Mutating a listed row must not leak into the store.
	rows[0]["title"] = "hacked"
	again, _ := b.List("tasks")
	if again[0]["title"] != "a" {
		t.Fatal("List returned an aliased row")
	}

	merged, err := b.Update("tasks", "2", record.Record{"status": "done"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if merged["title"] != "b" || merged["status"] != "done" {
		t.Fatalf("update did not merge: %v", merged)
	}

	if _, err := b.Update("tasks", "404", record.Record{"x": 1}); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}

	if err := b.Delete("tasks", "1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := b.Delete("tasks", "1"); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound on second delete, got %v", err)
	}

	rows, _ = b.List("tasks")
	if len(rows) != 1 || rows[0].ID() != "2" {
		t.Fatalf("unexpected rows after delete: %v", rows)
	}
}
