package record

import (
	"reflect"
	"testing"
)

func snap(records ...Record) []Record {
	return records
}

func TestApplyInsert(t *testing.T) {
	s := Apply(nil, ChangeEvent{Type: EventInsert, Record: Record{"id": "1", "name": "A"}})
	if len(s) != 1 || s[0].ID() != "1" {
		t.Fatalf("expected single record with id 1, got %v", s)
	}
}

func TestApplyInsertExistingIDMerges(t *testing.T) {
	base := snap(Record{"id": "1", "name": "A", "status": "open"})
	s := Apply(base, ChangeEvent{Type: EventInsert, Record: Record{"id": "1", "name": "B"}})

	if len(s) != 1 {
		t.Fatalf("expected 1 record, got %d", len(s))
	}
	if s[0]["name"] != "B" {
		t.Errorf("expected merged name B, got %v", s[0]["name"])
	}
	if s[0]["status"] != "open" {
		t.Errorf("expected untouched field preserved, got %v", s[0]["status"])
	}
}

func TestApplyUpdateWithoutMatchAppends(t *testing.T) {
	base := snap(Record{"id": "1", "name": "A"})
	s := Apply(base, ChangeEvent{Type: EventUpdate, Record: Record{"id": "2", "name": "B"}})

	if len(s) != 2 {
		t.Fatalf("expected 2 records, got %d", len(s))
	}
	if s[1].ID() != "2" {
		t.Errorf("expected appended record id 2, got %s", s[1].ID())
	}
}

func TestApplyDelete(t *testing.T) {
	base := snap(Record{"id": "1"}, Record{"id": "2"})

	s := Apply(base, ChangeEvent{Type: EventDelete, ID: "1"})
	if len(s) != 1 || s[0].ID() != "2" {
		t.Fatalf("expected only id 2 to remain, got %v", s)
	}

	// Deleting an absent id is a no-op.
	s = Apply(s, ChangeEvent{Type: EventDelete, ID: "missing"})
	if len(s) != 1 {
		t.Fatalf("expected delete of absent id to be a no-op, got %v", s)
	}
}

func TestApplyIdempotent(t *testing.T) {
	base := snap(Record{"id": "1", "name": "A"}, Record{"id": "2", "name": "B"})

	events := []ChangeEvent{
		{Type: EventInsert, Record: Record{"id": "3", "name": "C"}},
		{Type: EventUpdate, Record: Record{"id": "1", "name": "A2"}},
		{Type: EventDelete, ID: "2"},
	}

	for _, ev := range events {
		once := Apply(base, ev)
		twice := Apply(once, ev)
		if !reflect.DeepEqual(once, twice) {
			t.Errorf("event %v not idempotent: %v vs %v", ev, once, twice)
		}
	}
}

func TestApplyInsertAfterUpdateConverges(t *testing.T) {
	base := snap(Record{"id": "1", "name": "A"})

	updated := Apply(base, ChangeEvent{Type: EventUpdate, Record: Record{"id": "1", "name": "B"}})
	then := Apply(updated, ChangeEvent{Type: EventInsert, Record: Record{"id": "1", "name": "B"}})

	if !reflect.DeepEqual(updated, then) {
		t.Fatalf("insert after update diverged: %v vs %v", updated, then)
	}
	if len(then) != 1 {
		t.Fatalf("expected one entry, got %d", len(then))
	}
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	base := snap(Record{"id": "1", "name": "A"})
	_ = Apply(base, ChangeEvent{Type: EventUpdate, Record: Record{"id": "1", "name": "B"}})

	if base[0]["name"] != "A" {
		t.Fatalf("input snapshot mutated: %v", base[0])
	}
}

func TestMergeRow(t *testing.T) {
	base := snap(Record{"id": "1", "name": "A"})

	// Row already delivered by the push stream collapses to one entry.
	s := MergeRow(base, Record{"id": "1", "name": "B"})
	if len(s) != 1 || s[0]["name"] != "B" {
		t.Fatalf("expected single merged entry, got %v", s)
	}

	s = MergeRow(s, Record{"id": "2", "name": "C"})
	if len(s) != 2 {
		t.Fatalf("expected append of new row, got %v", s)
	}
}

func TestDecodeEvent(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"type":"insert","collection":"tasks","record":{"id":"1","name":"A"}}`))
	if err != nil {
		t.Fatalf("DecodeEvent failed: %v", err)
	}
	if ev.Type != EventInsert || ev.TargetID() != "1" {
		t.Errorf("unexpected event: %+v", ev)
	}

	if _, err := DecodeEvent([]byte(`{"type":"delete"}`)); err == nil {
		t.Error("expected error for delete without id")
	}
	if _, err := DecodeEvent([]byte(`{"type":"bogus"}`)); err == nil {
		t.Error("expected error for unknown type")
	}
}
