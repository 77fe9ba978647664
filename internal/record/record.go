// Package record defines the schema-free record model shared by the sync
// engine and the store clients, plus the change-event reconciler.
package record

// Record is a single row of a named collection. Values follow JSON kinds:
// string, float64, bool, nil, map[string]any, []any. Field names are data,
// not types; the only field the engine interprets is "id".
type Record map[string]any

// IDField is the one field every Record must carry.
const IDField = "id"

// ID returns the record's id, or "" if absent or not a string.
func (r Record) ID() string {
	id, _ := r[IDField].(string)
	return id
}

// Clone returns a shallow copy of the record. Nested values are shared;
// the reconciler only ever replaces fields wholesale, never mutates them.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Merge returns a copy of r with every field of partial laid on top.
func (r Record) Merge(partial Record) Record {
	out := r.Clone()
	for k, v := range partial {
		out[k] = v
	}
	return out
}

// Without returns a copy of r with the named field removed.
func (r Record) Without(field string) Record {
	out := r.Clone()
	delete(out, field)
	return out
}
