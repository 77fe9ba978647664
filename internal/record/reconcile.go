package record

// Apply reconciles one change event into a collection snapshot and returns
// the resulting snapshot. The input snapshot is not mutated.
//
// The push stream delivers at-least-once and can surface the same logical
// write as both an Insert and an Update, so Apply is idempotent: applying
// the same event twice, or an Insert after an Update for the same id,
// converges on one entry.
//
//   - Insert: merge onto an existing record with the same id (treated as an
//     Update), else append.
//   - Update: merge onto the matching record; if none is present yet (event
//     raced ahead of the fetch) append it as a new record.
//   - Delete: drop the matching record; no-op when absent.
func Apply(snapshot []Record, ev ChangeEvent) []Record {
	switch ev.Type {
	case EventInsert, EventUpdate:
		id := ev.TargetID()
		if id == "" {
			return snapshot
		}
		for i, existing := range snapshot {
			if existing.ID() != id {
				continue
			}
			out := make([]Record, len(snapshot))
			copy(out, snapshot)
			out[i] = existing.Merge(ev.Record)
			return out
		}
		appended := ev.Record.Clone()
		if appended.ID() == "" {
			appended[IDField] = id
		}
		out := make([]Record, len(snapshot), len(snapshot)+1)
		copy(out, snapshot)
		return append(out, appended)

	case EventDelete:
		for i, existing := range snapshot {
			if existing.ID() != ev.ID {
				continue
			}
			out := make([]Record, 0, len(snapshot)-1)
			out = append(out, snapshot[:i]...)
			return append(out, snapshot[i+1:]...)
		}
		return snapshot
	}
	return snapshot
}

// MergeRow folds a row returned by a mutation into a snapshot by id:
// update-if-exists, else append. The push stream may already have delivered
// the same row, so a blind append would duplicate it.
func MergeRow(snapshot []Record, row Record) []Record {
	return Apply(snapshot, ChangeEvent{Type: EventUpdate, Record: row, ID: row.ID()})
}
