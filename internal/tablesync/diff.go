package tablesync

import "sort"

// Snapshot is the full row set of one table as last delivered to one
// subscription, keyed by row id.
type Snapshot map[string]Row

// SnapshotFromRows indexes a fetched row list by id. Later duplicates win,
// matching upstream semantics where a row id appears at most once.
func SnapshotFromRows(rows []Row) Snapshot {
	snapshot := make(Snapshot, len(rows))
	for _, row := range rows {
		snapshot[row.ID] = row
	}
	return snapshot
}

// Diff is the change set between two snapshots. Added and Updated carry full
// row content; Deleted carries only ids, since the prior content is
// recoverable from the subscriber's copy of the old state.
type Diff struct {
	Added   []Row    `json:"added"`
	Updated []Row    `json:"updated"`
	Deleted []string `json:"deleted"`
}

func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Updated) == 0 && len(d.Deleted) == 0
}

// DiffSnapshots computes the added/updated/deleted rows between previous and
// current. Identity is by row id; content comparison is structural. Output
// order is by row id so payloads are deterministic regardless of map
// iteration order.
func DiffSnapshots(previous, current Snapshot) Diff {
	diff := Diff{
		Added:   []Row{},
		Updated: []Row{},
		Deleted: []string{},
	}
	for id, row := range current {
		previousRow, ok := previous[id]
		if !ok {
			diff.Added = append(diff.Added, row)
			continue
		}
		if !row.Equal(previousRow) {
			diff.Updated = append(diff.Updated, row)
		}
	}
	for id := range previous {
		if _, ok := current[id]; !ok {
			diff.Deleted = append(diff.Deleted, id)
		}
	}
	sort.Slice(diff.Added, func(i, j int) bool { return diff.Added[i].ID < diff.Added[j].ID })
	sort.Slice(diff.Updated, func(i, j int) bool { return diff.Updated[i].ID < diff.Updated[j].ID })
	sort.Strings(diff.Deleted)
	return diff
}
