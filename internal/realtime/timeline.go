package realtime

import "sort"

// Timeline tracks which message ids a stream has already delivered. Rows may arrive in any order
// and more than once; only ids are kept, never bodies.
type Timeline struct {
	seen map[int64]struct{}
}

func NewTimeline() *Timeline {
	return &Timeline{seen: make(map[int64]struct{})}
}

// Add marks records as delivered and returns the ones that were new, ascending by id.
func (t *Timeline) Add(records ...Record) []Record {
	var added []Record
	for _, rec := range records {
		if _, ok := t.seen[rec.ID]; ok {
			continue
		}
		t.seen[rec.ID] = struct{}{}
		added = append(added, rec)
	}
	sort.Slice(added, func(i, j int) bool { return added[i].ID < added[j].ID })
	return added
}

func (t *Timeline) Seen(id int64) bool {
	_, ok := t.seen[id]
	return ok
}
