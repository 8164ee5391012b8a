package reconcile

import (
	"calsync/internal/model"
)

// Match pairs a raw record with the stored event it resolved to.
type Match struct {
	Stored model.Event
	Raw    model.RawRecord
	Key    KeyKind
	// Changes is empty for unchanged matches.
	Changes []string
}

// PartitionPlan classifies every raw and stored record of one partition.
type PartitionPlan struct {
	Adds      []model.RawRecord
	Updates   []Match
	Unchanged []Match
	Deletes   []model.Event
	Skipped   []model.RawRecord
}

// Mutations reports how many store writes applying the plan requires.
func (p PartitionPlan) Mutations() int {
	return len(p.Adds) + len(p.Updates) + len(p.Deletes)
}

// Plan resolves raws (in source-rendering order) against stored and returns
// the ADD / UPDATE / UNCHANGED / DELETE classification. It performs no I/O.
// Raw records without a complete time range are skipped, never compared.
func Plan(raws []model.RawRecord, stored []model.Event) PartitionPlan {
	var p PartitionPlan
	resolver := NewResolver(stored)

	for _, raw := range raws {
		if !raw.HasTimeRange() {
			p.Skipped = append(p.Skipped, raw)
			continue
		}

		ev, key, ok := resolver.Resolve(raw)
		if !ok {
			p.Adds = append(p.Adds, raw)
			continue
		}

		change := Detect(ev, raw)
		m := Match{Stored: ev, Raw: raw, Key: key, Changes: change.Descriptions}
		if change.Changed {
			p.Updates = append(p.Updates, m)
		} else {
			p.Unchanged = append(p.Unchanged, m)
		}
	}

	p.Deletes = resolver.Remaining()
	return p
}
