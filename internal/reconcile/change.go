package reconcile

import (
	"fmt"

	"calsync/internal/model"
)

// Change is the outcome of comparing a stored event with its matched raw record.
type Change struct {
	Changed      bool
	Descriptions []string
}

// Detect compares the four mutable fields. Permalink and external id are
// not compared; they are overwritten whenever an update happens.
func Detect(stored model.Event, raw model.RawRecord) Change {
	var c Change
	diff := func(field, before, after string) {
		if before == after {
			return
		}
		c.Changed = true
		c.Descriptions = append(c.Descriptions, fmt.Sprintf("%s: %s → %s", field, before, after))
	}
	diff("title", stored.Title, raw.Title)
	diff("start", stored.Start, raw.Start)
	diff("end", stored.End, raw.End)
	diff("badge", stored.Badge, raw.Badge)
	return c
}
