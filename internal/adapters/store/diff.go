package store

import (
	"bytes"

	"github.com/dkeye/Mesh/internal/core"
)

// Diff computes the changes turning prev into next. Removals come first, then
// modifications, then additions in the order of next. A document whose body
// changed is reported as modified; callers key on content, not on presence.
func Diff(prev, next []core.Document) []core.Change {
	before := make(map[string]core.Document, len(prev))
	for _, d := range prev {
		before[d.ID] = d
	}
	after := make(map[string]struct{}, len(next))
	for _, d := range next {
		after[d.ID] = struct{}{}
	}

	var removed, modified, added []core.Change
	for _, d := range prev {
		if _, ok := after[d.ID]; !ok {
			removed = append(removed, core.Change{Kind: core.ChangeRemoved, Doc: d})
		}
	}
	for _, d := range next {
		old, ok := before[d.ID]
		switch {
		case !ok:
			added = append(added, core.Change{Kind: core.ChangeAdded, Doc: d})
		case !bytes.Equal(old.Data, d.Data):
			modified = append(modified, core.Change{Kind: core.ChangeModified, Doc: d})
		}
	}

	out := make([]core.Change, 0, len(removed)+len(modified)+len(added))
	out = append(out, removed...)
	out = append(out, modified...)
	return append(out, added...)
}
