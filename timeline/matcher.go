package timeline

import (
	"path"
	"path/filepath"
)

// Layout tells the matcher where captured clips live and which file fills
// missing slots.
type Layout struct {
	Dir         string
	Placeholder string
}

// ClipPath returns the local path a captured clip is stored under:
// <dir>/<slot start>_<data id><extension of key>.
func (l Layout) ClipPath(slot TimeSlot, dataID, key string) string {
	name := SlotStamp(slot.Start) + "_" + dataID + path.Ext(key)
	return filepath.Join(l.Dir, name)
}

// Match left-joins the grid against records keyed by timestamp. Duplicate
// timestamps keep the first record seen. A slot without a record, or whose
// record lacks a data id or path, is bound to the placeholder. The result has
// exactly one binding per slot, in grid order.
func Match(grid []TimeSlot, records []Metadata, layout Layout) []SlotBinding {
	index := make(map[int64]Metadata, len(records))
	for _, r := range records {
		key := r.Timestamp.UTC().UnixNano()
		if _, seen := index[key]; seen {
			continue
		}
		index[key] = r
	}

	bindings := make([]SlotBinding, 0, len(grid))
	for _, slot := range grid {
		r, ok := index[slot.Start.UnixNano()]
		if !ok || r.DataID == "" || r.Path == "" {
			bindings = append(bindings, Missing{
				At:          slot,
				Placeholder: PlaceholderRef{Path: layout.Placeholder},
			})
			continue
		}
		bindings = append(bindings, Captured{Clip: ClipRecord{
			DataID:    r.DataID,
			Key:       r.Path,
			Timestamp: r.Timestamp.UTC(),
			Slot:      slot,
			LocalPath: layout.ClipPath(slot, r.DataID, r.Path),
		}})
	}
	return bindings
}
