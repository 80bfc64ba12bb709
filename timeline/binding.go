package timeline

import "time"

// Metadata is one clip record as returned by the upstream metadata source.
type Metadata struct {
	DataID    string
	Path      string
	Timestamp time.Time
}

// ClipRecord is source media bound to a slot. LocalPath is where the
// acquisition stage must materialise the bytes.
type ClipRecord struct {
	DataID    string
	Key       string // storage locator, relative to the raw storage root or bucket
	Timestamp time.Time
	Slot      TimeSlot
	LocalPath string
}

// PlaceholderRef points at the shared filler clip of an output root.
type PlaceholderRef struct {
	Path string
}

// SlotBinding is either Captured or Missing.
type SlotBinding interface {
	Slot() TimeSlot
	MediaPath() string
	sealed()
}

// Captured binds a slot to a matched source clip.
type Captured struct {
	Clip ClipRecord
}

func (c Captured) Slot() TimeSlot    { return c.Clip.Slot }
func (c Captured) MediaPath() string { return c.Clip.LocalPath }
func (Captured) sealed()             {}

// Missing binds a slot with no usable source clip to the placeholder.
type Missing struct {
	At          TimeSlot
	Placeholder PlaceholderRef
}

func (m Missing) Slot() TimeSlot    { return m.At }
func (m Missing) MediaPath() string { return m.Placeholder.Path }
func (Missing) sealed()             {}

// CapturedClips returns the clip records of all captured bindings, in order.
func CapturedClips(bindings []SlotBinding) []ClipRecord {
	var clips []ClipRecord
	for _, b := range bindings {
		if c, ok := b.(Captured); ok {
			clips = append(clips, c.Clip)
		}
	}
	return clips
}

// Counts reports how many bindings are captured and missing.
func Counts(bindings []SlotBinding) (captured, missing int) {
	for _, b := range bindings {
		switch b.(type) {
		case Captured:
			captured++
		case Missing:
			missing++
		}
	}
	return captured, missing
}
