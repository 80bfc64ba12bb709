package timeline

import (
	"fmt"
	"time"
)

const (
	// DefaultCadence is the width of one slot.
	DefaultCadence = 10 * time.Second
	// DefaultFPS is the nominal frame rate of every clip.
	DefaultFPS = 10
)

// FramesPerSlot returns the canonical frame count N for a cadence and frame rate.
func FramesPerSlot(cadence time.Duration, fps int) int {
	return int(cadence/time.Second) * fps
}

// TimeSlot is a half-open interval [Start, End) in UTC.
type TimeSlot struct {
	Start time.Time
	End   time.Time
}

// Duration returns the slot width.
func (s TimeSlot) Duration() time.Duration {
	return s.End.Sub(s.Start)
}

func (s TimeSlot) String() string {
	return fmt.Sprintf("[%s, %s)", s.Start.Format(time.RFC3339), s.End.Format(time.RFC3339))
}

// InvalidRangeError is returned when a requested range is empty or inverted.
type InvalidRangeError struct {
	Start time.Time
	End   time.Time
}

func (e *InvalidRangeError) Error() string {
	return fmt.Sprintf("invalid time range: end %s is not after start %s",
		e.End.Format(time.RFC3339), e.Start.Format(time.RFC3339))
}

// BuildGrid produces floor((end-start)/cadence) contiguous slots starting at
// start. A trailing remainder shorter than the cadence is dropped.
func BuildGrid(start, end time.Time, cadence time.Duration) ([]TimeSlot, error) {
	start, end = start.UTC(), end.UTC()
	if !end.After(start) {
		return nil, &InvalidRangeError{Start: start, End: end}
	}
	if cadence <= 0 {
		return nil, fmt.Errorf("cadence must be positive, got %v", cadence)
	}

	count := int(end.Sub(start) / cadence)
	slots := make([]TimeSlot, 0, count)
	for i := 0; i < count; i++ {
		slotStart := start.Add(time.Duration(i) * cadence)
		slots = append(slots, TimeSlot{Start: slotStart, End: slotStart.Add(cadence)})
	}
	return slots, nil
}

// AlignDown truncates t to a multiple of cadence since the Unix epoch.
func AlignDown(t time.Time, cadence time.Duration) time.Time {
	return t.UTC().Truncate(cadence)
}
