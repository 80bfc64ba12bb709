package manifest

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

// FileName is the edit-list name inside a camera directory.
const FileName = "m3u8_files.txt"

// Clip is one normalised slot handed to the planner.
type Clip struct {
	SlotStart time.Time
	Path      string
	Frames    int
}

// Entry is a planned clip with its position on the cumulative clock, in frames.
type Entry struct {
	Clip
	In  int
	Out int
}

// Plan is the ordered edit-list for one camera.
type Plan struct {
	FPS     int
	Entries []Entry
}

// Build orders clips by slot start and lays them end to end. Timing comes from
// each clip's actual frame count.
func Build(clips []Clip, fps int) Plan {
	ordered := make([]Clip, len(clips))
	copy(ordered, clips)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].SlotStart.Before(ordered[j].SlotStart)
	})

	plan := Plan{FPS: fps, Entries: make([]Entry, 0, len(ordered))}
	cursor := 0
	for _, c := range ordered {
		plan.Entries = append(plan.Entries, Entry{Clip: c, In: cursor, Out: cursor + c.Frames})
		cursor += c.Frames
	}
	return plan
}

// TotalFrames is the outpoint of the last entry.
func (p Plan) TotalFrames() int {
	if len(p.Entries) == 0 {
		return 0
	}
	return p.Entries[len(p.Entries)-1].Out
}

// Duration is the playback length of the whole plan.
func (p Plan) Duration() time.Duration {
	if p.FPS <= 0 {
		return 0
	}
	return time.Duration(p.TotalFrames()) * time.Second / time.Duration(p.FPS)
}

// Line renders one entry in concat demuxer syntax.
func (p Plan) Line(e Entry) string {
	return fmt.Sprintf("file 'file:%s' duration %s inpoint %s outpoint %s",
		escapePath(e.Path),
		FormatTimestamp(e.Frames, p.FPS),
		FormatTimestamp(e.In, p.FPS),
		FormatTimestamp(e.Out, p.FPS))
}

// WriteTo writes one line per entry.
func (p Plan) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	var written int64
	for _, e := range p.Entries {
		n, err := bw.WriteString(p.Line(e) + "\n")
		written += int64(n)
		if err != nil {
			return written, err
		}
	}
	return written, bw.Flush()
}

// FormatTimestamp renders a frame count as HH:MM:SS.mmm at the given rate.
func FormatTimestamp(frames, fps int) string {
	if fps <= 0 {
		fps = 1
	}
	totalSeconds := frames / fps
	millis := (frames % fps) * 1000 / fps
	hours := totalSeconds / 3600
	minutes := (totalSeconds % 3600) / 60
	seconds := totalSeconds % 60
	return fmt.Sprintf("%02d:%02d:%02d.%03d", hours, minutes, seconds, millis)
}

func escapePath(p string) string {
	return strings.ReplaceAll(p, "'", `'\''`)
}
