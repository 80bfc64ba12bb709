package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"video-prepare/manifest"
	"video-prepare/metrics"
	"video-prepare/timeline"
	"video-prepare/transcode"
)

// ClipEditor is the part of the media toolchain the normalizer needs.
type ClipEditor interface {
	FramesPerClip() int
	CountFrames(ctx context.Context, path string) (int, error)
	Pad(ctx context.Context, path string, frames int) error
	Trim(ctx context.Context, path string) error
}

// NormalizeReport counts what the normalizer did to the unique clip files.
type NormalizeReport struct {
	Unchanged   int
	Padded      int
	Trimmed     int
	Substituted int
}

// Normalizer brings every clip to exactly one slot's worth of frames.
type Normalizer struct {
	editor  ClipEditor
	workers int
	metrics *metrics.Registry
	log     zerolog.Logger
}

// NewNormalizer creates a normalizer running at most workers clips at once.
func NewNormalizer(editor ClipEditor, workers int, registry *metrics.Registry, logger zerolog.Logger) *Normalizer {
	return &Normalizer{editor: editor, workers: max(workers, 1), metrics: registry, log: logger}
}

type normalized struct {
	path   string
	frames int
}

// Normalize pads or trims the media of every binding and returns one planner
// clip per binding, in binding order. A file shared by several slots is only
// touched once. Clips that cannot be probed or fixed are replaced by the
// placeholder, whose frame count is probed up front; failing to probe the
// placeholder is an error.
func (n *Normalizer) Normalize(ctx context.Context, bindings []timeline.SlotBinding, placeholder string) ([]manifest.Clip, NormalizeReport, error) {
	var report NormalizeReport

	placeholderFrames, err := n.editor.CountFrames(ctx, placeholder)
	if err != nil {
		return nil, report, fmt.Errorf("placeholder unusable: %w", err)
	}

	var paths []string
	seen := map[string]bool{placeholder: true}
	for _, b := range bindings {
		p := b.MediaPath()
		if seen[p] {
			continue
		}
		seen[p] = true
		paths = append(paths, p)
	}

	results := make(map[string]normalized, len(paths)+1)
	results[placeholder] = normalized{path: placeholder, frames: placeholderFrames}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(n.workers)
	for _, p := range paths {
		g.Go(func() error {
			frames, action, err := n.normalizeOne(gctx, p)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				n.log.Warn().Err(err).Str("path", p).Msg("replacing clip with placeholder")
				action = metrics.ActionSubstitute
			}
			n.metrics.ObserveNormalization(action)

			mu.Lock()
			defer mu.Unlock()
			switch action {
			case metrics.ActionSubstitute:
				report.Substituted++
				results[p] = normalized{path: placeholder, frames: placeholderFrames}
				return nil
			case metrics.ActionPad:
				report.Padded++
			case metrics.ActionTrim:
				report.Trimmed++
			default:
				report.Unchanged++
			}
			results[p] = normalized{path: p, frames: frames}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, report, err
	}

	clips := make([]manifest.Clip, 0, len(bindings))
	for _, b := range bindings {
		r := results[b.MediaPath()]
		clips = append(clips, manifest.Clip{SlotStart: b.Slot().Start, Path: r.path, Frames: r.frames})
	}
	return clips, report, nil
}

// normalizeOne probes path and pads or trims it in place. The returned frame
// count is re-probed after any change.
func (n *Normalizer) normalizeOne(ctx context.Context, path string) (int, string, error) {
	want := n.editor.FramesPerClip()
	frames, err := n.editor.CountFrames(ctx, path)
	if err != nil {
		return 0, "", err
	}

	var action string
	switch {
	case frames == want:
		return frames, metrics.ActionNone, nil
	case frames <= 0:
		return 0, "", &transcode.ProbeError{Path: path, Err: errors.New("clip has no frames")}
	case frames < want:
		action = metrics.ActionPad
		err = n.editor.Pad(ctx, path, want-frames)
	default:
		action = metrics.ActionTrim
		err = n.editor.Trim(ctx, path)
	}
	if err != nil {
		return 0, "", err
	}

	after, err := n.editor.CountFrames(ctx, path)
	if err != nil {
		return 0, "", err
	}
	if after != want {
		n.log.Warn().Str("path", path).Int("frames", after).Int("expected", want).Msg("clip still off length after " + action)
	}
	return after, action, nil
}
