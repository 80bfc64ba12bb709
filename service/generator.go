package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"video-prepare/database"
	"video-prepare/manifest"
	"video-prepare/metrics"
	"video-prepare/retry"
	"video-prepare/timeline"
)

// Artifact names inside a camera directory.
const (
	VideoFileName    = "output.mp4"
	PlaylistFileName = "output.m3u8"
	PreviewFileName  = "output-preview.jpg"

	concatAttempts = 3
)

// MediaTool is the ffmpeg toolchain driven by the generator.
type MediaTool interface {
	ClipEditor
	FPS() int
	Concat(ctx context.Context, listPath, output string, rewrite bool) error
	Segment(ctx context.Context, input, playlist string, rewrite bool) error
	Preview(ctx context.Context, input, output string, rewrite bool) (bool, error)
}

// CameraJob is everything needed to build one camera's stream.
type CameraJob struct {
	RunID        uuid.UUID // zero disables ledger updates
	AssignmentID string
	DeviceID     string
	Camera       string
	Dir          string
	Placeholder  string
	Start        time.Time
	End          time.Time
	Records      []timeline.Metadata
	Rewrite      bool
}

// StreamableAsset describes the files produced for one camera.
type StreamableAsset struct {
	Dir        string
	Manifest   string
	Video      string
	Playlist   string
	Preview    string
	HasPreview bool
	Captured   int
	Missing    int
	Duration   time.Duration
}

// Generator runs the per-camera pipeline: timeline, acquisition,
// normalization, edit-list, concat, HLS and preview. Stages run strictly in
// that order.
type Generator struct {
	tool       MediaTool
	acquirer   *Acquirer
	normalizer *Normalizer
	ledger     database.Ledger
	metrics    *metrics.Registry
	cadence    time.Duration
	log        zerolog.Logger
}

// NewGenerator creates a generator. ledger may be nil.
func NewGenerator(tool MediaTool, acquirer *Acquirer, normalizer *Normalizer, ledger database.Ledger, registry *metrics.Registry, logger zerolog.Logger) *Generator {
	return &Generator{
		tool:       tool,
		acquirer:   acquirer,
		normalizer: normalizer,
		ledger:     ledger,
		metrics:    registry,
		cadence:    timeline.DefaultCadence,
		log:        logger,
	}
}

// Generate builds the stream for one camera. Any error is fatal for this
// camera only.
func (g *Generator) Generate(ctx context.Context, job CameraJob) (*StreamableAsset, error) {
	timer := metrics.NewStageTimer(job.Camera, g.metrics, g.log)
	defer timer.Finalize()

	asset, err := g.generate(ctx, job, timer)
	if err != nil {
		g.record(ctx, job, database.StageFailed, 0, 0, err)
		return nil, err
	}
	return asset, nil
}

func (g *Generator) generate(ctx context.Context, job CameraJob, timer *metrics.StageTimer) (*StreamableAsset, error) {
	log := g.log.With().Str("camera", job.Camera).Str("device_id", job.DeviceID).Logger()

	grid, err := timeline.BuildGrid(job.Start, job.End, g.cadence)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(job.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create camera directory: %w", err)
	}

	layout := timeline.Layout{Dir: job.Dir, Placeholder: job.Placeholder}
	bindings := timeline.Match(grid, job.Records, layout)
	captured, missing := timeline.Counts(bindings)
	g.metrics.AddSlots(metrics.BindingCaptured, captured)
	g.metrics.AddSlots(metrics.BindingMissing, missing)
	log.Info().Int("slots", len(grid)).Int("captured", captured).Int("missing", missing).Msg("timeline built")
	g.record(ctx, job, database.StagePlanned, captured, missing, nil)

	timer.Start("acquire")
	report, err := g.acquirer.Acquire(ctx, timeline.CapturedClips(bindings))
	timer.End("acquire")
	if err != nil {
		return nil, err
	}
	if report.Errors != nil {
		log.Warn().Err(report.Errors).Int("failed", len(report.Failed)).Msg("some clips could not be downloaded")
	}
	log.Info().
		Int("present", report.Present).
		Int("copied", report.Copied).
		Int("downloaded", report.Downloaded).
		Int("unresolved", len(report.Failed)).
		Msg("clips acquired")
	bindings = bindUnavailable(bindings, layout, log)

	timer.Start("normalize")
	clips, norm, err := g.normalizer.Normalize(ctx, bindings, job.Placeholder)
	timer.End("normalize")
	if err != nil {
		return nil, err
	}
	log.Info().
		Int("padded", norm.Padded).
		Int("trimmed", norm.Trimmed).
		Int("substituted", norm.Substituted).
		Msg("clips normalized")

	plan := manifest.Build(clips, g.tool.FPS())
	listPath := filepath.Join(job.Dir, manifest.FileName)
	if err := manifest.WriteFile(listPath, plan); err != nil {
		return nil, err
	}

	asset := &StreamableAsset{
		Dir:      job.Dir,
		Manifest: listPath,
		Video:    filepath.Join(job.Dir, VideoFileName),
		Playlist: filepath.Join(job.Dir, PlaylistFileName),
		Preview:  filepath.Join(job.Dir, PreviewFileName),
		Captured: captured,
		Missing:  missing,
		Duration: plan.Duration(),
	}

	timer.Start("concat")
	err = g.concat(ctx, listPath, asset.Video, job.Rewrite, log)
	timer.End("concat")
	if err != nil {
		return nil, err
	}
	g.record(ctx, job, database.StageConcatenated, 0, 0, nil)

	timer.Start("segment")
	err = g.tool.Segment(ctx, asset.Video, asset.Playlist, job.Rewrite)
	timer.End("segment")
	if err != nil {
		return nil, err
	}
	g.record(ctx, job, database.StageSegmented, 0, 0, nil)

	timer.Start("preview")
	asset.HasPreview, err = g.tool.Preview(ctx, asset.Video, asset.Preview, job.Rewrite)
	timer.End("preview")
	if err != nil {
		return nil, err
	}
	g.record(ctx, job, database.StagePreviewed, 0, 0, nil)

	log.Info().Dur("duration", asset.Duration).Str("playlist", asset.Playlist).Msg("streamable video ready")
	return asset, nil
}

// concat runs the concatenation. The first attempt keeps a valid existing
// output unless rewrite is set; retries always start from a fresh output.
func (g *Generator) concat(ctx context.Context, listPath, output string, rewrite bool, log zerolog.Logger) error {
	return retry.WithRepair(ctx, concatAttempts,
		func(ctx context.Context, attempt int) error {
			return g.tool.Concat(ctx, listPath, output, rewrite || attempt > 1)
		},
		func(context.Context) error {
			if err := os.Remove(output); err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			return nil
		},
		retry.OnFailure(func(attempt, attempts int, err error) {
			log.Warn().Err(err).Int("attempt", attempt).Int("attempts", attempts).Msg("concatenation failed")
		}),
	)
}

// bindUnavailable turns captured slots whose file never arrived into missing
// slots.
func bindUnavailable(bindings []timeline.SlotBinding, layout timeline.Layout, log zerolog.Logger) []timeline.SlotBinding {
	out := make([]timeline.SlotBinding, len(bindings))
	for i, b := range bindings {
		c, ok := b.(timeline.Captured)
		if ok && !fileExists(c.Clip.LocalPath) {
			log.Warn().Str("slot", c.Clip.Slot.String()).Str("key", c.Clip.Key).Msg("clip unavailable, using placeholder")
			out[i] = timeline.Missing{At: c.Clip.Slot, Placeholder: timeline.PlaceholderRef{Path: layout.Placeholder}}
			continue
		}
		out[i] = b
	}
	return out
}

func (g *Generator) record(ctx context.Context, job CameraJob, stage database.Stage, captured, missing int, cause error) {
	if g.ledger == nil || job.RunID == uuid.Nil {
		return
	}
	cam := database.CameraRun{
		RunID:        job.RunID,
		DeviceID:     job.DeviceID,
		AssignmentID: job.AssignmentID,
		Camera:       job.Camera,
		Stage:        stage,
		Captured:     captured,
		Missing:      missing,
	}
	if cause != nil {
		cam.ErrorMessage = cause.Error()
	}
	// Cancelled runs still record their final stage.
	if err := g.ledger.UpsertCamera(context.WithoutCancel(ctx), cam); err != nil {
		g.log.Warn().Err(err).Str("camera", job.Camera).Str("stage", string(stage)).Msg("failed to update ledger")
	}
}
