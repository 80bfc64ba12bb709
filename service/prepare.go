package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"video-prepare/api"
	"video-prepare/database"
	"video-prepare/metrics"
	"video-prepare/retry"
	"video-prepare/storage"
	"video-prepare/timeline"
	"video-prepare/transcode"
)

// PlaceholderFileName is the shared filler clip of an output directory.
const PlaceholderFileName = "empty_frames.video.mp4"

// ErrNoCameraSucceeded is returned by Summary.Err when a run produced nothing.
var ErrNoCameraSucceeded = errors.New("no camera produced a streamable video")

// EnvironmentDirectory resolves environments and their cameras.
type EnvironmentDirectory interface {
	FindEnvironmentID(ctx context.Context, name string) (string, error)
	CameraAssignments(ctx context.Context, environmentID string) ([]api.Assignment, error)
}

// MetadataSource lists the clips a device recorded.
type MetadataSource interface {
	FetchMetadata(ctx context.Context, environmentID, deviceID string, start, end time.Time) ([]timeline.Metadata, error)
}

// Registrar records playsets and their videos.
type Registrar interface {
	GetPlaysetByName(ctx context.Context, environmentID, name string) (*api.PlaysetResponse, error)
	DeletePlaysetByNameIfExists(ctx context.Context, environmentID, name string) (bool, error)
	CreatePlayset(ctx context.Context, p api.Playset) (*api.PlaysetResponse, error)
	AddVideo(ctx context.Context, v api.Video) (*api.VideoResponse, error)
}

// PlaceholderMaker creates the filler clip.
type PlaceholderMaker interface {
	EnsurePlaceholder(ctx context.Context, path string, rewrite bool) error
}

// PrepareRequest describes one prepare run for an environment.
type PrepareRequest struct {
	Environment    string
	VideoDirectory string
	VideoName      string
	Start          time.Time
	End            time.Time
	Rewrite        bool
	Append         bool // accepted for compatibility, always ignored
	Cleanup        bool
	Cameras        []string
}

// CameraFailure is a camera that did not make it into the playset.
type CameraFailure struct {
	Camera string
	Err    error
}

// Summary is the outcome of a prepare run.
type Summary struct {
	RunID         uuid.UUID
	EnvironmentID string
	PlaysetID     uuid.UUID
	Skipped       bool // the playset already existed and rewrite was off
	Succeeded     []string
	Failed        []CameraFailure
}

// Err applies the exit policy: a run that was skipped succeeds, a run where
// no camera succeeded fails, and so does a camera whose stream could not be
// transcoded. With strict any failed camera fails the run.
func (s Summary) Err(strict bool) error {
	if s.Skipped {
		return nil
	}
	if len(s.Succeeded) == 0 {
		return ErrNoCameraSucceeded
	}
	var failed []string
	for _, f := range s.Failed {
		if strict || isTranscodeFailure(f.Err) {
			failed = append(failed, f.Camera)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d camera(s) failed: %s", len(failed), strings.Join(failed, ", "))
	}
	return nil
}

func isTranscodeFailure(err error) bool {
	var exhausted *retry.ExhaustedError
	var transcodeErr *transcode.TranscodeError
	return errors.As(err, &exhausted) || errors.As(err, &transcodeErr)
}

// Preparer runs the prepare flow for one environment: resolve it, replace or
// keep the playset, build every camera's stream and register it.
type Preparer struct {
	directory   EnvironmentDirectory
	metadata    MetadataSource
	registrar   Registrar
	placeholder PlaceholderMaker
	generator   *Generator
	ledger      database.Ledger
	metrics     *metrics.Registry
	log         zerolog.Logger
}

// NewPreparer wires a Preparer. ledger may be nil.
func NewPreparer(directory EnvironmentDirectory, metadata MetadataSource, registrar Registrar, placeholder PlaceholderMaker, generator *Generator, ledger database.Ledger, registry *metrics.Registry, logger zerolog.Logger) *Preparer {
	return &Preparer{
		directory:   directory,
		metadata:    metadata,
		registrar:   registrar,
		placeholder: placeholder,
		generator:   generator,
		ledger:      ledger,
		metrics:     registry,
		log:         logger,
	}
}

// Prepare runs req. The returned error means shared setup failed and nothing
// reliable was produced; per-camera failures are reported in the Summary.
func (p *Preparer) Prepare(ctx context.Context, req PrepareRequest) (Summary, error) {
	var summary Summary
	log := p.log.With().Str("environment", req.Environment).Str("name", req.VideoName).Logger()

	if req.Rewrite {
		log.Warn().Msg("Rewrite flag enabled! All generated images/video will be recreated.")
	}
	if req.Append {
		log.Warn().Msg("After switching to DB storage, append mode has been disabled")
	}

	grid, err := timeline.BuildGrid(req.Start, req.End, timeline.DefaultCadence)
	if err != nil {
		return summary, err
	}
	if len(grid) == 0 {
		log.Info().Time("start", req.Start).Time("end", req.End).Msg("range is shorter than one slot, nothing to generate")
		summary.Skipped = true
		return summary, nil
	}

	summary.RunID = p.startRun(ctx, req)
	status, err := p.prepare(ctx, req, &summary, log)
	p.finishRun(ctx, summary.RunID, status, err)
	return summary, err
}

func (p *Preparer) prepare(ctx context.Context, req PrepareRequest, summary *Summary, log zerolog.Logger) (database.RunStatus, error) {
	envID, err := p.directory.FindEnvironmentID(ctx, req.Environment)
	if err != nil {
		return database.RunFailed, err
	}
	summary.EnvironmentID = envID
	log = log.With().Str("environment_id", envID).Logger()
	if p.ledger != nil && summary.RunID != uuid.Nil {
		if err := p.ledger.SetRunEnvironment(ctx, summary.RunID, envID); err != nil {
			log.Warn().Err(err).Msg("failed to update ledger")
		}
	}

	outputDir, err := storage.EnsurePath(req.VideoDirectory, envID, req.VideoName)
	if err != nil {
		return database.RunFailed, fmt.Errorf("create output directory: %w", err)
	}

	existing, err := p.registrar.GetPlaysetByName(ctx, envID, req.VideoName)
	if err != nil {
		return database.RunFailed, err
	}
	if existing != nil {
		if !req.Rewrite {
			log.Warn().Msgf("Rewrite flag set to False and streamable video for environment '%s' with name '%s' already exists",
				req.Environment, req.VideoName)
			summary.Skipped = true
			return database.RunSkipped, nil
		}
		if _, err := p.registrar.DeletePlaysetByNameIfExists(ctx, envID, req.VideoName); err != nil {
			return database.RunFailed, err
		}
	}

	playset, err := p.registrar.CreatePlayset(ctx, api.Playset{
		ClassroomID: envID,
		Name:        req.VideoName,
		StartTime:   req.Start.UTC(),
		EndTime:     req.End.UTC(),
	})
	if err != nil {
		return database.RunFailed, err
	}
	summary.PlaysetID = playset.ID

	placeholder := filepath.Join(outputDir, PlaceholderFileName)
	if err := p.placeholder.EnsurePlaceholder(ctx, placeholder, req.Rewrite); err != nil {
		return database.RunFailed, err
	}

	assignments, err := p.directory.CameraAssignments(ctx, envID)
	if err != nil {
		return database.RunFailed, err
	}

	for _, a := range assignments {
		if len(req.Cameras) > 0 && !slices.ContainsFunc(req.Cameras, a.Matches) {
			log.Info().Msgf("Skipping camera '%s:%s', not in supplied cameras param", a.DeviceID, a.Name)
			continue
		}

		err := p.prepareCamera(ctx, req, envID, outputDir, placeholder, playset.ID, a, summary.RunID, log)
		if ctx.Err() != nil {
			return database.RunFailed, ctx.Err()
		}
		var permErr *api.PermissionError
		if errors.As(err, &permErr) {
			return database.RunFailed, err
		}
		if err != nil {
			log.Error().Err(err).Str("camera", a.Name).Str("device_id", a.DeviceID).Msg("failed generating streamable video")
			p.metrics.ObserveCameraRun(metrics.ResultFailed)
			summary.Failed = append(summary.Failed, CameraFailure{Camera: a.Name, Err: err})
			continue
		}
		p.metrics.ObserveCameraRun(metrics.ResultOK)
		summary.Succeeded = append(summary.Succeeded, a.Name)
	}

	switch {
	case len(summary.Succeeded) == 0:
		return database.RunFailed, nil
	case len(summary.Failed) > 0:
		return database.RunPartial, nil
	default:
		return database.RunSucceeded, nil
	}
}

func (p *Preparer) prepareCamera(ctx context.Context, req PrepareRequest, envID, outputDir, placeholder string, playsetID uuid.UUID, a api.Assignment, runID uuid.UUID, log zerolog.Logger) error {
	log = log.With().Str("camera", a.Name).Str("device_id", a.DeviceID).Logger()
	job := CameraJob{
		RunID:        runID,
		AssignmentID: a.AssignmentID,
		DeviceID:     a.DeviceID,
		Camera:       a.Name,
		Dir:          filepath.Join(outputDir, a.Name),
		Placeholder:  placeholder,
		Start:        req.Start,
		End:          req.End,
		Rewrite:      req.Rewrite,
	}
	if err := checkCameraName(a.Name); err != nil {
		p.generator.record(ctx, job, database.StageFailed, 0, 0, err)
		return err
	}

	log.Info().Time("start", req.Start).Time("end", req.End).Msg("fetching video metadata")
	records, err := p.metadata.FetchMetadata(ctx, envID, a.DeviceID, req.Start, req.End)
	if err != nil {
		p.generator.record(ctx, job, database.StageFailed, 0, 0, err)
		return err
	}
	log.Info().Int("videos", len(records)).Msg("video metadata fetched")
	if len(records) == 0 {
		log.Warn().Msgf("No videos for assignment: '%s':%s", a.AssignmentID, a.Name)
	}
	job.Records = records

	asset, err := p.generator.Generate(ctx, job)
	if err != nil {
		return err
	}

	if req.Cleanup {
		if err := removeStagedVideos(job.Dir); err != nil {
			log.Warn().Err(err).Msg("failed removing staged videos")
		}
	}

	base := fmt.Sprintf("/videos/%s/%s/%s/", envID, req.VideoName, a.Name)
	video := api.Video{
		PlaysetID:           playsetID,
		DeviceID:            a.DeviceID,
		DeviceName:          a.Name,
		URL:                 base + PlaylistFileName,
		PreviewURL:          base + PreviewFileName,
		PreviewThumbnailURL: base + PreviewFileName,
	}
	if _, err := p.registrar.AddVideo(ctx, video); err != nil {
		p.generator.record(ctx, job, database.StageFailed, 0, 0, err)
		return err
	}
	p.generator.record(ctx, job, database.StageDone, 0, 0, nil)
	log.Info().Str("url", video.URL).Bool("preview", asset.HasPreview).Msg("registered video")
	return nil
}

// checkCameraName rejects names that cannot be used as a single directory
// below the playset directory.
func checkCameraName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("camera name %q is not usable as a directory name", name)
	}
	return nil
}

// removeStagedVideos deletes every .mp4 in a camera directory. The HLS
// playlist, segments and preview are kept.
func removeStagedVideos(dir string) error {
	matches, err := filepath.Glob(filepath.Join(dir, "*.mp4"))
	if err != nil {
		return err
	}
	var errs []error
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Preparer) startRun(ctx context.Context, req PrepareRequest) uuid.UUID {
	if p.ledger == nil {
		return uuid.Nil
	}
	run := &database.Run{
		Environment: req.Environment,
		Name:        req.VideoName,
		RangeStart:  req.Start,
		RangeEnd:    req.End,
		Rewrite:     req.Rewrite,
	}
	if err := p.ledger.CreateRun(ctx, run); err != nil {
		p.log.Warn().Err(err).Msg("failed to record run, continuing without ledger")
		return uuid.Nil
	}
	return run.ID
}

func (p *Preparer) finishRun(ctx context.Context, id uuid.UUID, status database.RunStatus, cause error) {
	if p.ledger == nil || id == uuid.Nil {
		return
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := p.ledger.FinishRun(context.WithoutCancel(ctx), id, status, msg); err != nil {
		p.log.Warn().Err(err).Str("run_id", id.String()).Msg("failed to finish run")
	}
}
