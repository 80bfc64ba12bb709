package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"video-prepare/metrics"
	"video-prepare/storage"
	"video-prepare/timeline"
)

// AcquisitionError means a downloaded clip could not be moved to its final
// path. The camera's storage is in an unknown state and processing stops.
type AcquisitionError struct {
	Key  string
	Path string
	Err  error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("acquire %s into %s: %v", e.Key, e.Path, e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

// AcquireReport counts how each captured clip was resolved.
type AcquireReport struct {
	Present    int
	Copied     int
	Downloaded int
	Failed     []string // keys left without a local file
	Errors     error    // joined per-clip download errors
}

// Acquirer materialises captured clips on local disk. Each tier only sees
// the clips the previous tier could not resolve: existing file, copy from
// the raw store, download.
type Acquirer struct {
	copier      *storage.RawCopier
	downloader  *storage.BatchDownloader
	copyWorkers int
	metrics     *metrics.Registry
	log         zerolog.Logger
}

// NewAcquirer creates an Acquirer. An empty rawRoot disables the copy tier and
// a nil downloader disables the download tier.
func NewAcquirer(rawRoot string, downloader *storage.BatchDownloader, copyWorkers int, registry *metrics.Registry, logger zerolog.Logger) *Acquirer {
	a := &Acquirer{
		downloader:  downloader,
		copyWorkers: max(copyWorkers, 1),
		metrics:     registry,
		log:         logger,
	}
	if rawRoot != "" {
		a.copier = &storage.RawCopier{Root: rawRoot}
	}
	return a
}

// Acquire resolves every clip to its LocalPath. Clips that no tier could
// provide are listed in the report and left for the caller to replace. The
// returned error is reserved for failures that leave the camera directory
// inconsistent, and for cancellation.
func (a *Acquirer) Acquire(ctx context.Context, clips []timeline.ClipRecord) (AcquireReport, error) {
	var report AcquireReport

	pending := make([]timeline.ClipRecord, 0, len(clips))
	for _, c := range clips {
		if fileExists(c.LocalPath) {
			report.Present++
			a.metrics.ObserveAcquisition(metrics.TierLocal, metrics.ResultOK)
			continue
		}
		pending = append(pending, c)
	}
	if len(pending) == 0 {
		return report, nil
	}

	if a.copier != nil {
		var err error
		pending, err = a.copyAll(ctx, pending, &report)
		if err != nil {
			return report, err
		}
	}
	if len(pending) == 0 {
		return report, nil
	}

	if a.downloader == nil {
		for _, c := range pending {
			report.Failed = append(report.Failed, c.Key)
		}
		a.log.Warn().Int("clips", len(pending)).Msg("no download tier configured, clips left unresolved")
		return report, nil
	}
	return report, a.downloadAll(ctx, pending, &report)
}

// copyAll tries the raw store for every clip and returns those still missing.
func (a *Acquirer) copyAll(ctx context.Context, clips []timeline.ClipRecord, report *AcquireReport) ([]timeline.ClipRecord, error) {
	copied := make([]bool, len(clips))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.copyWorkers)
	for i, c := range clips {
		g.Go(func() error {
			if err := a.copier.CopyTo(gctx, c.Key, c.LocalPath); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				a.log.Warn().Err(err).Str("key", c.Key).Msg("failed copying clip from raw storage, will download")
				a.metrics.ObserveAcquisition(metrics.TierCopy, metrics.ResultFailed)
				return nil
			}
			a.metrics.ObserveAcquisition(metrics.TierCopy, metrics.ResultOK)
			copied[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	remaining := clips[:0:0]
	for i, c := range clips {
		if copied[i] {
			report.Copied++
			continue
		}
		remaining = append(remaining, c)
	}
	return remaining, nil
}

// downloadAll fetches clips into a staging directory next to their final
// location and renames each one into place.
func (a *Acquirer) downloadAll(ctx context.Context, clips []timeline.ClipRecord, report *AcquireReport) error {
	dir := filepath.Dir(clips[0].LocalPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	staging, err := os.MkdirTemp(dir, ".staging-")
	if err != nil {
		return fmt.Errorf("create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	byName := make(map[string]timeline.ClipRecord, len(clips))
	jobs := make([]storage.Job, 0, len(clips))
	for _, c := range clips {
		name := filepath.Base(c.LocalPath)
		byName[name] = c
		jobs = append(jobs, storage.Job{Key: c.Key, Name: name})
	}

	a.log.Info().Int("clips", len(jobs)).Str("staging", staging).Msg("downloading clips")
	staged, dlErr := a.downloader.Download(ctx, staging, jobs)
	if err := ctx.Err(); err != nil {
		return err
	}

	moved := make(map[string]bool, len(staged))
	for _, s := range staged {
		c := byName[s.Name]
		if err := os.Rename(s.Path, c.LocalPath); err != nil {
			a.metrics.ObserveAcquisition(metrics.TierDownload, metrics.ResultFailed)
			return &AcquisitionError{Key: c.Key, Path: c.LocalPath, Err: err}
		}
		moved[s.Name] = true
		report.Downloaded++
		a.metrics.ObserveAcquisition(metrics.TierDownload, metrics.ResultOK)
	}

	for _, j := range jobs {
		if !moved[j.Name] {
			report.Failed = append(report.Failed, j.Key)
			a.metrics.ObserveAcquisition(metrics.TierDownload, metrics.ResultFailed)
		}
	}
	report.Errors = dlErr
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
