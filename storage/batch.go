package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Job names one object to download and the file name it gets in staging.
type Job struct {
	Key  string
	Name string
}

// Staged is a completed download.
type Staged struct {
	Job
	Path string
}

// DownloadError records why a single job failed.
type DownloadError struct {
	Key string
	Err error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download %s: %v", e.Key, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// BatchDownloader fetches many objects concurrently into a staging directory.
type BatchDownloader struct {
	fetcher Fetcher
	workers int
	log     zerolog.Logger
}

// NewBatchDownloader creates a downloader running at most workers fetches at once.
func NewBatchDownloader(fetcher Fetcher, workers int, logger zerolog.Logger) *BatchDownloader {
	if workers < 1 {
		workers = 1
	}
	return &BatchDownloader{fetcher: fetcher, workers: workers, log: logger}
}

// Download fetches every job into staging. A failing job does not stop the
// others: the successful subset is returned in job order together with the
// joined per-job errors. Only context cancellation aborts the batch.
func (b *BatchDownloader) Download(ctx context.Context, staging string, jobs []Job) ([]Staged, error) {
	done := make([]*Staged, len(jobs))
	var (
		mu   sync.Mutex
		errs []error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.workers)
	for i, job := range jobs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			dest := filepath.Join(staging, job.Name)
			if err := b.fetcher.FetchTo(gctx, job.Key, dest); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				b.log.Warn().Err(err).Str("key", job.Key).Msg("download failed")
				mu.Lock()
				errs = append(errs, &DownloadError{Key: job.Key, Err: err})
				mu.Unlock()
				return nil
			}
			done[i] = &Staged{Job: job, Path: dest}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	staged := make([]Staged, 0, len(jobs))
	for _, s := range done {
		if s != nil {
			staged = append(staged, *s)
		}
	}
	b.log.Info().Int("requested", len(jobs)).Int("downloaded", len(staged)).Msg("batch download finished")
	return staged, errors.Join(errs...)
}
