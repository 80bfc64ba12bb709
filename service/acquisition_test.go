package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"video-prepare/storage"
	"video-prepare/timeline"
)

func capturedClips(t *testing.T, dir string, recs []timeline.Metadata) []timeline.ClipRecord {
	t.Helper()
	grid, err := timeline.BuildGrid(rangeStart, rangeStart.Add(time.Minute), timeline.DefaultCadence)
	require.NoError(t, err)
	layout := timeline.Layout{Dir: dir, Placeholder: filepath.Join(dir, "..", PlaceholderFileName)}
	return timeline.CapturedClips(timeline.Match(grid, recs, layout))
}

func TestAcquireSecondRunDownloadsNothing(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	dir := t.TempDir()
	recs := records("cam", 6)
	fetcher := fetcherFor(recs, 100)
	a := NewAcquirer("", storage.NewBatchDownloader(fetcher, 3, zerolog.Nop()), 4, nil, zerolog.Nop())
	clips := capturedClips(t, dir, recs)

	first, err := a.Acquire(context.Background(), clips)
	require.NoError(t, err)
	assert.Equal(t, 6, first.Downloaded)
	assert.Equal(t, 6, fetcher.calls())

	second, err := a.Acquire(context.Background(), clips)
	require.NoError(t, err)
	assert.Equal(t, 6, second.Present)
	assert.Zero(t, second.Downloaded)
	assert.Equal(t, 6, fetcher.calls(), "no redundant downloads")

	for _, c := range clips {
		assert.FileExists(t, c.LocalPath)
	}
	leftovers, err := filepath.Glob(filepath.Join(dir, ".staging-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers, "staging directory is removed")
}

func TestAcquireCopyTierFallsThroughToDownload(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	raw := t.TempDir()
	dir := t.TempDir()
	recs := records("cam", 4)
	// Only the first two clips are on the raw mount.
	for _, r := range recs[:2] {
		writeClip(t, filepath.Join(raw, r.Path), 100)
	}
	fetcher := fetcherFor(recs, 100)
	a := NewAcquirer(raw, storage.NewBatchDownloader(fetcher, 2, zerolog.Nop()), 20, nil, zerolog.Nop())

	report, err := a.Acquire(context.Background(), capturedClips(t, dir, recs))
	require.NoError(t, err)
	assert.Equal(t, 2, report.Copied)
	assert.Equal(t, 2, report.Downloaded)
	assert.ElementsMatch(t, []string{recs[2].Path, recs[3].Path}, fetcher.fetched)
}

func TestAcquirePartialDownload(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	dir := t.TempDir()
	recs := records("cam", 3)
	fetcher := fetcherFor(recs, 100)
	delete(fetcher.clips, recs[1].Path)
	a := NewAcquirer("", storage.NewBatchDownloader(fetcher, 2, zerolog.Nop()), 4, nil, zerolog.Nop())

	clips := capturedClips(t, dir, recs)
	report, err := a.Acquire(context.Background(), clips)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Downloaded)
	assert.Equal(t, []string{recs[1].Path}, report.Failed)
	assert.Error(t, report.Errors)
	assert.NoFileExists(t, clips[1].LocalPath)
}

func TestAcquireWithoutDownloadTier(t *testing.T) {
	dir := t.TempDir()
	recs := records("cam", 2)
	a := NewAcquirer("", nil, 4, nil, zerolog.Nop())

	report, err := a.Acquire(context.Background(), capturedClips(t, dir, recs))
	require.NoError(t, err)
	assert.Len(t, report.Failed, 2)
}

type renameBlocker struct {
	*fakeFetcher
	block string
}

// FetchTo succeeds, then turns the final path into a directory so the move
// into place fails.
func (r *renameBlocker) FetchTo(ctx context.Context, key, dest string) error {
	if err := r.fakeFetcher.FetchTo(ctx, key, dest); err != nil {
		return err
	}
	return os.MkdirAll(filepath.Join(r.block, "occupied"), 0o755)
}

func TestAcquireMoveFailureIsFatal(t *testing.T) {
	dir := t.TempDir()
	recs := records("cam", 1)
	clips := capturedClips(t, dir, recs)
	fetcher := &renameBlocker{fakeFetcher: fetcherFor(recs, 100), block: clips[0].LocalPath}
	a := NewAcquirer("", storage.NewBatchDownloader(fetcher, 1, zerolog.Nop()), 1, nil, zerolog.Nop())

	_, err := a.Acquire(context.Background(), clips)
	var acqErr *AcquisitionError
	require.True(t, errors.As(err, &acqErr), "got %v", err)
	assert.Equal(t, recs[0].Path, acqErr.Key)
	assert.Equal(t, clips[0].LocalPath, acqErr.Path)
}
