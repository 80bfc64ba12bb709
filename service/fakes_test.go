package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"video-prepare/api"
	"video-prepare/database"
	"video-prepare/storage"
	"video-prepare/timeline"
	"video-prepare/transcode"
)

var rangeStart = time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)

// Clip files in these tests hold their frame count as text. Anything that
// does not parse is a corrupt clip.
func writeClip(t *testing.T, path string, frames int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(frames)), 0o644))
}

func readFrames(t *testing.T, path string) int {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	n, err := strconv.Atoi(string(b))
	require.NoError(t, err)
	return n
}

// fakeTool is a MediaTool over frame-count files.
type fakeTool struct {
	mu              sync.Mutex
	probes          map[string]int
	pads            map[string]int
	trims           []string
	concats         int
	concatFails     int
	concatSawOutput []bool
	segments        int
	previews        int
}

func newFakeTool() *fakeTool {
	return &fakeTool{probes: map[string]int{}, pads: map[string]int{}}
}

func (f *fakeTool) FramesPerClip() int { return 100 }
func (f *fakeTool) FPS() int           { return 10 }

func (f *fakeTool) CountFrames(ctx context.Context, path string) (int, error) {
	f.mu.Lock()
	f.probes[path]++
	f.mu.Unlock()
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, &transcode.ProbeError{Path: path, Err: err}
	}
	n, err := strconv.Atoi(string(b))
	if err != nil {
		return 0, &transcode.ProbeError{Path: path, Err: errors.New("moov atom not found")}
	}
	return n, nil
}

func (f *fakeTool) Pad(ctx context.Context, path string, frames int) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	n, err := strconv.Atoi(string(b))
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.pads[path] = frames
	f.mu.Unlock()
	return os.WriteFile(path, []byte(strconv.Itoa(n+frames)), 0o644)
}

func (f *fakeTool) Trim(ctx context.Context, path string) error {
	f.mu.Lock()
	f.trims = append(f.trims, path)
	f.mu.Unlock()
	return os.WriteFile(path, []byte("100"), 0o644)
}

func (f *fakeTool) Concat(ctx context.Context, listPath, output string, rewrite bool) error {
	_, statErr := os.Stat(output)
	f.mu.Lock()
	f.concats++
	f.concatSawOutput = append(f.concatSawOutput, statErr == nil)
	fail := f.concats <= f.concatFails
	f.mu.Unlock()
	if fail {
		os.WriteFile(output, []byte("partial"), 0o644)
		return &transcode.TranscodeError{Stage: transcode.StageConcat, Path: output, Err: errors.New("exit status 1")}
	}
	if statErr == nil && !rewrite {
		return nil
	}
	list, err := os.ReadFile(listPath)
	if err != nil {
		return err
	}
	return os.WriteFile(output, list, 0o644)
}

func (f *fakeTool) Segment(ctx context.Context, input, playlist string, rewrite bool) error {
	f.mu.Lock()
	f.segments++
	f.mu.Unlock()
	return os.WriteFile(playlist, []byte("#EXTM3U\n"), 0o644)
}

func (f *fakeTool) Preview(ctx context.Context, input, output string, rewrite bool) (bool, error) {
	f.mu.Lock()
	f.previews++
	f.mu.Unlock()
	return true, os.WriteFile(output, []byte("jpg"), 0o644)
}

func (f *fakeTool) EnsurePlaceholder(ctx context.Context, path string, rewrite bool) error {
	if _, err := os.Stat(path); err == nil && !rewrite {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte("100"), 0o644)
}

func (f *fakeTool) probeCount(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probes[path]
}

// fakeFetcher serves frame counts by key.
type fakeFetcher struct {
	mu      sync.Mutex
	clips   map[string]string
	fetched []string
}

func (f *fakeFetcher) FetchTo(ctx context.Context, key, dest string) error {
	f.mu.Lock()
	f.fetched = append(f.fetched, key)
	body, ok := f.clips[key]
	f.mu.Unlock()
	if !ok {
		return errors.New("404 not found")
	}
	return os.WriteFile(dest, []byte(body), 0o644)
}

func (f *fakeFetcher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fetched)
}

// fakeLedger keeps the stages each camera passed through.
type fakeLedger struct {
	mu     sync.Mutex
	runs   map[uuid.UUID]*database.Run
	stages map[string][]database.Stage
	cams   map[string]database.CameraRun
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		runs:   map[uuid.UUID]*database.Run{},
		stages: map[string][]database.Stage{},
		cams:   map[string]database.CameraRun{},
	}
}

func (l *fakeLedger) CreateRun(ctx context.Context, run *database.Run) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	run.ID = uuid.New()
	run.Status = database.RunRunning
	cp := *run
	l.runs[run.ID] = &cp
	return nil
}

func (l *fakeLedger) SetRunEnvironment(ctx context.Context, id uuid.UUID, environmentID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.runs[id].EnvironmentID = environmentID
	return nil
}

func (l *fakeLedger) FinishRun(ctx context.Context, id uuid.UUID, status database.RunStatus, errMsg string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.runs[id].Status = status
	l.runs[id].ErrorMessage = errMsg
	return nil
}

func (l *fakeLedger) UpsertCamera(ctx context.Context, cam database.CameraRun) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stages[cam.Camera] = append(l.stages[cam.Camera], cam.Stage)
	prev := l.cams[cam.Camera]
	if cam.Captured+cam.Missing == 0 {
		cam.Captured, cam.Missing = prev.Captured, prev.Missing
	}
	l.cams[cam.Camera] = cam
	return nil
}

func (l *fakeLedger) RecentRuns(ctx context.Context, limit int) ([]database.Run, error) {
	return nil, nil
}

func (l *fakeLedger) CameraRuns(ctx context.Context, runID uuid.UUID) ([]database.CameraRun, error) {
	return nil, nil
}

func (l *fakeLedger) Close() error { return nil }

func (l *fakeLedger) only() *database.Run {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.runs {
		return r
	}
	return nil
}

// fakeDirectory is a fixed environment.
type fakeDirectory struct {
	envID       string
	assignments []api.Assignment
}

func (d *fakeDirectory) FindEnvironmentID(ctx context.Context, name string) (string, error) {
	if d.envID == "" {
		return "", api.ErrEnvironmentNotFound
	}
	return d.envID, nil
}

func (d *fakeDirectory) CameraAssignments(ctx context.Context, environmentID string) ([]api.Assignment, error) {
	return d.assignments, nil
}

// fakeMetadata answers per device; errs fail a device.
type fakeMetadata struct {
	records map[string][]timeline.Metadata
	errs    map[string]error
}

func (m *fakeMetadata) FetchMetadata(ctx context.Context, environmentID, deviceID string, start, end time.Time) ([]timeline.Metadata, error) {
	if err := m.errs[deviceID]; err != nil {
		return nil, &api.MetadataFetchError{DeviceID: deviceID, Err: err}
	}
	return m.records[deviceID], nil
}

// fakeRegistrar stores playsets in memory.
type fakeRegistrar struct {
	mu       sync.Mutex
	playsets map[string]*api.PlaysetResponse
	created  int
	deleted  int
	videos   []api.Video
	addErr   error
}

func newFakeRegistrar() *fakeRegistrar {
	return &fakeRegistrar{playsets: map[string]*api.PlaysetResponse{}}
}

func (r *fakeRegistrar) GetPlaysetByName(ctx context.Context, environmentID, name string) (*api.PlaysetResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.playsets[environmentID+"/"+name], nil
}

func (r *fakeRegistrar) DeletePlaysetByNameIfExists(ctx context.Context, environmentID, name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := environmentID + "/" + name
	if _, ok := r.playsets[key]; !ok {
		return false, nil
	}
	delete(r.playsets, key)
	r.deleted++
	return true, nil
}

func (r *fakeRegistrar) CreatePlayset(ctx context.Context, p api.Playset) (*api.PlaysetResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	created := &api.PlaysetResponse{ID: uuid.New(), Playset: p}
	r.playsets[p.ClassroomID+"/"+p.Name] = created
	r.created++
	return created, nil
}

func (r *fakeRegistrar) AddVideo(ctx context.Context, v api.Video) (*api.VideoResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.addErr != nil {
		return nil, r.addErr
	}
	r.videos = append(r.videos, v)
	return &api.VideoResponse{ID: uuid.New(), Video: v}, nil
}

// records returns one metadata record per slot, keyed raw/<device>/<n>.mp4.
func records(device string, slots int) []timeline.Metadata {
	out := make([]timeline.Metadata, 0, slots)
	for i := 0; i < slots; i++ {
		out = append(out, timeline.Metadata{
			DataID:    fmt.Sprintf("%s-%d", device, i),
			Path:      fmt.Sprintf("raw/%s/%d.mp4", device, i),
			Timestamp: rangeStart.Add(time.Duration(i) * 10 * time.Second),
		})
	}
	return out
}

// fetcherFor serves every record with the given frame count.
func fetcherFor(recs []timeline.Metadata, frames int) *fakeFetcher {
	f := &fakeFetcher{clips: map[string]string{}}
	for _, r := range recs {
		f.clips[r.Path] = strconv.Itoa(frames)
	}
	return f
}

func newTestGenerator(tool *fakeTool, fetcher storage.Fetcher, ledger database.Ledger) *Generator {
	log := zerolog.Nop()
	var downloader *storage.BatchDownloader
	if fetcher != nil {
		downloader = storage.NewBatchDownloader(fetcher, 4, log)
	}
	return NewGenerator(tool,
		NewAcquirer("", downloader, 4, nil, log),
		NewNormalizer(tool, 4, nil, log),
		ledger, nil, log)
}

func manifestLines(t *testing.T, path string) []string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimSuffix(string(b), "\n"), "\n")
}
