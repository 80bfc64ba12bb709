package transcode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner records invocations. ffprobe answers come from probes, ffmpeg
// calls write a marker file at their output path unless fail says otherwise.
type fakeRunner struct {
	mu     sync.Mutex
	calls  [][]string
	probes map[string]string
	fail   func(args []string) error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{probes: map[string]string{}}
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string{name}, args...))
	f.mu.Unlock()

	if name == "ffprobe" {
		path := args[len(args)-1]
		out, ok := f.probes[path]
		if !ok {
			return nil, &CommandError{Name: name, Err: errors.New("exit status 1"), Stderr: "Invalid data found when processing input"}
		}
		return []byte(out), nil
	}

	if f.fail != nil {
		if err := f.fail(args); err != nil {
			return nil, err
		}
	}
	out := outputOf(args)
	if out != "" {
		if err := os.WriteFile(out, []byte("rendered by "+strings.Join(args, " ")), 0o644); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func (f *fakeRunner) ffmpegCalls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]string
	for _, c := range f.calls {
		if c[0] == "ffmpeg" {
			out = append(out, c[1:])
		}
	}
	return out
}

func outputOf(args []string) string {
	for i := len(args) - 1; i >= 0; i-- {
		if args[i] == "-y" {
			continue
		}
		return strings.TrimPrefix(args[i], "file:")
	}
	return ""
}

func probeJSON(frames string) string {
	return fmt.Sprintf(`{"streams":[{"index":0,"codec_type":"audio"},{"index":1,"codec_type":"video","codec_name":"h264","nb_frames":%q,"avg_frame_rate":"10/1"}],"format":{"format_name":"mov,mp4","duration":"10.0"}}`, frames)
}

type staticValidator bool

func (v staticValidator) IsValid(ctx context.Context, path string) bool { return bool(v) }

func hasPair(args []string, flag, value string) bool {
	for i := 0; i+1 < len(args); i++ {
		if args[i] == flag && args[i+1] == value {
			return true
		}
	}
	return false
}

func indexOf(args []string, v string) int {
	for i, a := range args {
		if a == v {
			return i
		}
	}
	return -1
}

func newTestTranscoder(r Runner) *Transcoder {
	return NewTranscoder(DefaultOptions(), r, zerolog.Nop())
}

func TestCountFrames(t *testing.T) {
	r := newFakeRunner()
	r.probes["/clips/ok.mp4"] = probeJSON("97")
	r.probes["/clips/na.mp4"] = probeJSON("N/A")
	r.probes["/clips/audio.mp4"] = `{"streams":[{"codec_type":"audio"}]}`
	r.probes["/clips/garbage.mp4"] = `not json`
	tc := newTestTranscoder(r)

	frames, err := tc.CountFrames(context.Background(), "/clips/ok.mp4")
	require.NoError(t, err)
	assert.Equal(t, 97, frames)

	for _, p := range []string{"/clips/na.mp4", "/clips/audio.mp4", "/clips/garbage.mp4", "/clips/missing.mp4"} {
		_, err := tc.CountFrames(context.Background(), p)
		var probeErr *ProbeError
		require.True(t, errors.As(err, &probeErr), "%s: expected ProbeError, got %v", p, err)
		assert.Equal(t, p, probeErr.Path)
	}
}

func TestPadArgs(t *testing.T) {
	tc := newTestTranscoder(newFakeRunner())
	args := tc.PadArgs("/c/a.mp4.tmp", "/c/a.mp4", 3)

	assert.True(t, hasPair(args, "-i", "/c/a.mp4.tmp"), "%v", args)
	assert.True(t, hasPair(args, "-filter_complex", "tpad=stop_duration=0.3:stop_mode=clone"), "%v", args)
	assert.Contains(t, args, "/c/a.mp4")
	assert.Contains(t, args, "-y")
}

func TestConcatArgs(t *testing.T) {
	tc := newTestTranscoder(newFakeRunner())
	args := tc.ConcatArgs("/c/m3u8_files.txt", "/c/output.mp4")

	in := indexOf(args, "-i")
	require.GreaterOrEqual(t, in, 0)
	assert.Equal(t, "file:/c/m3u8_files.txt", args[in+1])
	assert.True(t, hasPair(args[:in], "-f", "concat"), "%v", args)
	assert.True(t, hasPair(args[:in], "-safe", "0"), "%v", args)
	assert.True(t, hasPair(args[:in], "-r", "10"), "%v", args)
	assert.True(t, hasPair(args[in:], "-c", "copy"), "%v", args)
	assert.True(t, hasPair(args[in:], "-vsync", "0"), "%v", args)
	assert.Contains(t, args, "file:/c/output.mp4")
}

func TestSegmentArgs(t *testing.T) {
	tc := newTestTranscoder(newFakeRunner())
	args := tc.SegmentArgs("/c/output.mp4", "/c/output.m3u8")

	assert.True(t, hasPair(args, "-f", "hls"), "%v", args)
	assert.True(t, hasPair(args, "-hls_time", "10"), "%v", args)
	assert.True(t, hasPair(args, "-hls_list_size", "0"), "%v", args)
	assert.True(t, hasPair(args, "-c", "copy"), "%v", args)
	assert.Equal(t, "/c/output.m3u8", args[len(args)-1])
}

func TestPadRewritesInPlace(t *testing.T) {
	dir := t.TempDir()
	clip := filepath.Join(dir, "clip.mp4")
	require.NoError(t, os.WriteFile(clip, []byte("original"), 0o644))

	r := newFakeRunner()
	tc := newTestTranscoder(r)
	require.NoError(t, tc.Pad(context.Background(), clip, 3))

	calls := r.ffmpegCalls()
	require.Len(t, calls, 1)
	assert.True(t, hasPair(calls[0], "-i", clip+".tmp"))

	data, err := os.ReadFile(clip)
	require.NoError(t, err)
	assert.Contains(t, string(data), "rendered by")
	_, err = os.Stat(clip + ".tmp")
	assert.True(t, os.IsNotExist(err), "temporary copy must be removed")
}

func TestPadRejectsNonPositive(t *testing.T) {
	r := newFakeRunner()
	tc := newTestTranscoder(r)
	assert.Error(t, tc.Pad(context.Background(), "/nope.mp4", 0))
	assert.Empty(t, r.ffmpegCalls())
}

func TestTrimFailureRestoresOriginal(t *testing.T) {
	dir := t.TempDir()
	clip := filepath.Join(dir, "clip.mp4")
	require.NoError(t, os.WriteFile(clip, []byte("original"), 0o644))

	r := newFakeRunner()
	r.fail = func(args []string) error { return errors.New("exit status 1") }
	tc := newTestTranscoder(r)

	err := tc.Trim(context.Background(), clip)
	var tErr *TranscodeError
	require.True(t, errors.As(err, &tErr))
	assert.Equal(t, StageTrim, tErr.Stage)

	data, err := os.ReadFile(clip)
	require.NoError(t, err)
	assert.Equal(t, "original", string(data))
	_, err = os.Stat(clip + ".tmp")
	assert.True(t, os.IsNotExist(err))

	args := r.ffmpegCalls()[0]
	in := indexOf(args, "-i")
	assert.True(t, hasPair(args[:in], "-ss", "0"), "%v", args)
	assert.True(t, hasPair(args[:in], "-to", "10"), "%v", args)
	assert.True(t, hasPair(args[in:], "-vframes", "100"), "%v", args)
	assert.True(t, hasPair(args[in:], "-r", "10"), "%v", args)
}

func TestConcatKeepsValidExistingOutput(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "output.mp4")
	require.NoError(t, os.WriteFile(out, []byte("previous"), 0o644))

	r := newFakeRunner()
	tc := newTestTranscoder(r)
	tc.SetValidator(staticValidator(true))

	require.NoError(t, tc.Concat(context.Background(), filepath.Join(dir, "list.txt"), out, false))
	assert.Empty(t, r.ffmpegCalls())

	require.NoError(t, tc.Concat(context.Background(), filepath.Join(dir, "list.txt"), out, true))
	assert.Len(t, r.ffmpegCalls(), 1)
}

func TestConcatReplacesCorruptOutput(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "output.mp4")
	require.NoError(t, os.WriteFile(out, []byte("truncated"), 0o644))

	r := newFakeRunner()
	tc := newTestTranscoder(r)
	tc.SetValidator(staticValidator(false))

	require.NoError(t, tc.Concat(context.Background(), filepath.Join(dir, "list.txt"), out, false))
	require.Len(t, r.ffmpegCalls(), 1)
	data, _ := os.ReadFile(out)
	assert.Contains(t, string(data), "rendered by")
}

func TestSegmentRespectsRewrite(t *testing.T) {
	dir := t.TempDir()
	playlist := filepath.Join(dir, "output.m3u8")
	stale := []string{"output0.ts", "output1.ts", "output17.ts"}
	require.NoError(t, os.WriteFile(playlist, []byte("#EXTM3U"), 0o644))
	for _, s := range stale {
		require.NoError(t, os.WriteFile(filepath.Join(dir, s), []byte("ts"), 0o644))
	}
	unrelated := filepath.Join(dir, "clip.mp4")
	require.NoError(t, os.WriteFile(unrelated, []byte("mp4"), 0o644))

	r := newFakeRunner()
	tc := newTestTranscoder(r)

	require.NoError(t, tc.Segment(context.Background(), filepath.Join(dir, "output.mp4"), playlist, false))
	assert.Empty(t, r.ffmpegCalls(), "existing playlist without rewrite is a no-op")

	require.NoError(t, tc.Segment(context.Background(), filepath.Join(dir, "output.mp4"), playlist, true))
	assert.Len(t, r.ffmpegCalls(), 1)
	for _, s := range stale {
		_, err := os.Stat(filepath.Join(dir, s))
		assert.True(t, os.IsNotExist(err), "%s should be removed", s)
	}
	_, err := os.Stat(unrelated)
	assert.NoError(t, err)
}

func TestPreviewSeek(t *testing.T) {
	assert.Equal(t, 30, PreviewSeek(600, 10))
	assert.Equal(t, 5, PreviewSeek(100, 10))
	assert.Equal(t, 0, PreviewSeek(4, 10))
	assert.Equal(t, 1, PreviewSeek(10, 10))
	assert.Equal(t, 0, PreviewSeek(100, 0))
}

func TestPreview(t *testing.T) {
	dir := t.TempDir()
	master := filepath.Join(dir, "output.mp4")
	preview := filepath.Join(dir, "output-preview.jpg")

	r := newFakeRunner()
	r.probes[master] = probeJSON("600")
	tc := newTestTranscoder(r)

	made, err := tc.Preview(context.Background(), master, preview, false)
	require.NoError(t, err)
	assert.True(t, made)
	args := r.ffmpegCalls()[0]
	assert.True(t, hasPair(args, "-ss", "30"), "%v", args)
	assert.True(t, hasPair(args, "-f", "image2"), "%v", args)
	assert.True(t, hasPair(args, "-vframes", "1"), "%v", args)

	made, err = tc.Preview(context.Background(), master, preview, false)
	require.NoError(t, err)
	assert.True(t, made)
	assert.Len(t, r.ffmpegCalls(), 1, "existing preview is reused")
}

func TestPreviewSkipsUnreadableInput(t *testing.T) {
	dir := t.TempDir()
	r := newFakeRunner()
	var logs strings.Builder
	tc := NewTranscoder(Options{}, r, zerolog.New(&logs))

	made, err := tc.Preview(context.Background(), filepath.Join(dir, "output.mp4"), filepath.Join(dir, "p.jpg"), true)
	require.NoError(t, err)
	assert.False(t, made)
	assert.Empty(t, r.ffmpegCalls())
	assert.Contains(t, logs.String(), `"level":"warn"`)
	assert.NotContains(t, logs.String(), `"level":"error"`, "a skipped preview is only a warning")
}

func TestEnsurePlaceholder(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "env", "name", "empty_frames.video.mp4")

	r := newFakeRunner()
	tc := newTestTranscoder(r)

	require.NoError(t, tc.EnsurePlaceholder(context.Background(), path, false))
	require.Len(t, r.ffmpegCalls(), 1)
	args := r.ffmpegCalls()[0]
	assert.True(t, hasPair(args, "-f", "lavfi"), "%v", args)
	assert.True(t, hasPair(args, "-vframes", "100"), "%v", args)
	assert.True(t, hasPair(args, "-f", "mp4"), "%v", args)
	_, err := os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, tc.EnsurePlaceholder(context.Background(), path, false))
	assert.Len(t, r.ffmpegCalls(), 1, "existing placeholder is reused")

	require.NoError(t, tc.EnsurePlaceholder(context.Background(), path, true))
	assert.Len(t, r.ffmpegCalls(), 2)

	leftovers, _ := filepath.Glob(filepath.Join(filepath.Dir(path), ".placeholder-*"))
	assert.Empty(t, leftovers)
}

func TestEnsurePlaceholderFromImage(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions()
	opts.PlaceholderImage = "/assets/blank.jpg"
	r := newFakeRunner()
	tc := NewTranscoder(opts, r, zerolog.Nop())

	require.NoError(t, tc.EnsurePlaceholder(context.Background(), filepath.Join(dir, "empty.mp4"), false))
	args := r.ffmpegCalls()[0]
	assert.True(t, hasPair(args, "-loop", "1"), "%v", args)
	assert.True(t, hasPair(args, "-to", "10"), "%v", args)
	assert.True(t, hasPair(args, "-i", "/assets/blank.jpg"), "%v", args)
}

func TestScanDiagnosticsClean(t *testing.T) {
	r := strings.NewReader("frame=1\nframe=2\nframe=2\nframe=3\n")
	assert.Equal(t, VerdictClean, ScanDiagnostics(r, time.Second, 30))
}

func TestScanDiagnosticsRepeating(t *testing.T) {
	var b strings.Builder
	b.WriteString("Input #0, hls\n")
	for i := 0; i < 40; i++ {
		b.WriteString("Skip ('#EXT-X-VERSION:3')\n")
	}
	assert.Equal(t, VerdictRepeating, ScanDiagnostics(strings.NewReader(b.String()), time.Second, 30))

	b.Reset()
	for i := 0; i < 31; i++ {
		b.WriteString("same\n")
	}
	assert.Equal(t, VerdictClean, ScanDiagnostics(strings.NewReader(b.String()), time.Second, 30),
		"thirty repeats after the first line are tolerated")
}

func TestScanDiagnosticsStalled(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	go func() {
		pw.Write([]byte("Input #0\n"))
	}()

	start := time.Now()
	verdict := ScanDiagnostics(pr, 50*time.Millisecond, 30)
	assert.Equal(t, VerdictStalled, verdict)
	assert.Less(t, time.Since(start), 2*time.Second)
	pr.Close()
}
