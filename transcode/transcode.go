package transcode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	ffmpeg "github.com/u2takey/ffmpeg-go"
)

// Options holds the media parameters shared by every invocation.
type Options struct {
	FFmpegPath       string
	FFprobePath      string
	FPS              int
	Cadence          time.Duration
	ReadTimeout      time.Duration // validity check: max silence on stderr
	RepeatThreshold  int           // validity check: max identical stderr lines in a row
	PlaceholderImage string        // optional still image for the filler clip
}

// DefaultOptions matches the camera feeds: 10 fps, 10 second clips.
func DefaultOptions() Options {
	return Options{
		FFmpegPath:      "ffmpeg",
		FFprobePath:     "ffprobe",
		FPS:             10,
		Cadence:         10 * time.Second,
		ReadTimeout:     30 * time.Minute,
		RepeatThreshold: 30,
	}
}

// Transcoder wraps ffmpeg/ffprobe invocations for one run.
type Transcoder struct {
	opts      Options
	runner    Runner
	validator Validator
	log       zerolog.Logger
}

// NewTranscoder creates a new Transcoder. A nil runner uses ExecRunner.
func NewTranscoder(opts Options, runner Runner, logger zerolog.Logger) *Transcoder {
	def := DefaultOptions()
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = def.FFmpegPath
	}
	if opts.FFprobePath == "" {
		opts.FFprobePath = def.FFprobePath
	}
	if opts.FPS <= 0 {
		opts.FPS = def.FPS
	}
	if opts.Cadence <= 0 {
		opts.Cadence = def.Cadence
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = def.ReadTimeout
	}
	if opts.RepeatThreshold <= 0 {
		opts.RepeatThreshold = def.RepeatThreshold
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	t := &Transcoder{opts: opts, runner: runner, log: logger}
	t.validator = &StreamValidator{
		FFmpegPath:      opts.FFmpegPath,
		ReadTimeout:     opts.ReadTimeout,
		RepeatThreshold: opts.RepeatThreshold,
		Log:             logger,
	}
	return t
}

// SetValidator replaces the corruption check.
func (t *Transcoder) SetValidator(v Validator) { t.validator = v }

// FPS is the frame rate every output is written at.
func (t *Transcoder) FPS() int { return t.opts.FPS }

// FramesPerClip is the canonical frame count of one slot.
func (t *Transcoder) FramesPerClip() int {
	return int(t.opts.Cadence/time.Second) * t.opts.FPS
}

func (t *Transcoder) clipSeconds() int {
	return int(t.opts.Cadence / time.Second)
}

func (t *Transcoder) ffmpeg(ctx context.Context, stage, path string, stream *ffmpeg.Stream) error {
	args := stream.GetArgs()
	t.log.Debug().Str("stage", stage).Strs("args", args).Msg("running ffmpeg")
	if _, err := t.runner.Run(ctx, t.opts.FFmpegPath, args...); err != nil {
		return &TranscodeError{Stage: stage, Path: path, Err: err}
	}
	return nil
}

// IsValidVideo decodes path end to end and reports whether it looks intact.
func (t *Transcoder) IsValidVideo(ctx context.Context, path string) bool {
	return t.validator.IsValid(ctx, path)
}

// PadArgs builds the tpad invocation that clones the last frame.
func (t *Transcoder) PadArgs(input, output string, frames int) []string {
	return padStream(input, output, frames, t.opts.FPS).GetArgs()
}

func padStream(input, output string, frames, fps int) *ffmpeg.Stream {
	stop := strconv.FormatFloat(float64(frames)/float64(fps), 'f', -1, 64)
	return ffmpeg.Input(input).
		Output(output, ffmpeg.KwArgs{"filter_complex": "tpad=stop_duration=" + stop + ":stop_mode=clone"}).
		OverWriteOutput()
}

func trimStream(input, output string, seconds, fps, frames int) *ffmpeg.Stream {
	return ffmpeg.Input(input, ffmpeg.KwArgs{"ss": 0, "to": seconds}).
		Output(output, ffmpeg.KwArgs{"r": fps, "vframes": frames}).
		OverWriteOutput()
}

// Pad appends frames copies of the last frame to path, in place.
func (t *Transcoder) Pad(ctx context.Context, path string, frames int) error {
	if frames <= 0 {
		return fmt.Errorf("pad %s: frame count must be positive, got %d", path, frames)
	}
	t.log.Info().Str("path", path).Int("frames", frames).Msg("padding clip")
	return t.rewriteInPlace(ctx, StagePad, path, func(src string) *ffmpeg.Stream {
		return padStream(src, path, frames, t.opts.FPS)
	})
}

// Trim cuts path down to exactly one clip length, in place.
func (t *Transcoder) Trim(ctx context.Context, path string) error {
	t.log.Info().Str("path", path).Int("seconds", t.clipSeconds()).Msg("trimming clip")
	return t.rewriteInPlace(ctx, StageTrim, path, func(src string) *ffmpeg.Stream {
		return trimStream(src, path, t.clipSeconds(), t.opts.FPS, t.FramesPerClip())
	})
}

// rewriteInPlace copies path to <path>.tmp, transforms the copy back onto
// path and removes the copy. On failure the original bytes are restored.
func (t *Transcoder) rewriteInPlace(ctx context.Context, stage, path string, build func(src string) *ffmpeg.Stream) error {
	tmp := path + ".tmp"
	if err := copyFile(path, tmp); err != nil {
		return &TranscodeError{Stage: stage, Path: path, Err: err}
	}

	if err := t.ffmpeg(ctx, stage, path, build(tmp)); err != nil {
		if rerr := os.Rename(tmp, path); rerr != nil {
			t.log.Error().Err(rerr).Str("path", path).Msg("failed restoring original clip")
		}
		return err
	}
	if err := os.Remove(tmp); err != nil && !errors.Is(err, fs.ErrNotExist) {
		t.log.Warn().Err(err).Str("path", tmp).Msg("failed removing temporary copy")
	}
	return nil
}

// ConcatArgs builds the concat demuxer invocation for an edit-list.
func (t *Transcoder) ConcatArgs(listPath, output string) []string {
	return concatStream(listPath, output, t.opts.FPS).GetArgs()
}

func concatStream(listPath, output string, fps int) *ffmpeg.Stream {
	return ffmpeg.Input("file:"+listPath, ffmpeg.KwArgs{"format": "concat", "safe": 0, "r": fps}).
		Output("file:"+output, ffmpeg.KwArgs{"c": "copy", "r": fps, "vsync": 0}).
		OverWriteOutput()
}

// Concat assembles the edit-list into one file. An existing output is kept
// when it passes the validity check and rewrite is false.
func (t *Transcoder) Concat(ctx context.Context, listPath, output string, rewrite bool) error {
	if exists(output) {
		if !rewrite && t.IsValidVideo(ctx, output) {
			t.log.Info().Str("path", output).Msg("concatenated video already exists")
			return nil
		}
		if err := removeIfExists(output); err != nil {
			return &TranscodeError{Stage: StageConcat, Path: output, Err: err}
		}
	}
	return t.ffmpeg(ctx, StageConcat, output, concatStream(listPath, output, t.opts.FPS))
}

// SegmentArgs builds the HLS invocation.
func (t *Transcoder) SegmentArgs(input, playlist string) []string {
	return hlsStream(input, playlist, t.clipSeconds()).GetArgs()
}

func hlsStream(input, playlist string, hlsTime int) *ffmpeg.Stream {
	return ffmpeg.Input(input).
		Output(playlist, ffmpeg.KwArgs{"format": "hls", "hls_time": hlsTime, "hls_list_size": 0, "c": "copy"})
}

// Segment produces an HLS playlist from input. With rewrite the playlist and
// its segments are removed first; otherwise an existing playlist is kept.
func (t *Transcoder) Segment(ctx context.Context, input, playlist string, rewrite bool) error {
	if exists(playlist) {
		if !rewrite {
			t.log.Info().Str("path", playlist).Msg("hls playlist already exists, append mode is disabled")
			return nil
		}
		if err := RemovePlaylist(playlist); err != nil {
			return &TranscodeError{Stage: StageSegment, Path: playlist, Err: err}
		}
	}
	return t.ffmpeg(ctx, StageSegment, playlist, hlsStream(input, playlist, t.clipSeconds()))
}

// RemovePlaylist deletes a playlist and the segments written next to it.
func RemovePlaylist(playlist string) error {
	stem := strings.TrimSuffix(playlist, filepath.Ext(playlist))
	segments, err := filepath.Glob(stem + "*.ts")
	if err != nil {
		return err
	}
	for _, s := range append(segments, playlist) {
		if err := removeIfExists(s); err != nil {
			return err
		}
	}
	return nil
}

// PreviewSeek returns the midpoint of a clip, in whole seconds.
func PreviewSeek(frames, fps int) int {
	if fps <= 0 {
		return 0
	}
	return int(math.Round(float64(frames) / 2 / float64(fps)))
}

func previewStream(input, output string, seek int) *ffmpeg.Stream {
	return ffmpeg.Input(input, ffmpeg.KwArgs{"ss": seek}).
		Output(output, ffmpeg.KwArgs{"format": "image2", "vframes": 1}).
		OverWriteOutput()
}

// Preview extracts the midpoint frame of input. An empty or unreadable input
// is logged and skipped.
func (t *Transcoder) Preview(ctx context.Context, input, output string, rewrite bool) (bool, error) {
	if exists(output) {
		if !rewrite {
			t.log.Info().Str("path", output).Msg("preview image already exists")
			return true, nil
		}
		if err := removeIfExists(output); err != nil {
			return false, &TranscodeError{Stage: StagePreview, Path: output, Err: err}
		}
	}

	frames, err := t.CountFrames(ctx, input)
	if err != nil {
		t.log.Debug().Err(err).Str("path", input).Msg("unable to count frames for preview")
	}
	seek := PreviewSeek(frames, t.opts.FPS)
	if seek <= 0 {
		t.log.Warn().Str("path", input).Msg("could not generate preview image, file appears empty or corrupted")
		return false, nil
	}
	if err := t.ffmpeg(ctx, StagePreview, output, previewStream(input, output, seek)); err != nil {
		return false, err
	}
	return true, nil
}

func placeholderStream(image, output string, seconds, fps, frames int) *ffmpeg.Stream {
	var in *ffmpeg.Stream
	if image != "" {
		in = ffmpeg.Input(image, ffmpeg.KwArgs{"loop": 1, "to": seconds})
	} else {
		src := fmt.Sprintf("color=c=black:s=1280x720:r=%d:d=%d", fps, seconds)
		in = ffmpeg.Input(src, ffmpeg.KwArgs{"format": "lavfi"})
	}
	return in.Output(output, ffmpeg.KwArgs{
		"r":       fps,
		"format":  "mp4",
		"pix_fmt": "yuv420p",
		"vframes": frames,
	}).OverWriteOutput()
}

// EnsurePlaceholder synthesises the filler clip at path unless it already
// exists. rewrite forces regeneration. The clip is rendered to a unique
// temporary file and renamed into place, so concurrent callers are safe.
func (t *Transcoder) EnsurePlaceholder(ctx context.Context, path string, rewrite bool) error {
	if exists(path) && !rewrite {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &TranscodeError{Stage: StagePlaceholder, Path: path, Err: err}
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".placeholder-*.mp4")
	if err != nil {
		return &TranscodeError{Stage: StagePlaceholder, Path: path, Err: err}
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	stream := placeholderStream(t.opts.PlaceholderImage, tmpPath, t.clipSeconds(), t.opts.FPS, t.FramesPerClip())
	if err := t.ffmpeg(ctx, StagePlaceholder, path, stream); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return &TranscodeError{Stage: StagePlaceholder, Path: path, Err: err}
	}
	t.log.Info().Str("path", path).Msg("created placeholder clip")
	return nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
