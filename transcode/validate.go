package transcode

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"time"

	"github.com/rs/zerolog"
	ffmpeg "github.com/u2takey/ffmpeg-go"
)

// Validator decides whether a media file decodes cleanly.
type Validator interface {
	IsValid(ctx context.Context, path string) bool
}

// Verdict is the outcome of watching a decoder's diagnostic stream.
type Verdict int

const (
	// VerdictClean means the stream ended normally.
	VerdictClean Verdict = iota
	// VerdictRepeating means the decoder printed the same line too often.
	VerdictRepeating
	// VerdictStalled means nothing was printed within the read timeout.
	VerdictStalled
)

func (v Verdict) String() string {
	switch v {
	case VerdictClean:
		return "clean"
	case VerdictRepeating:
		return "repeating"
	case VerdictStalled:
		return "stalled"
	}
	return "unknown"
}

// ScanDiagnostics reads r line by line until EOF. It gives up early when the
// same line repeats more than threshold times in a row or when no line arrives
// within timeout. The reader goroutine exits once r is closed.
func ScanDiagnostics(r io.Reader, timeout time.Duration, threshold int) Verdict {
	lines := make(chan string)
	done := make(chan struct{})
	defer close(done)

	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-done:
				return
			}
		}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	last := ""
	repeat := 0
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return VerdictClean
			}
			if line == last {
				repeat++
			} else {
				repeat = 0
			}
			if repeat > threshold {
				return VerdictRepeating
			}
			last = line
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(timeout)
		case <-timer.C:
			return VerdictStalled
		}
	}
}

// StreamValidator decodes the file with ffmpeg into the null muxer while
// watching its stderr. Repeated lines and silence both count as corruption.
type StreamValidator struct {
	FFmpegPath      string
	ReadTimeout     time.Duration
	RepeatThreshold int
	Log             zerolog.Logger
}

// IsValid implements Validator.
func (v *StreamValidator) IsValid(ctx context.Context, path string) bool {
	args := ffmpeg.Input(path).
		Output("/dev/null", ffmpeg.KwArgs{"format": "null"}).
		GlobalArgs("-loglevel", "repeat").
		GetArgs()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(ctx, v.FFmpegPath, args...)
	cmd.WaitDelay = 5 * time.Second
	stderr, err := cmd.StderrPipe()
	if err != nil {
		v.Log.Error().Err(err).Str("path", path).Msg("validity check could not attach to ffmpeg")
		return false
	}
	if err := cmd.Start(); err != nil {
		v.Log.Error().Err(err).Str("path", path).Msg("validity check could not start ffmpeg")
		return false
	}

	verdict := ScanDiagnostics(stderr, v.ReadTimeout, v.RepeatThreshold)
	if verdict != VerdictClean {
		cancel()
	}
	waitErr := cmd.Wait()

	switch {
	case verdict == VerdictRepeating:
		v.Log.Warn().Str("path", path).Msg("file read stuck in repeat loop, terminating read")
		return false
	case verdict == VerdictStalled:
		v.Log.Warn().Str("path", path).Dur("timeout", v.ReadTimeout).Msg("stream timeout, ffmpeg hanging reading video file")
		return false
	case waitErr != nil:
		v.Log.Error().Err(waitErr).Str("path", path).Msg("video file corrupt")
		return false
	}
	return true
}
