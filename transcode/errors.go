package transcode

import "fmt"

// ProbeError means a file could not be inspected. Callers usually recover by
// substituting the placeholder clip.
type ProbeError struct {
	Path string
	Err  error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("probe %s: %v", e.Path, e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// Stage names used in TranscodeError and in logs.
const (
	StageConcat      = "concat"
	StageSegment     = "segment"
	StagePreview     = "preview"
	StagePad         = "pad"
	StageTrim        = "trim"
	StagePlaceholder = "placeholder"
)

// TranscodeError wraps a failed ffmpeg invocation.
type TranscodeError struct {
	Stage string
	Path  string
	Err   error
}

func (e *TranscodeError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Stage, e.Path, e.Err)
}

func (e *TranscodeError) Unwrap() error { return e.Err }
