package transcode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ProbeResult is the subset of ffprobe's JSON output we read.
type ProbeResult struct {
	Streams []ProbeStream `json:"streams"`
	Format  ProbeFormat   `json:"format"`
}

type ProbeStream struct {
	Index        int    `json:"index"`
	CodecType    string `json:"codec_type"`
	CodecName    string `json:"codec_name"`
	NbFrames     string `json:"nb_frames"`
	AvgFrameRate string `json:"avg_frame_rate"`
	Duration     string `json:"duration"`
}

type ProbeFormat struct {
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
}

// VideoStream returns the first video stream, if any.
func (p *ProbeResult) VideoStream() (ProbeStream, bool) {
	for _, s := range p.Streams {
		if s.CodecType == "video" {
			return s, true
		}
	}
	return ProbeStream{}, false
}

// Probe runs ffprobe against path.
func (t *Transcoder) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	out, err := t.runner.Run(ctx, t.opts.FFprobePath,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path)
	if err != nil {
		return nil, &ProbeError{Path: path, Err: err}
	}

	var res ProbeResult
	if err := json.Unmarshal(out, &res); err != nil {
		return nil, &ProbeError{Path: path, Err: fmt.Errorf("decode ffprobe output: %w", err)}
	}
	if len(res.Streams) == 0 {
		return nil, &ProbeError{Path: path, Err: errors.New("ffprobe reported no streams")}
	}
	return &res, nil
}

// CountFrames returns nb_frames of the first video stream.
func (t *Transcoder) CountFrames(ctx context.Context, path string) (int, error) {
	res, err := t.Probe(ctx, path)
	if err != nil {
		return 0, err
	}
	video, ok := res.VideoStream()
	if !ok {
		return 0, &ProbeError{Path: path, Err: errors.New("no video stream")}
	}
	frames, err := strconv.Atoi(video.NbFrames)
	if err != nil {
		return 0, &ProbeError{Path: path, Err: fmt.Errorf("unreadable frame count %q", video.NbFrames)}
	}
	return frames, nil
}
