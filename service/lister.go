package service

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"
)

var listHeader = []string{"assignment_id", "device_id", "assigned_name", "timestamp", "data_id"}

// ListRequest selects the clips to list.
type ListRequest struct {
	Environment string
	OutputPath  string
	OutputName  string
	Start       time.Time
	End         time.Time
	Cameras     []string
}

// Lister writes a CSV inventory of the clips each camera recorded.
type Lister struct {
	directory EnvironmentDirectory
	metadata  MetadataSource
	log       zerolog.Logger
}

// NewLister creates a Lister.
func NewLister(directory EnvironmentDirectory, metadata MetadataSource, logger zerolog.Logger) *Lister {
	return &Lister{directory: directory, metadata: metadata, log: logger}
}

// ListVideos writes <OutputPath>/<OutputName> and returns its path and the
// number of clip rows. The file is replaced atomically, so a failed run
// leaves any previous listing intact.
func (l *Lister) ListVideos(ctx context.Context, req ListRequest) (string, int, error) {
	envID, err := l.directory.FindEnvironmentID(ctx, req.Environment)
	if err != nil {
		return "", 0, err
	}
	assignments, err := l.directory.CameraAssignments(ctx, envID)
	if err != nil {
		return "", 0, err
	}

	if err := os.MkdirAll(req.OutputPath, 0o755); err != nil {
		return "", 0, err
	}
	target := filepath.Join(req.OutputPath, req.OutputName)
	out, err := renameio.NewPendingFile(target, renameio.WithPermissions(0o644))
	if err != nil {
		return "", 0, fmt.Errorf("create %s: %w", target, err)
	}
	defer out.Cleanup()

	w := csv.NewWriter(out)
	if err := w.Write(listHeader); err != nil {
		return "", 0, err
	}

	rows := 0
	for _, a := range assignments {
		if len(req.Cameras) > 0 && !slices.ContainsFunc(req.Cameras, a.Matches) {
			l.log.Info().Msgf("Skipping camera '%s:%s', not in supplied cameras param", a.AssignmentID, a.Name)
			continue
		}
		records, err := l.metadata.FetchMetadata(ctx, envID, a.DeviceID, req.Start, req.End)
		if err != nil {
			return "", 0, err
		}
		for _, r := range records {
			row := []string{a.AssignmentID, a.DeviceID, a.Name, r.Timestamp.UTC().Format(time.RFC3339Nano), r.DataID}
			if err := w.Write(row); err != nil {
				return "", 0, err
			}
			rows++
		}
		l.log.Info().Str("camera", a.Name).Int("videos", len(records)).Msg("listed videos")
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return "", 0, err
	}
	if err := out.CloseAtomicallyReplace(); err != nil {
		return "", 0, fmt.Errorf("write %s: %w", target, err)
	}
	return target, rows, nil
}
