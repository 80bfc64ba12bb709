package database

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Stage is how far one camera got through the prepare pipeline.
type Stage string

const (
	StagePlanned      Stage = "planned"      // timeline built, clips being acquired
	StageConcatenated Stage = "concatenated" // master file written
	StageSegmented    Stage = "segmented"    // HLS playlist written
	StagePreviewed    Stage = "previewed"    // preview image attempted
	StageDone         Stage = "done"         // registered with the stream service
	StageFailed       Stage = "failed"
)

// RunStatus is the outcome of a whole prepare run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunPartial   RunStatus = "partial" // some cameras failed
	RunFailed    RunStatus = "failed"
	RunSkipped   RunStatus = "skipped" // playset already existed
)

// Run is one prepare invocation for one environment.
type Run struct {
	ID            uuid.UUID  `json:"id"`
	Environment   string     `json:"environment"`
	EnvironmentID string     `json:"environmentId"`
	Name          string     `json:"name"`
	RangeStart    time.Time  `json:"rangeStart"`
	RangeEnd      time.Time  `json:"rangeEnd"`
	Rewrite       bool       `json:"rewrite"`
	Status        RunStatus  `json:"status"`
	StartedAt     time.Time  `json:"startedAt"`
	FinishedAt    *time.Time `json:"finishedAt"`
	ErrorMessage  string     `json:"errorMessage"`
}

// CameraRun is the progress of one camera within a run.
type CameraRun struct {
	RunID        uuid.UUID `json:"runId"`
	DeviceID     string    `json:"deviceId"`
	AssignmentID string    `json:"assignmentId"`
	Camera       string    `json:"camera"`
	Stage        Stage     `json:"stage"`
	Captured     int       `json:"captured"`
	Missing      int       `json:"missing"`
	ErrorMessage string    `json:"errorMessage"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Ledger records prepare runs
type Ledger interface {
	CreateRun(ctx context.Context, run *Run) error
	SetRunEnvironment(ctx context.Context, id uuid.UUID, environmentID string) error
	FinishRun(ctx context.Context, id uuid.UUID, status RunStatus, errMsg string) error
	UpsertCamera(ctx context.Context, cam CameraRun) error

	RecentRuns(ctx context.Context, limit int) ([]Run, error)
	CameraRuns(ctx context.Context, runID uuid.UUID) ([]CameraRun, error)

	Close() error
}
