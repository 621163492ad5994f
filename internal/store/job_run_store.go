package store

import (
	"context"
	"time"
)

type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusSkipped   JobStatus = "skipped"
)

// JobRun is the outcome of one job instance: one workflow job on one target
// environment within one run.
type JobRun struct {
	JobRunID    int64
	JobRunRunID int64
	Name        string
	Environment string
	Status      JobStatus
	Output      *string
	StartedOn   *time.Time
	EndedOn     *time.Time
}

type JobRunStore interface {
	CreateJobRun(context.Context, int64, string, string) (*JobRun, error)
	UpdateJobRunStatus(context.Context, int64, JobStatus, *time.Time, *time.Time) error
	AppendJobRunOutput(context.Context, int64, string) error
	ListRunJobRuns(context.Context, int64) ([]JobRun, error)
}
