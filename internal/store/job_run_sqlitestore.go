package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/gantryci/gantry/internal"
	"github.com/georgysavva/scany/v2/sqlscan"
)

type JobRunSQLiteStore struct {
	rdb, rwdb *sql.DB
}

func NewJobRunSQLiteStore(rdb, rwdb *sql.DB) *JobRunSQLiteStore {
	return &JobRunSQLiteStore{rdb, rwdb}
}

func (store *JobRunSQLiteStore) CreateJobRun(
	ctx context.Context,
	runID int64,
	name, environment string,
) (*JobRun, error) {
	jr := &JobRun{
		JobRunRunID: runID,
		Name:        name,
		Environment: environment,
		Status:      JobStatusPending,
	}
	query := `insert into job_runs (
		job_run_run_id,
		name,
		environment,
		status
	)
	values ($1, $2, $3, $4)
	returning job_run_id`
	if err := sqlscan.Get(
		ctx, store.rwdb, jr, query,
		jr.JobRunRunID, jr.Name, jr.Environment, jr.Status,
	); err != nil {
		return nil, err
	}
	return jr, nil
}

func (store *JobRunSQLiteStore) UpdateJobRunStatus(
	ctx context.Context,
	id int64,
	status JobStatus,
	startedOn, endedOn *time.Time,
) error {
	query := `update job_runs
	set status = $1,
		started_on = coalesce($2, started_on),
		ended_on = coalesce($3, ended_on)
	where job_run_id = $4`
	_, err := store.rwdb.ExecContext(
		ctx, query,
		status,
		formatTimestamp(startedOn),
		formatTimestamp(endedOn),
		id,
	)
	return err
}

func (store *JobRunSQLiteStore) AppendJobRunOutput(
	ctx context.Context,
	id int64,
	out string,
) error {
	query := `update job_runs
	set output = coalesce(output, '') || $1
	where job_run_id = $2`
	_, err := store.rwdb.ExecContext(ctx, query, out, id)
	return err
}

func (store *JobRunSQLiteStore) ListRunJobRuns(
	ctx context.Context,
	runID int64,
) ([]JobRun, error) {
	query := `select * from job_runs
	where job_run_run_id = $1
	order by job_run_id`
	jobRuns := make([]JobRun, 0)
	err := sqlscan.Select(ctx, store.rdb, &jobRuns, query, runID)
	return jobRuns, err
}

func formatTimestamp(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(internal.DBTimestampLayout)
	return &s
}
