package store

import (
	"context"
	"database/sql"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	_ "modernc.org/sqlite"
)

type jobRunSQLiteStoreSuite struct {
	jobRunStore *JobRunSQLiteStore
	db          *sql.DB
	run         *Run
	suite.Suite
}

func TestJobRunSQLiteStore(t *testing.T) {
	suite.Run(t, new(jobRunSQLiteStoreSuite))
}

func (suite *jobRunSQLiteStoreSuite) SetupSuite() {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		log.Fatal(err)
	}
	suite.db = db
	_, err = db.Exec("PRAGMA foreign_keys = ON;")
	if err != nil {
		log.Fatal(err)
	}

	RunMigrations(db, "migrations")

	agentStore := NewAgentSQLiteStore(db, db)
	a, err := agentStore.CreateAgent(
		context.Background(), nil, "ubuntu", "localhost", "/tmp", "", "local",
	)
	if err != nil {
		log.Fatal(err)
	}
	pipelineStore := NewPipelineSQLiteStore(db, db)
	p, err := pipelineStore.CreatePipeline(
		context.Background(),
		a.AgentID,
		"rust-library",
		"",
		"git@github.com:acme/rust-library.git",
		".gantry/workflow.yml",
		"",
		"",
	)
	if err != nil {
		log.Fatal(err)
	}
	runStore := NewRunSQLiteStore(db, db)
	r, err := runStore.CreateRun(context.Background(), p.PipelineID, "main", "push", "")
	if err != nil {
		log.Fatal(err)
	}
	suite.run = r
	suite.jobRunStore = NewJobRunSQLiteStore(db, db)
}

func (suite *jobRunSQLiteStoreSuite) TearDownSuite() {
	suite.db.Close()
}

func (suite *jobRunSQLiteStoreSuite) TestJobRunLifecycle() {
	ctx := context.Background()

	jr, err := suite.jobRunStore.CreateJobRun(ctx, suite.run.RunID, "test", "windows")
	suite.NoError(err)
	suite.NotZero(jr.JobRunID)
	suite.Equal(JobStatusPending, jr.Status)

	startedOn := time.Now().UTC()
	err = suite.jobRunStore.UpdateJobRunStatus(
		ctx, jr.JobRunID, JobStatusRunning, &startedOn, nil,
	)
	suite.NoError(err)

	suite.NoError(suite.jobRunStore.AppendJobRunOutput(ctx, jr.JobRunID, "running tests\n"))
	suite.NoError(suite.jobRunStore.AppendJobRunOutput(ctx, jr.JobRunID, "all passed\n"))

	endedOn := time.Now().UTC()
	err = suite.jobRunStore.UpdateJobRunStatus(
		ctx, jr.JobRunID, JobStatusSucceeded, nil, &endedOn,
	)
	suite.NoError(err)

	jobRuns, err := suite.jobRunStore.ListRunJobRuns(ctx, suite.run.RunID)
	suite.NoError(err)
	suite.Len(jobRuns, 1)
	suite.Equal(JobStatusSucceeded, jobRuns[0].Status)
	suite.Equal("running tests\nall passed\n", *jobRuns[0].Output)
	suite.NotNil(jobRuns[0].StartedOn)
	suite.NotNil(jobRuns[0].EndedOn)
}

func (suite *jobRunSQLiteStoreSuite) TestDuplicateInstanceRejected() {
	ctx := context.Background()

	_, err := suite.jobRunStore.CreateJobRun(ctx, suite.run.RunID, "build", "ubuntu")
	suite.NoError(err)

	_, err = suite.jobRunStore.CreateJobRun(ctx, suite.run.RunID, "build", "ubuntu")
	suite.Error(err)
}
