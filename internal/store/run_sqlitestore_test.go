package store

import (
	"context"
	"database/sql"
	"log"
	"testing"
	"time"

	"github.com/gantryci/gantry/internal/util"
	"github.com/stretchr/testify/suite"

	_ "modernc.org/sqlite"
)

type runSQLiteStoreSuite struct {
	runStore *RunSQLiteStore
	db       *sql.DB
	agent    *Agent
	pipeline *Pipeline
	suite.Suite
}

func TestRunSQLiteStore(t *testing.T) {
	suite.Run(t, new(runSQLiteStoreSuite))
}

func (suite *runSQLiteStoreSuite) SetupSuite() {
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

	suite.runStore = NewRunSQLiteStore(db, db)
	agentStore := NewAgentSQLiteStore(db, db)
	a, err := agentStore.CreateAgent(
		context.Background(),
		nil,
		"ubuntu",
		"localhost",
		"/tmp",
		"",
		"local",
	)
	if err != nil {
		log.Fatal(err)
	}
	suite.agent = a
	pipelineStore := NewPipelineSQLiteStore(db, db)
	p, err := pipelineStore.CreatePipeline(
		context.Background(),
		a.AgentID,
		"rust-library",
		"",
		"git@github.com:acme/rust-library.git",
		".gantry/workflow.yml",
		"main",
		".md,.txt",
	)
	if err != nil {
		log.Fatal(err)
	}
	suite.pipeline = p
}

func (suite *runSQLiteStoreSuite) TearDownSuite() {
	suite.db.Close()
}

func (suite *runSQLiteStoreSuite) TestRunLifecycle() {
	ctx := context.Background()

	// create
	r, err := suite.runStore.CreateRun(ctx, suite.pipeline.PipelineID, "main", "push", "abc123")
	suite.NoError(err)
	suite.NotZero(r.RunID)
	suite.Equal(StatusQueued, r.Status)
	suite.Equal("push", r.Event)

	// start
	startedOn := time.Now().UTC()
	err = suite.runStore.UpdateRunStartedOn(
		ctx, r.RunID, "20250101_120000000", StatusRunning, &startedOn,
	)
	suite.NoError(err)

	read, err := suite.runStore.ReadRunByID(ctx, r.RunID)
	suite.NoError(err)
	suite.Equal(StatusRunning, read.Status)
	suite.NotNil(read.WorkingDirectory)

	// output
	suite.NoError(suite.runStore.AppendRunOutput(ctx, r.RunID, "line one\n"))
	suite.NoError(suite.runStore.AppendRunOutput(ctx, r.RunID, "line two\n"))
	read, err = suite.runStore.ReadRunByID(ctx, r.RunID)
	suite.NoError(err)
	suite.Equal("line one\nline two\n", *read.Output)

	// finish
	endedOn := time.Now().UTC()
	err = suite.runStore.UpdateRunEndedOn(
		ctx, r.RunID, StatusPassed, util.AsPtr("artifacts/run.zip"), &endedOn,
	)
	suite.NoError(err)
	read, err = suite.runStore.ReadRunByID(ctx, r.RunID)
	suite.NoError(err)
	suite.Equal(StatusPassed, read.Status)
	suite.NotNil(read.EndedOn)
}

func (suite *runSQLiteStoreSuite) TestListAndCount() {
	ctx := context.Background()

	for range 3 {
		_, err := suite.runStore.CreateRun(
			ctx, suite.pipeline.PipelineID, "main", "push", "",
		)
		suite.NoError(err)
	}

	latest, err := suite.runStore.ListLatestPipelineRuns(ctx, suite.pipeline.PipelineID, 2)
	suite.NoError(err)
	suite.Len(latest, 2)

	page, err := suite.runStore.ListPipelineRunsPaginated(ctx, suite.pipeline.PipelineID, 2, 0)
	suite.NoError(err)
	suite.Len(page, 2)
	suite.Equal("rust-library", page[0].PipelineName)

	count, err := suite.runStore.CountPipelineRuns(ctx, suite.pipeline.PipelineID)
	suite.NoError(err)
	suite.GreaterOrEqual(count, int64(3))
}

func (suite *runSQLiteStoreSuite) TestDeleteRun() {
	ctx := context.Background()

	r, err := suite.runStore.CreateRun(ctx, suite.pipeline.PipelineID, "main", "manual", "")
	suite.NoError(err)

	suite.NoError(suite.runStore.DeleteRun(ctx, r.RunID))

	_, err = suite.runStore.ReadRunByID(ctx, r.RunID)
	suite.ErrorIs(err, sql.ErrNoRows)
}
