package service

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gantryci/gantry/internal/executor"
	"github.com/gantryci/gantry/internal/store"
	"github.com/stretchr/testify/suite"
	_ "modernc.org/sqlite"
)

const ciWorkflow = `
name: ci
jobs:
  style:
    runs_on: [ubuntu]
    steps:
      - name: fmt
        run: cargo fmt --all -- --check
      - name: clippy
        run: cargo clippy --all-targets
  check:
    runs_on: [ubuntu]
    steps:
      - name: check
        run: cargo check --all-features
  build:
    needs: [style, check]
    runs_on: [ubuntu]
    steps:
      - name: build
        run: cargo build --all-features
  test:
    needs: [build]
    runs_on: [ubuntu, macos, windows]
    steps:
      - name: test
        run: cargo test --all-features
    coverage:
      environment: ubuntu
      steps:
        - name: tarpaulin
          run: cargo tarpaulin --out Lcov
      report: lcov.info
`

// fakeExecutor plays the agent side of a run. Commands are recorded, files
// are served from a map, and failures and delays are matched by substring.
type fakeExecutor struct {
	mu       sync.Mutex
	commands []string
	files    map[string][]byte
	fail     []string
	delay    map[string]time.Duration
}

func (f *fakeExecutor) RunCommand(
	ctx context.Context,
	command string,
	timeout time.Duration,
	out chan<- string,
) error {
	f.mu.Lock()
	f.commands = append(f.commands, command)
	delay := time.Duration(0)
	for substr, d := range f.delay {
		if strings.Contains(command, substr) {
			delay = d
		}
	}
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return executor.CancelError{Message: "command cancelled"}
		case <-time.After(delay):
		}
	}

	for _, substr := range f.fail {
		if strings.Contains(command, substr) {
			out <- "error: tool failed\n"
			return fmt.Errorf("exit status 1")
		}
	}
	out <- "ok\n"
	return nil
}

func (f *fakeExecutor) ReadFile(path string) ([]byte, error) {
	if b, ok := f.files[filepath.Base(path)]; ok {
		return b, nil
	}
	return nil, fmt.Errorf("no such file: %s", path)
}

func (f *fakeExecutor) DownloadDir(remotePath, localPath string) error {
	return nil
}

func (f *fakeExecutor) Close() error {
	return nil
}

func (f *fakeExecutor) ran(substr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.commands {
		if strings.Contains(c, substr) {
			return true
		}
	}
	return false
}

type runQueueSuite struct {
	suite.Suite
	db *sql.DB

	pipelineStore *store.PipelineSQLiteStore
	runStore      *store.RunSQLiteStore
	jobRunStore   *store.JobRunSQLiteStore
	agentStore    *store.AgentSQLiteStore

	pipeline *store.Pipeline

	coverageHits   []string
	coverageStatus int
	coverageSrv    *httptest.Server
}

func (suite *runQueueSuite) SetupTest() {
	db, err := sql.Open("sqlite", ":memory:")
	suite.Require().NoError(err)
	suite.db = db
	store.RunMigrations(db, "migrations")

	suite.pipelineStore = store.NewPipelineSQLiteStore(db, db)
	suite.runStore = store.NewRunSQLiteStore(db, db)
	suite.jobRunStore = store.NewJobRunSQLiteStore(db, db)
	suite.agentStore = store.NewAgentSQLiteStore(db, db)

	ctx := context.Background()
	var ubuntu *store.Agent
	for _, name := range []string{"ubuntu", "macos", "windows"} {
		a, err := suite.agentStore.CreateAgent(
			ctx, nil, name, name+".internal", "/home/ci/workspace", "", "local",
		)
		suite.Require().NoError(err)
		if name == "ubuntu" {
			ubuntu = a
		}
	}

	p, err := suite.pipelineStore.CreatePipeline(
		ctx,
		ubuntu.AgentID,
		"rust-library",
		"",
		"git@github.com:example/rust-library.git",
		".ci/workflow.yml",
		"",
		".md,.txt",
	)
	suite.Require().NoError(err)
	suite.pipeline = p

	suite.coverageHits = nil
	suite.coverageStatus = http.StatusOK
	suite.coverageSrv = httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			suite.coverageHits = append(suite.coverageHits, r.URL.Query().Get("environment"))
			w.WriteHeader(suite.coverageStatus)
		}))
}

func (suite *runQueueSuite) TearDownTest() {
	suite.coverageSrv.Close()
	suite.db.Close()
}

func (suite *runQueueSuite) newQueue(fake *fakeExecutor, failClosed bool) *RunQueue {
	rq := NewRunQueue(
		suite.pipelineStore,
		suite.runStore,
		suite.jobRunStore,
		suite.agentStore,
		nil,
		nil,
		RunConfig{
			DefaultJobTimeout:  time.Minute,
			CoverageURL:        suite.coverageSrv.URL,
			CoverageToken:      "test-token",
			CoverageFailClosed: failClosed,
			ToolColor:          "always",
		},
		3,
	)
	rq.newExecutor = func(t Target) (executor.Executor, error) {
		return fake, nil
	}
	return rq
}

func (suite *runQueueSuite) startRun(rq *RunQueue) *store.Run {
	r, err := suite.runStore.CreateRun(
		context.Background(), suite.pipeline.PipelineID, "main", "push", "abc123",
	)
	suite.Require().NoError(err)
	go rq.Run()
	suite.Require().NoError(rq.Enqueue(r))
	return r
}

func (suite *runQueueSuite) waitForRun(runID int64) *store.Run {
	var r *store.Run
	suite.Require().Eventually(func() bool {
		var err error
		r, err = suite.runStore.ReadRunByID(context.Background(), runID)
		if err != nil {
			return false
		}
		return r.Status != store.StatusQueued && r.Status != store.StatusRunning
	}, 10*time.Second, 20*time.Millisecond)
	return r
}

func (suite *runQueueSuite) jobStatuses(runID int64) map[string]store.JobStatus {
	jobRuns, err := suite.jobRunStore.ListRunJobRuns(context.Background(), runID)
	suite.Require().NoError(err)
	statuses := make(map[string]store.JobStatus, len(jobRuns))
	for _, jr := range jobRuns {
		statuses[jr.Name+"/"+jr.Environment] = jr.Status
	}
	return statuses
}

func (suite *runQueueSuite) TestRunPasses() {
	fake := &fakeExecutor{
		files: map[string][]byte{
			"workflow.yml": []byte(ciWorkflow),
			"lcov.info":    []byte("TN:\nSF:src/lib.rs\nend_of_record\n"),
		},
	}
	rq := suite.newQueue(fake, true)
	defer rq.Shutdown()

	r := suite.startRun(rq)
	r = suite.waitForRun(r.RunID)

	suite.Equal(store.StatusPassed, r.Status)
	suite.NotNil(r.StartedOn)
	suite.NotNil(r.EndedOn)

	statuses := suite.jobStatuses(r.RunID)
	suite.Len(statuses, 6)
	for name, s := range statuses {
		suite.Equal(store.JobStatusSucceeded, s, name)
	}

	// every job instance carries its own output
	jobRuns, err := suite.jobRunStore.ListRunJobRuns(context.Background(), r.RunID)
	suite.Require().NoError(err)
	for _, jr := range jobRuns {
		suite.Require().NotNil(jr.Output, jr.Name)
		suite.Contains(*jr.Output, "ok", jr.Name)
	}

	// coverage went up once, from the designated environment
	suite.Equal([]string{"ubuntu"}, suite.coverageHits)

	suite.True(fake.ran("git clone -b main"))
	suite.True(fake.ran("cargo tarpaulin"))

	output, err := suite.runStore.ReadRunByID(context.Background(), r.RunID)
	suite.NoError(err)
	suite.NotNil(output.Output)
	suite.Contains(*output.Output, "PASS")
}

func (suite *runQueueSuite) TestStyleFailureSkipsDownstream() {
	fake := &fakeExecutor{
		files: map[string][]byte{"workflow.yml": []byte(ciWorkflow)},
		fail:  []string{"cargo fmt"},
	}
	rq := suite.newQueue(fake, true)
	defer rq.Shutdown()

	r := suite.startRun(rq)
	r = suite.waitForRun(r.RunID)

	suite.Equal(store.StatusFailed, r.Status)

	statuses := suite.jobStatuses(r.RunID)
	suite.Equal(store.JobStatusFailed, statuses["style/ubuntu"])
	// check has no edge from style and still runs
	suite.Equal(store.JobStatusSucceeded, statuses["check/ubuntu"])
	suite.Equal(store.JobStatusSkipped, statuses["build/ubuntu"])
	suite.Equal(store.JobStatusSkipped, statuses["test/ubuntu"])
	suite.Equal(store.JobStatusSkipped, statuses["test/macos"])
	suite.Equal(store.JobStatusSkipped, statuses["test/windows"])

	suite.Empty(suite.coverageHits)
	suite.False(fake.ran("cargo build"))
	suite.False(fake.ran("cargo test"))
}

func (suite *runQueueSuite) TestSingleTestInstanceFailsRun() {
	fake := &fakeExecutor{
		files: map[string][]byte{
			"workflow.yml": []byte(ciWorkflow),
			"lcov.info":    []byte("TN:\n"),
		},
		fail: []string{"cargo tarpaulin"},
	}
	rq := suite.newQueue(fake, true)
	defer rq.Shutdown()

	r := suite.startRun(rq)
	r = suite.waitForRun(r.RunID)

	suite.Equal(store.StatusFailed, r.Status)

	statuses := suite.jobStatuses(r.RunID)
	// only the designated instance carries the coverage sub-step
	suite.Equal(store.JobStatusFailed, statuses["test/ubuntu"])
	suite.Equal(store.JobStatusSucceeded, statuses["test/macos"])
	suite.Equal(store.JobStatusSucceeded, statuses["test/windows"])
}

func (suite *runQueueSuite) TestCoverageUploadFailsClosed() {
	suite.coverageStatus = http.StatusBadGateway
	fake := &fakeExecutor{
		files: map[string][]byte{
			"workflow.yml": []byte(ciWorkflow),
			"lcov.info":    []byte("TN:\n"),
		},
	}
	rq := suite.newQueue(fake, true)
	defer rq.Shutdown()

	r := suite.startRun(rq)
	r = suite.waitForRun(r.RunID)

	suite.Equal(store.StatusFailed, r.Status)
	statuses := suite.jobStatuses(r.RunID)
	suite.Equal(store.JobStatusFailed, statuses["test/ubuntu"])
}

func (suite *runQueueSuite) TestCoverageUploadFailOpen() {
	suite.coverageStatus = http.StatusBadGateway
	wf := strings.Replace(
		ciWorkflow,
		"      report: lcov.info",
		"      report: lcov.info\n      fail_ci_if_error: false",
		1,
	)
	fake := &fakeExecutor{
		files: map[string][]byte{
			"workflow.yml": []byte(wf),
			"lcov.info":    []byte("TN:\n"),
		},
	}
	rq := suite.newQueue(fake, true)
	defer rq.Shutdown()

	r := suite.startRun(rq)
	r = suite.waitForRun(r.RunID)

	suite.Equal(store.StatusPassed, r.Status)
}

func (suite *runQueueSuite) TestCancelRun() {
	fake := &fakeExecutor{
		files: map[string][]byte{"workflow.yml": []byte(ciWorkflow)},
		delay: map[string]time.Duration{"cargo check": 30 * time.Second},
	}
	rq := suite.newQueue(fake, true)
	defer rq.Shutdown()

	r := suite.startRun(rq)

	suite.Require().Eventually(func() bool {
		return fake.ran("cargo check")
	}, 10*time.Second, 20*time.Millisecond)
	rq.CancelRun(r.RunID)

	r = suite.waitForRun(r.RunID)
	suite.Equal(store.StatusCancelled, r.Status)
}

func (suite *runQueueSuite) TestUnknownEnvironmentFailsRun() {
	wf := strings.Replace(ciWorkflow, "[ubuntu, macos, windows]", "[ubuntu, freebsd]", 1)
	fake := &fakeExecutor{
		files: map[string][]byte{"workflow.yml": []byte(wf)},
	}
	rq := suite.newQueue(fake, true)
	defer rq.Shutdown()

	r := suite.startRun(rq)
	r = suite.waitForRun(r.RunID)

	suite.Equal(store.StatusFailed, r.Status)
}

func TestRunQueueSuite(t *testing.T) {
	suite.Run(t, new(runQueueSuite))
}
