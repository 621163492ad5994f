package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/gantryci/gantry/internal"
	"github.com/gantryci/gantry/internal/coverage"
	"github.com/gantryci/gantry/internal/executor"
	"github.com/gantryci/gantry/internal/graph"
	"github.com/gantryci/gantry/internal/security"
	"github.com/gantryci/gantry/internal/store"
	"github.com/gantryci/gantry/internal/util"
	"github.com/gantryci/gantry/internal/workflow"
)

// RunConfig is the immutable per-server run configuration. It is captured
// when a queue is built and passed along explicitly, so a run's behavior
// never changes under it mid-flight.
type RunConfig struct {
	DefaultJobTimeout  time.Duration
	CoverageURL        string
	CoverageToken      string
	CoverageFailClosed bool
	ToolColor          string
}

// Target is one resolved environment a run executes jobs on.
type Target struct {
	Name       string
	Hostname   string
	Workspace  string
	OSType     string
	Username   string
	PrivateKey []byte
	Env        map[string]string
}

// ExecutorFactory builds the executor for a target. Swapped out in tests.
type ExecutorFactory func(t Target) (executor.Executor, error)

func defaultExecutorFactory(t Target) (executor.Executor, error) {
	if t.OSType == "local" {
		return executor.NewLocalExecutor(t.Env), nil
	}
	return executor.NewSSHExecutor(t.Username, t.Hostname, t.PrivateKey, t.Env)
}

func NewRunQueue(
	pipelineStore store.PipelineStore,
	runStore store.RunStore,
	jobRunStore store.JobRunStore,
	agentStore store.AgentStore,
	credentialStore store.CredentialStore,
	encrypter security.Encrypter,
	config RunConfig,
	maxRuns int64,
) *RunQueue {
	return &RunQueue{
		pipelineStore:    pipelineStore,
		runStore:         runStore,
		jobRunStore:      jobRunStore,
		agentStore:       agentStore,
		credentialStore:  credentialStore,
		encrypter:        encrypter,
		config:           config,
		newExecutor:      defaultExecutorFactory,
		OutputSSEClients: NewSSEClientMap[string](),
		StatusSSEClients: NewSSEClientMap[store.Run](),
		queue:            make(chan *store.Run, maxRuns),
		done:             make(chan struct{}),
		cancelRunMap:     NewCancelMap[int64](),
	}
}

// RunQueue processes one pipeline's runs sequentially. A run checks the
// repository out on every environment its graph touches, then walks the
// job graph with the gated scheduler, streaming output and persisting job
// instance statuses as they change.
type RunQueue struct {
	pipelineStore   store.PipelineStore
	runStore        store.RunStore
	jobRunStore     store.JobRunStore
	agentStore      store.AgentStore
	credentialStore store.CredentialStore
	encrypter       security.Encrypter
	config          RunConfig
	newExecutor     ExecutorFactory

	OutputSSEClients *SSEClientMap[string]
	StatusSSEClients *SSEClientMap[store.Run]

	queue        chan *store.Run
	done         chan struct{}
	cancelRunMap *CancelMap[int64]

	outputCh chan string
	statusCh chan store.Run
	mu       sync.Mutex
}

func (rq *RunQueue) CancelRun(runID int64) {
	rq.cancelRunMap.Call(runID)
}

func (rq *RunQueue) Enqueue(r *store.Run) error {
	select {
	case rq.queue <- r:
		return nil
	default:
		return NewErrRunQueueFull()
	}
}

func (rq *RunQueue) Run() {
	for {
		select {
		case run := <-rq.queue:
			rq.outputCh = make(chan string)
			rq.statusCh = make(chan store.Run)

			ctx, cancel := context.WithCancel(context.Background())
			rq.cancelRunMap.AddCancel(run.RunID, cancel)

			go rq.handleOutput(ctx, run.RunID)
			go rq.handleStatus()

			if err := rq.processRun(ctx, run); err != nil {
				endedOn := time.Now().UTC()
				run.EndedOn = &endedOn
				if _, ok := err.(RunCancelError); ok {
					run.Status = store.StatusCancelled
				} else {
					run.Status = store.StatusFailed
				}
				if sqlErr := rq.runStore.UpdateRunEndedOn(
					context.Background(),
					run.RunID,
					run.Status,
					run.Artifacts,
					run.EndedOn,
				); sqlErr != nil {
					log.Println("err updating run status:", errors.Join(err, sqlErr))
				}
				log.Println("err processing run:", err)
				if r, err := rq.runStore.ReadRunByID(context.Background(), run.RunID); err != nil {
					log.Println("err getting run by id")
				} else {
					run = r
					rq.statusCh <- *r
				}

				failMessage := `
=============================================
FAIL || Run failed.
=============================================
`
				rq.outputCh <- failMessage
			}

			close(rq.outputCh)
			close(rq.statusCh)
			rq.cancelRunMap.RemoveCancel(run.RunID)
			cancel()
		case <-rq.done:
			close(rq.queue)
			return
		}
	}
}

func (rq *RunQueue) Shutdown() {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	select {
	case <-rq.done:
	default:
		close(rq.done)
	}
}

func (rq *RunQueue) handleOutput(ctx context.Context, runID int64) {
	for out := range rq.outputCh {
		if err := rq.runStore.AppendRunOutput(ctx, runID, out); err != nil {
			log.Printf("err appending run output: %+v\n", err)
		}
		rq.OutputSSEClients.SendToClients(out)
	}
}

func (rq *RunQueue) handleStatus() {
	for r := range rq.statusCh {
		rq.StatusSSEClients.SendToClients(r)
	}
}

func (rq *RunQueue) processRun(ctx context.Context, run *store.Run) error {
	prd, err := rq.readPipelineRunData(ctx, run.RunPipelineID)
	if err != nil {
		rq.outputCh <- fmt.Sprintf("err getting pipeline/agent/credential: %+v\n", err)
		return err
	}
	workdir := time.Now().UTC().Format(internal.RunDirLayout)

	run.Status = store.StatusRunning
	startedOn := time.Now().UTC()
	run.StartedOn = &startedOn
	if err := rq.runStore.UpdateRunStartedOn(
		context.Background(),
		run.RunID,
		workdir,
		run.Status,
		run.StartedOn,
	); err != nil {
		rq.outputCh <- "err updating run started on"
		return err
	}

	r, err := rq.runStore.ReadRunByID(context.Background(), run.RunID)
	if err != nil {
		rq.outputCh <- "err getting run by ID"
		return err
	}
	run = r
	rq.statusCh <- *r

	// the default agent first: jobs without runs_on land here, and the
	// workflow file is read off its checkout
	targets := make(map[string]*boundTarget)
	defer closeTargets(targets)

	def, err := rq.bindTarget(Target{
		Name:       prd.Name,
		Hostname:   prd.Hostname,
		Workspace:  prd.Workspace,
		OSType:     prd.OSType,
		Username:   derefOr(prd.Username, ""),
		PrivateKey: prd.SSHPrivateKey,
	})
	if err != nil {
		rq.outputCh <- fmt.Sprintf("err connecting to agent '%s': %+v\n", prd.Name, err)
		return err
	}
	targets[def.Name] = def

	repoDir := repositoryDir(prd.Repository)
	if err := rq.checkout(ctx, def, prd.Repository, workdir, run.Branch); err != nil {
		rq.outputCh <- fmt.Sprintf("err cloning repository on '%s': %+v\n", def.Name, err)
		return err
	}
	rq.outputCh <- fmt.Sprintf("Cloned repository %s\n", prd.Repository)

	raw, err := def.exec.ReadFile(path.Join(def.Workspace, workdir, repoDir, prd.WorkflowPath))
	if err != nil {
		rq.outputCh <- "err reading workflow file"
		return err
	}
	wf, err := workflow.Parse(raw)
	if err != nil {
		rq.outputCh <- fmt.Sprintf("err parsing workflow: %+v\n", err)
		return err
	}

	g, err := graph.Build(wf, def.Name, rq.config.DefaultJobTimeout)
	if err != nil {
		rq.outputCh <- fmt.Sprintf("err building job graph: %+v\n", err)
		return err
	}
	rq.outputCh <- fmt.Sprintf(
		"Parsed workflow '%s': %d job instances\n", wf.Name, g.Len(),
	)

	// check the repository out on every other environment the graph touches
	for _, n := range g.Nodes() {
		if _, ok := targets[n.Environment]; ok {
			continue
		}
		t, err := rq.resolveTarget(ctx, n.Environment)
		if err != nil {
			rq.outputCh <- fmt.Sprintf("err resolving environment '%s': %+v\n", n.Environment, err)
			return err
		}
		targets[n.Environment] = t
		if err := rq.checkout(ctx, t, prd.Repository, workdir, run.Branch); err != nil {
			rq.outputCh <- fmt.Sprintf("err cloning repository on '%s': %+v\n", t.Name, err)
			return err
		}
	}

	jobRunIDs := make(map[string]int64, g.Len())
	for _, n := range g.Nodes() {
		jr, err := rq.jobRunStore.CreateJobRun(ctx, run.RunID, n.Job, n.Environment)
		if err != nil {
			rq.outputCh <- "err creating job run rows"
			return err
		}
		jobRunIDs[n.ID] = jr.JobRunID
	}

	uploader := coverage.NewUploader(rq.config.CoverageURL, rq.config.CoverageToken)

	sched := graph.NewScheduler(g)
	sched.OnTransition = func(n *graph.Node, s graph.Status) {
		now := time.Now().UTC()
		var startedOn, endedOn *time.Time
		switch s {
		case graph.StatusRunning:
			startedOn = &now
		default:
			endedOn = &now
		}
		if err := rq.jobRunStore.UpdateJobRunStatus(
			context.Background(), jobRunIDs[n.ID], store.JobStatus(s), startedOn, endedOn,
		); err != nil {
			log.Printf("err updating job run status: %+v\n", err)
		}
		rq.outputCh <- fmt.Sprintf("[%s] %s\n", n.ID, s)
	}

	runner := func(jobCtx context.Context, n *graph.Node) error {
		t := targets[n.Environment]

		// every line a node produces lands on its job_runs row as well as
		// in the run output stream
		nodeOut := make(chan string)
		forwarded := make(chan struct{})
		go func() {
			defer close(forwarded)
			for line := range nodeOut {
				if err := rq.jobRunStore.AppendJobRunOutput(
					context.Background(), jobRunIDs[n.ID], line,
				); err != nil {
					log.Printf("err appending job run output: %+v\n", err)
				}
				rq.outputCh <- line
			}
		}()

		err := rq.runNode(jobCtx, t, n, workdir, repoDir, uploader, coverage.Metadata{
			Pipeline:    prd.PipelineName,
			Branch:      run.Branch,
			Commit:      run.CommitSHA,
			Environment: n.Environment,
		}, nodeOut)
		close(nodeOut)
		<-forwarded
		return err
	}

	statuses := sched.Execute(ctx, runner)

	if ctx.Err() != nil {
		return RunCancelError{Message: "run cancelled by user"}
	}
	if !graph.AllSucceeded(statuses) {
		return fmt.Errorf("run failed: %s", failedInstances(statuses))
	}

	passMessage := `
=============================================
PASS || All job instances succeeded.
=============================================
`
	rq.outputCh <- passMessage

	run.Status = store.StatusPassed
	run.EndedOn = util.AsPtr(time.Now().UTC())
	if err := rq.runStore.UpdateRunEndedOn(
		context.Background(),
		run.RunID,
		run.Status,
		run.Artifacts,
		run.EndedOn,
	); err != nil {
		rq.outputCh <- "err updating run ended on"
		return err
	}

	r, err = rq.runStore.ReadRunByID(context.Background(), run.RunID)
	if err != nil {
		rq.outputCh <- "err getting run by id"
		return err
	}
	run = r
	rq.statusCh <- *r

	return nil
}

func (rq *RunQueue) runNode(
	ctx context.Context,
	t *boundTarget,
	n *graph.Node,
	workdir, repoDir string,
	uploader *coverage.Uploader,
	meta coverage.Metadata,
	out chan<- string,
) error {
	for _, step := range n.Steps {
		if err := rq.runStep(ctx, t, n, step, workdir, repoDir, out); err != nil {
			return err
		}
	}
	if n.Coverage != nil {
		return rq.runCoverage(ctx, t, n, workdir, repoDir, uploader, meta, out)
	}
	return nil
}

func (rq *RunQueue) runStep(
	ctx context.Context,
	t *boundTarget,
	n *graph.Node,
	step workflow.Step,
	workdir, repoDir string,
	out chan<- string,
) error {
	out <- fmt.Sprintf("[%s]  |  step '%s'\n", n.ID, step.Name)
	timeout := n.Timeout
	if step.TimeoutSeconds > 0 {
		timeout = time.Duration(step.TimeoutSeconds) * time.Second
	}
	cmd := fmt.Sprintf("cd %s && %s", path.Join(t.Workspace, workdir, repoDir), step.Run)
	if err := t.exec.RunCommand(ctx, cmd, timeout, out); err != nil {
		out <- fmt.Sprintf("[%s]  |  step '%s' failed: %+v\n", n.ID, step.Name, err)
		return err
	}
	return nil
}

// runCoverage performs the designated instance's coverage sub-step: produce
// the report, read it off the agent, transmit it. Transmission failures
// follow the fail-closed policy; tool failures always fail the instance.
func (rq *RunQueue) runCoverage(
	ctx context.Context,
	t *boundTarget,
	n *graph.Node,
	workdir, repoDir string,
	uploader *coverage.Uploader,
	meta coverage.Metadata,
	out chan<- string,
) error {
	cov := n.Coverage
	for _, step := range cov.Steps {
		if err := rq.runStep(ctx, t, n, step, workdir, repoDir, out); err != nil {
			return err
		}
	}

	report, err := t.exec.ReadFile(path.Join(t.Workspace, workdir, repoDir, cov.Report))
	if err != nil {
		out <- fmt.Sprintf("[%s] err reading coverage report '%s': %+v\n", n.ID, cov.Report, err)
		return err
	}

	failClosed := rq.config.CoverageFailClosed
	if cov.FailCIIfError != nil {
		failClosed = *cov.FailCIIfError
	}

	if err := uploader.Upload(ctx, report, meta); err != nil {
		if failClosed {
			out <- fmt.Sprintf("[%s] coverage upload failed: %+v\n", n.ID, err)
			return err
		}
		out <- fmt.Sprintf("[%s] coverage upload failed (ignored): %+v\n", n.ID, err)
		return nil
	}

	out <- fmt.Sprintf("[%s] coverage report uploaded\n", n.ID)
	return nil
}

type boundTarget struct {
	Target
	exec executor.Executor
}

func (rq *RunQueue) bindTarget(t Target) (*boundTarget, error) {
	t.Env = map[string]string{
		"CI":               "true",
		"CARGO_TERM_COLOR": rq.config.ToolColor,
	}
	exec, err := rq.newExecutor(t)
	if err != nil {
		return nil, err
	}
	return &boundTarget{Target: t, exec: exec}, nil
}

// resolveTarget maps a runs_on environment name to a registered agent.
func (rq *RunQueue) resolveTarget(ctx context.Context, env string) (*boundTarget, error) {
	a, err := rq.agentStore.ReadAgentByName(ctx, env)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUnknownEnvironment{Environment: env}
		}
		return nil, err
	}

	t := Target{
		Name:      a.Name,
		Hostname:  a.Hostname,
		Workspace: a.Workspace,
		OSType:    a.OSType,
	}
	if a.AgentCredentialID != nil {
		c, err := rq.credentialStore.ReadCredentialByID(ctx, *a.AgentCredentialID)
		if err != nil {
			return nil, err
		}
		privateKey, err := rq.encrypter.DecryptAES(c.SSHPrivateKeyHash)
		if err != nil {
			return nil, err
		}
		t.Username = c.Username
		t.PrivateKey = privateKey
	}
	return rq.bindTarget(t)
}

func (rq *RunQueue) checkout(
	ctx context.Context,
	t *boundTarget,
	repository, workdir, branch string,
) error {
	if err := t.exec.RunCommand(
		ctx,
		fmt.Sprintf("mkdir -p %s", path.Join(t.Workspace, workdir)),
		5*time.Second,
		rq.outputCh,
	); err != nil {
		return err
	}
	return t.exec.RunCommand(
		ctx,
		fmt.Sprintf(
			"cd %s && git clone -b %s %s",
			path.Join(t.Workspace, workdir), branch, repository,
		),
		60*time.Second,
		rq.outputCh,
	)
}

func (rq *RunQueue) readPipelineRunData(
	ctx context.Context,
	pipelineID int64,
) (*store.PipelineRunData, error) {
	prd, err := rq.pipelineStore.ReadPipelineRunData(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	if prd.SSHPrivateKeyHash != nil {
		privateKey, err := rq.encrypter.DecryptAES(*prd.SSHPrivateKeyHash)
		if err != nil {
			return nil, err
		}
		prd.SSHPrivateKey = privateKey
	}
	return prd, nil
}

func closeTargets(targets map[string]*boundTarget) {
	for _, t := range targets {
		if err := t.exec.Close(); err != nil {
			log.Printf("err closing executor for '%s': %+v\n", t.Name, err)
		}
	}
}

func derefOr[T any](p *T, fallback T) T {
	if p == nil {
		return fallback
	}
	return *p
}

func repositoryDir(repository string) string {
	repoDir := repository[strings.LastIndex(repository, "/")+1:]
	return strings.TrimSuffix(repoDir, ".git")
}

func failedInstances(statuses map[string]graph.Status) string {
	var failed []string
	for id, s := range statuses {
		if s == graph.StatusFailed {
			failed = append(failed, id)
		}
	}
	if len(failed) == 0 {
		return "job instances were skipped"
	}
	return strings.Join(failed, ", ")
}
