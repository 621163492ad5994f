package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path"
	"sync"

	"github.com/gantryci/gantry/internal"
	"github.com/gantryci/gantry/internal/security"
	"github.com/gantryci/gantry/internal/store"
	"github.com/gantryci/gantry/internal/trigger"
	"github.com/gantryci/gantry/internal/util"
	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
)

type PipelineServicer interface {
	CreatePipeline(
		ctx context.Context,
		agentID int64,
		name, description, repository, workflowPath, triggerBranches, pathsIgnore string,
	) (*store.Pipeline, error)
	GetPipelineByID(context.Context, int64) (*store.Pipeline, error)
	ListPipelines(context.Context) ([]*store.Pipeline, error)
	UpdatePipeline(
		ctx context.Context,
		pipelineID, agentID int64,
		name, description, repository, workflowPath, triggerBranches, pathsIgnore string,
	) error
	UpdatePipelineSchedule(context.Context, int64, *string, *string) error
	DeletePipeline(context.Context, int64) error

	TriggerRun(context.Context, int64, trigger.Event) (*store.Run, bool, error)
	GetRunByID(context.Context, int64) (*store.Run, error)
	ListLatestPipelineRuns(context.Context, int64, int64) ([]store.Run, error)
	ListPipelineRunsPaginated(context.Context, int64, int64, int64) ([]store.Run, error)
	GetPipelineRunCount(context.Context, int64) (int64, error)
	ListRunJobRuns(context.Context, int64) ([]store.JobRun, error)
	DeleteRun(context.Context, int64) error
	CancelRun(pipelineID, runID int64)
	CollectRunArtifacts(context.Context, int64, int64) (string, error)

	GetRunQueue(int64) (*RunQueue, bool)
	EnqueueRun(*store.Run) error
}

type PipelineService struct {
	pipelineStore   store.PipelineStore
	runStore        store.RunStore
	jobRunStore     store.JobRunStore
	credentialStore store.CredentialStore
	agentStore      store.AgentStore
	scheduler       gocron.Scheduler
	aesEncrypter    security.Encrypter
	runConfig       RunConfig

	mu     sync.Mutex
	queues map[int64]*RunQueue
}

func NewPipelineService(
	pipelineStore store.PipelineStore,
	runStore store.RunStore,
	jobRunStore store.JobRunStore,
	credentialStore store.CredentialStore,
	agentStore store.AgentStore,
	scheduler gocron.Scheduler,
	aesEncrypter security.Encrypter,
	runConfig RunConfig,
) *PipelineService {
	return &PipelineService{
		pipelineStore:   pipelineStore,
		runStore:        runStore,
		jobRunStore:     jobRunStore,
		credentialStore: credentialStore,
		agentStore:      agentStore,
		scheduler:       scheduler,
		aesEncrypter:    aesEncrypter,
		runConfig:       runConfig,
		queues:          make(map[int64]*RunQueue),
	}
}

func (s *PipelineService) InitializeRunQueues(ctx context.Context) error {
	pipelines, err := s.ListPipelines(ctx)
	if err != nil {
		return err
	}

	ids := make([]int64, len(pipelines))
	for i, p := range pipelines {
		ids[i] = p.PipelineID
	}

	s.AddRunQueues(ids, internal.Config.QueueSize)
	s.StartRunQueues()
	return nil
}

func (s *PipelineService) CreatePipeline(
	ctx context.Context,
	agentID int64,
	name, description, repository, workflowPath, triggerBranches, pathsIgnore string,
) (*store.Pipeline, error) {
	p, err := s.pipelineStore.CreatePipeline(
		ctx,
		agentID,
		name,
		description,
		repository,
		workflowPath,
		triggerBranches,
		pathsIgnore,
	)
	if err != nil {
		return nil, err
	}
	s.AddRunQueue(p.PipelineID, internal.Config.QueueSize)
	if err := s.StartRunQueue(p.PipelineID); err != nil {
		return p, err
	}
	return p, nil
}

func (s *PipelineService) GetPipelineByID(
	ctx context.Context,
	pipelineID int64,
) (*store.Pipeline, error) {
	return s.pipelineStore.ReadPipelineByID(ctx, pipelineID)
}

func (s *PipelineService) ListPipelines(
	ctx context.Context,
) ([]*store.Pipeline, error) {
	pipelines, err := s.pipelineStore.ListPipelines(ctx)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return pipelines, nil
}

func (s *PipelineService) ListScheduledPipelines(
	ctx context.Context,
) ([]*store.Pipeline, error) {
	pipelines, err := s.pipelineStore.ListScheduledPipelines(ctx)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return pipelines, nil
}

func (s *PipelineService) UpdatePipeline(
	ctx context.Context,
	pipelineID, agentID int64,
	name, description, repository, workflowPath, triggerBranches, pathsIgnore string,
) error {
	return s.pipelineStore.UpdatePipeline(
		ctx,
		pipelineID,
		agentID,
		name,
		description,
		repository,
		workflowPath,
		triggerBranches,
		pathsIgnore,
	)
}

func (s *PipelineService) UpdatePipelineSchedule(
	ctx context.Context,
	id int64,
	schedule, branch *string,
) error {
	p, err := s.pipelineStore.ReadPipelineByID(ctx, id)
	if err != nil {
		return err
	}

	if schedule == nil {
		if p.ScheduleJobID != nil && s.scheduler != nil {
			if err := s.scheduler.RemoveJob(uuid.MustParse(*p.ScheduleJobID)); err != nil {
				log.Println("unable to remove existing job:", err)
			}
		}
		return s.pipelineStore.UpdatePipelineSchedule(ctx, p.PipelineID, nil, nil, nil)
	}

	jobID, err := s.SchedulePipelineRun(p.PipelineID, *schedule, *branch)
	if err != nil {
		return err
	}
	return s.pipelineStore.UpdatePipelineSchedule(
		ctx,
		p.PipelineID,
		schedule,
		branch,
		jobID,
	)
}

func (s *PipelineService) DeletePipeline(
	ctx context.Context, pipelineID int64,
) error {
	if err := s.pipelineStore.DeletePipeline(ctx, pipelineID); err != nil {
		return err
	}
	s.RemoveRunQueue(pipelineID)
	return nil
}

// TriggerRun evaluates an event against the pipeline's trigger rules. An
// ignored event leaves no trace: no run row is created and nothing is
// enqueued. The bool reports whether a run was started.
func (s *PipelineService) TriggerRun(
	ctx context.Context,
	pipelineID int64,
	ev trigger.Event,
) (*store.Run, bool, error) {
	p, err := s.pipelineStore.ReadPipelineByID(ctx, pipelineID)
	if err != nil {
		return nil, false, err
	}

	rules := trigger.ParseRules(p.TriggerBranches, p.PathsIgnore)
	if trigger.Evaluate(rules, ev) == trigger.Ignore {
		return nil, false, nil
	}

	r, err := s.runStore.CreateRun(ctx, pipelineID, ev.Branch, string(ev.Kind), ev.Commit)
	if err != nil {
		return nil, false, err
	}
	if err := s.EnqueueRun(r); err != nil {
		return r, true, err
	}
	return r, true, nil
}

func (s *PipelineService) GetRunByID(
	ctx context.Context, runID int64,
) (*store.Run, error) {
	return s.runStore.ReadRunByID(ctx, runID)
}

func (s *PipelineService) DeleteRun(
	ctx context.Context, runID int64,
) error {
	return s.runStore.DeleteRun(ctx, runID)
}

func (s *PipelineService) ListLatestPipelineRuns(
	ctx context.Context,
	pipelineID, limit int64,
) ([]store.Run, error) {
	runs, err := s.runStore.ListLatestPipelineRuns(ctx, pipelineID, limit)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return runs, nil
}

func (s *PipelineService) ListPipelineRunsPaginated(
	ctx context.Context,
	pipelineID, limit, offset int64,
) ([]store.Run, error) {
	return s.runStore.ListPipelineRunsPaginated(
		ctx, pipelineID, limit, offset,
	)
}

func (s *PipelineService) GetPipelineRunCount(
	ctx context.Context, id int64,
) (int64, error) {
	return s.runStore.CountPipelineRuns(ctx, id)
}

func (s *PipelineService) ListRunJobRuns(
	ctx context.Context,
	runID int64,
) ([]store.JobRun, error) {
	jobRuns, err := s.jobRunStore.ListRunJobRuns(ctx, runID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return jobRuns, nil
}

func (s *PipelineService) CancelRun(pipelineID, runID int64) {
	if rq, ok := s.GetRunQueue(pipelineID); ok {
		rq.CancelRun(runID)
	}
}

// CollectRunArtifacts downloads a finished run's checkout from the default
// agent and zips it locally. Repeat calls reuse the existing archive.
func (s *PipelineService) CollectRunArtifacts(
	ctx context.Context,
	pipelineID, runID int64,
) (string, error) {
	if exists, _ := util.PathExists("artifacts"); !exists {
		os.Mkdir("artifacts", os.ModePerm)
	}

	r, err := s.GetRunByID(ctx, runID)
	if err != nil {
		return "", err
	}
	if r.WorkingDirectory == nil {
		return "", fmt.Errorf("run %d has not started", runID)
	}

	artifactsDir := path.Join("artifacts", fmt.Sprintf("%d", r.RunID))
	archivePath := artifactsDir + ".zip"
	if exists, _ := util.PathExists(archivePath); exists {
		return archivePath, nil
	}

	prd, err := s.pipelineStore.ReadPipelineRunData(ctx, pipelineID)
	if err != nil {
		return "", err
	}
	if prd.SSHPrivateKeyHash != nil {
		privateKey, err := s.aesEncrypter.DecryptAES(*prd.SSHPrivateKeyHash)
		if err != nil {
			return "", err
		}
		prd.SSHPrivateKey = privateKey
	}

	exec, err := defaultExecutorFactory(Target{
		Name:       prd.Name,
		Hostname:   prd.Hostname,
		Workspace:  prd.Workspace,
		OSType:     prd.OSType,
		Username:   derefOr(prd.Username, ""),
		PrivateKey: prd.SSHPrivateKey,
	})
	if err != nil {
		return "", err
	}
	defer exec.Close()

	baseDir := path.Join(prd.Workspace, *r.WorkingDirectory, repositoryDir(prd.Repository))
	if err := exec.DownloadDir(baseDir, artifactsDir); err != nil {
		return "", err
	}

	return util.ArchiveDirectory(artifactsDir)
}

// RestoreSchedules re-registers cron jobs for scheduled pipelines after a
// restart.
func (s *PipelineService) RestoreSchedules(ctx context.Context) error {
	pipelines, err := s.ListScheduledPipelines(ctx)
	if err != nil {
		return err
	}
	for _, p := range pipelines {
		jobID, err := s.SchedulePipelineRun(p.PipelineID, *p.Schedule, *p.ScheduleBranch)
		if err != nil {
			log.Printf("err re-scheduling pipeline %d: %+v\n", p.PipelineID, err)
			continue
		}
		if err := s.pipelineStore.UpdatePipelineScheduleJobID(ctx, p.PipelineID, jobID); err != nil {
			log.Printf("err updating schedule job id for pipeline %d: %+v\n", p.PipelineID, err)
		}
	}
	return nil
}

func (s *PipelineService) SchedulePipelineRun(
	pipelineID int64,
	schedule, branch string,
) (*string, error) {
	if s.scheduler == nil {
		return nil, nil
	}
	job, err := s.scheduler.NewJob(
		gocron.CronJob(schedule, false),
		gocron.NewTask(func() {
			ev := trigger.Event{Kind: trigger.KindSchedule, Branch: branch}
			if _, _, err := s.TriggerRun(context.Background(), pipelineID, ev); err != nil {
				log.Printf("err starting scheduled run for pipeline %d: %+v\n", pipelineID, err)
			}
		}))
	if err != nil {
		return nil, fmt.Errorf("error scheduling pipeline job: %w", err)
	}
	return util.AsPtr(job.ID().String()), nil
}

func (s *PipelineService) newRunQueue(maxRuns int64) *RunQueue {
	return NewRunQueue(
		s.pipelineStore,
		s.runStore,
		s.jobRunStore,
		s.agentStore,
		s.credentialStore,
		s.aesEncrypter,
		s.runConfig,
		maxRuns,
	)
}

func (s *PipelineService) AddRunQueues(ids []int64, maxRuns int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.queues[id] = s.newRunQueue(maxRuns)
	}
}

func (s *PipelineService) StartRunQueues() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.queues {
		go s.queues[i].Run()
	}
}

func (s *PipelineService) AddRunQueue(id int64, maxRuns int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[id] = s.newRunQueue(maxRuns)
}

func (s *PipelineService) StartRunQueue(id int64) error {
	rq, ok := s.GetRunQueue(id)
	if !ok {
		return fmt.Errorf("run queue for pipeline %d does not exist", id)
	}
	go rq.Run()
	return nil
}

func (s *PipelineService) GetRunQueue(id int64) (*RunQueue, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rq, ok := s.queues[id]
	return rq, ok
}

func (s *PipelineService) RemoveRunQueue(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queues, id)
}

func (s *PipelineService) EnqueueRun(r *store.Run) error {
	rq, ok := s.GetRunQueue(r.RunPipelineID)
	if !ok {
		return fmt.Errorf("run queue for pipeline %d does not exist", r.RunPipelineID)
	}
	return rq.Enqueue(r)
}

func (s *PipelineService) ShutdownAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	var wg sync.WaitGroup
	for _, rq := range s.queues {
		wg.Go(func() {
			rq.Shutdown()
		})
	}
	wg.Wait()
}

var _ PipelineServicer = (*PipelineService)(nil)
