package testutil

import (
	"context"

	"github.com/gantryci/gantry/internal/service"
	"github.com/gantryci/gantry/internal/store"
	"github.com/gantryci/gantry/internal/trigger"
	"github.com/stretchr/testify/mock"
)

type MockPipelineService struct {
	mock.Mock
}

func (m *MockPipelineService) CreatePipeline(
	ctx context.Context,
	agentID int64,
	name, description, repository, workflowPath, triggerBranches, pathsIgnore string,
) (*store.Pipeline, error) {
	args := m.Called(
		ctx, agentID, name, description, repository, workflowPath, triggerBranches, pathsIgnore,
	)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.Pipeline), args.Error(1)
}

func (m *MockPipelineService) GetPipelineByID(
	ctx context.Context,
	id int64,
) (*store.Pipeline, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.Pipeline), args.Error(1)
}

func (m *MockPipelineService) ListPipelines(ctx context.Context) ([]*store.Pipeline, error) {
	args := m.Called(ctx)
	return args.Get(0).([]*store.Pipeline), args.Error(1)
}

func (m *MockPipelineService) UpdatePipeline(
	ctx context.Context,
	pipelineID, agentID int64,
	name, description, repository, workflowPath, triggerBranches, pathsIgnore string,
) error {
	args := m.Called(
		ctx, pipelineID, agentID,
		name, description, repository, workflowPath, triggerBranches, pathsIgnore,
	)
	return args.Error(0)
}

func (m *MockPipelineService) UpdatePipelineSchedule(
	ctx context.Context,
	id int64,
	schedule, branch *string,
) error {
	args := m.Called(ctx, id, schedule, branch)
	return args.Error(0)
}

func (m *MockPipelineService) DeletePipeline(ctx context.Context, id int64) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockPipelineService) TriggerRun(
	ctx context.Context,
	pipelineID int64,
	ev trigger.Event,
) (*store.Run, bool, error) {
	args := m.Called(ctx, pipelineID, ev)
	if args.Get(0) == nil {
		return nil, args.Bool(1), args.Error(2)
	}
	return args.Get(0).(*store.Run), args.Bool(1), args.Error(2)
}

func (m *MockPipelineService) GetRunByID(ctx context.Context, id int64) (*store.Run, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.Run), args.Error(1)
}

func (m *MockPipelineService) ListLatestPipelineRuns(
	ctx context.Context,
	id, limit int64,
) ([]store.Run, error) {
	args := m.Called(ctx, id, limit)
	return args.Get(0).([]store.Run), args.Error(1)
}

func (m *MockPipelineService) ListPipelineRunsPaginated(
	ctx context.Context,
	id, limit, offset int64,
) ([]store.Run, error) {
	args := m.Called(ctx, id, limit, offset)
	return args.Get(0).([]store.Run), args.Error(1)
}

func (m *MockPipelineService) GetPipelineRunCount(ctx context.Context, id int64) (int64, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockPipelineService) ListRunJobRuns(
	ctx context.Context,
	runID int64,
) ([]store.JobRun, error) {
	args := m.Called(ctx, runID)
	return args.Get(0).([]store.JobRun), args.Error(1)
}

func (m *MockPipelineService) DeleteRun(ctx context.Context, id int64) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockPipelineService) CancelRun(pipelineID, runID int64) {
	m.Called(pipelineID, runID)
}

func (m *MockPipelineService) CollectRunArtifacts(
	ctx context.Context,
	pipelineID, runID int64,
) (string, error) {
	args := m.Called(ctx, pipelineID, runID)
	return args.String(0), args.Error(1)
}

func (m *MockPipelineService) GetRunQueue(id int64) (*service.RunQueue, bool) {
	args := m.Called(id)
	if args.Get(0) == nil {
		return nil, args.Bool(1)
	}
	return args.Get(0).(*service.RunQueue), args.Bool(1)
}

func (m *MockPipelineService) EnqueueRun(r *store.Run) error {
	args := m.Called(r)
	return args.Error(0)
}
