package store

import (
	"context"
)

type Pipeline struct {
	PipelineID      int64
	PipelineAgentID int64
	Name            string
	Description     string
	// Git repository path
	Repository string
	// Workflow file path within the repository
	WorkflowPath string
	// Comma-separated branch filter; empty matches any branch
	TriggerBranches string
	// Comma-separated path suffixes whose changes never trigger a run
	PathsIgnore string
	// Pipeline schedule in cron syntax
	Schedule *string
	// Git branch for scheduled run
	ScheduleBranch *string
	// Scheduled job ID
	ScheduleJobID *string
}

// PipelineRunData is everything a run needs about its pipeline's default
// agent and that agent's SSH identity, joined in one read.
type PipelineRunData struct {
	PipelineID        int64
	PipelineName      string
	AgentID           int64
	OSType            string
	CredentialID      *int64
	Repository        string
	WorkflowPath      string
	Name              string
	Hostname          string
	Workspace         string
	Username          *string
	SSHPrivateKeyHash *string
	SSHPrivateKey     []byte
}

type PipelineStore interface {
	CreatePipeline(
		context.Context,
		int64,
		string,
		string,
		string,
		string,
		string,
		string,
	) (*Pipeline, error)
	ReadPipelineByID(context.Context, int64) (*Pipeline, error)
	ReadPipelineRunData(context.Context, int64) (*PipelineRunData, error)
	UpdatePipeline(context.Context, int64, int64, string, string, string, string, string, string) error
	UpdatePipelineSchedule(context.Context, int64, *string, *string, *string) error
	UpdatePipelineScheduleJobID(context.Context, int64, *string) error
	DeletePipeline(context.Context, int64) error
	ListPipelines(context.Context) ([]*Pipeline, error)
	ListScheduledPipelines(context.Context) ([]*Pipeline, error)
}
