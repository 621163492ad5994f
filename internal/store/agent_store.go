package store

import "context"

// Agent is one target environment a job can run on: a machine reachable over
// SSH, or the controller itself when OSType is 'local'. Workflow runs_on
// entries match agents by Name.
type Agent struct {
	AgentID           int64
	AgentCredentialID *int64
	Name              string
	Hostname          string
	Workspace         string
	Description       string
	OSType            string
}

type AgentStore interface {
	CreateAgent(context.Context, *int64, string, string, string, string, string) (*Agent, error)
	ReadAgentByID(context.Context, int64) (*Agent, error)
	ReadAgentByName(context.Context, string) (*Agent, error)
	UpdateAgent(context.Context, int64, *int64, string, string, string, string, string) error
	DeleteAgent(context.Context, int64) error
	ListAgents(context.Context) ([]*Agent, error)
}
