package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/gantryci/gantry/internal/executor"
	"github.com/gantryci/gantry/internal/store"
)

type AgentServicer interface {
	CreateAgent(
		ctx context.Context,
		agentCredentialID *int64,
		name, hostname, workspace, description, osType string,
	) (*store.Agent, error)
	GetAgentByID(context.Context, int64) (*store.Agent, error)
	GetAgentByName(context.Context, string) (*store.Agent, error)
	ListAgents(context.Context) ([]*store.Agent, error)
	UpdateAgent(
		ctx context.Context,
		agentID int64, agentCredentialID *int64,
		name, hostname, workspace, description, osType string,
	) error
	DeleteAgent(context.Context, int64) error

	TestAgentConnection(context.Context, int64) error
}

type AgentService struct {
	agentStore store.AgentStore

	credentialService CredentialServicer
}

func NewAgentService(s store.AgentStore, cs CredentialServicer) *AgentService {
	return &AgentService{agentStore: s, credentialService: cs}
}

func (s *AgentService) CreateAgent(
	ctx context.Context,
	agentCredentialID *int64,
	name, hostname, workspace, description, osType string,
) (*store.Agent, error) {
	if osType != "local" && agentCredentialID == nil {
		return nil, fmt.Errorf("agent '%s' needs an SSH credential", name)
	}
	return s.agentStore.CreateAgent(
		ctx,
		agentCredentialID,
		name,
		hostname,
		workspace,
		description,
		osType,
	)
}

func (s *AgentService) GetAgentByID(ctx context.Context, agentID int64) (*store.Agent, error) {
	return s.agentStore.ReadAgentByID(ctx, agentID)
}

func (s *AgentService) GetAgentByName(ctx context.Context, name string) (*store.Agent, error) {
	return s.agentStore.ReadAgentByName(ctx, name)
}

func (s *AgentService) ListAgents(ctx context.Context) ([]*store.Agent, error) {
	agents, err := s.agentStore.ListAgents(ctx)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return agents, nil
}

func (s *AgentService) UpdateAgent(
	ctx context.Context,
	agentID int64,
	agentCredentialID *int64,
	name, hostname, workspace, description, osType string,
) error {
	return s.agentStore.UpdateAgent(
		ctx,
		agentID,
		agentCredentialID,
		name,
		hostname,
		workspace,
		description,
		osType,
	)
}

func (s *AgentService) DeleteAgent(ctx context.Context, agentID int64) error {
	return s.agentStore.DeleteAgent(ctx, agentID)
}

// TestAgentConnection opens and closes a connection to the agent. Local
// agents have nothing to connect to.
func (s *AgentService) TestAgentConnection(ctx context.Context, agentID int64) error {
	a, err := s.GetAgentByID(ctx, agentID)
	if err != nil {
		return err
	}
	if a.OSType == "local" {
		return nil
	}
	if a.AgentCredentialID == nil {
		return fmt.Errorf("agent '%s' has no SSH credential", a.Name)
	}

	cred, err := s.credentialService.GetCredentialByID(ctx, *a.AgentCredentialID)
	if err != nil {
		return err
	}
	privateKey, err := s.credentialService.DecryptAES(cred.SSHPrivateKeyHash)
	if err != nil {
		return err
	}

	exec, err := executor.NewSSHExecutor(cred.Username, a.Hostname, privateKey, nil)
	if err != nil {
		return err
	}
	return exec.Close()
}
