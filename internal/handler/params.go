package handler

type CredentialParams struct {
	CredentialID  int64  `json:"credential_id"   param:"credential_id"`
	Username      string `json:"username"`
	Description   string `json:"description"`
	SSHPrivateKey string `json:"ssh_private_key"`
}

type AgentParams struct {
	AgentID           int64  `json:"agent_id"            param:"agent_id"`
	AgentCredentialID *int64 `json:"agent_credential_id"`
	Name              string `json:"name"`
	Hostname          string `json:"hostname"`
	Workspace         string `json:"workspace"`
	Description       string `json:"description"`
	OSType            string `json:"os_type"`
}

type PipelineParams struct {
	PipelineID      int64   `json:"pipeline_id"       param:"pipeline_id"`
	PipelineAgentID int64   `json:"pipeline_agent_id"`
	Name            string  `json:"name"`
	Description     string  `json:"description"`
	Repository      string  `json:"repository"`
	WorkflowPath    string  `json:"workflow_path"`
	TriggerBranches string  `json:"trigger_branches"`
	PathsIgnore     string  `json:"paths_ignore"`
	Schedule        *string `json:"schedule"`
	ScheduleBranch  *string `json:"schedule_branch"`
}

// WebhookParams is the body a forge posts on push and pull_request events.
type WebhookParams struct {
	PipelineID   int64    `param:"pipeline_id"`
	Event        string   `json:"event"`
	Branch       string   `json:"branch"`
	Commit       string   `json:"commit"`
	ChangedPaths []string `json:"changed_paths"`
}

type DispatchParams struct {
	PipelineID int64  `param:"pipeline_id"`
	Branch     string `json:"branch"`
	Commit     string `json:"commit"`
}

type RunParams struct {
	PipelineID int64 `param:"pipeline_id"`
	RunID      int64 `param:"run_id"`
}

type ListRunsParams struct {
	PipelineID int64 `param:"pipeline_id"`
	Page       int64 `query:"page"`
}

type LatestRunsParams struct {
	PipelineID int64 `param:"pipeline_id"`
	Limit      int64 `query:"limit"`
}

type APIKeyParams struct {
	ID int64 `param:"id"`
}

type ConfigParams struct {
	QueueSize          int64  `json:"queue_size"`
	JobTimeoutMinutes  int64  `json:"job_timeout_minutes"`
	CoverageServiceURL string `json:"coverage_service_url"`
	CoverageFailClosed bool   `json:"coverage_fail_closed"`
}
