// Package protocol defines the wire types exchanged between the daemon and
// agents over the execution bundle protocol (spec §6). Both binaries import
// this package so the JSON shapes stay in lock-step.
package protocol

// ExecutorKind selects how a stage's commands are run.
type ExecutorKind string

const (
	ExecutorLocal ExecutorKind = "local"
	ExecutorBatch ExecutorKind = "batch"
)

// BatchSpec configures batch-scheduler submission for executor=batch stages (§4.7).
type BatchSpec struct {
	Partition    string   `json:"partition,omitempty"`
	TimeLimit    string   `json:"time_limit,omitempty"`
	Account      string   `json:"account,omitempty"`
	QOS          string   `json:"qos,omitempty"`
	CPUsPerTask  int      `json:"cpus_per_task,omitempty"`
	Mem          string   `json:"mem,omitempty"`
	ExtraArgs    []string `json:"extra_args,omitempty"`
}

// CommandSpec is one ordered sub-command of an exec block (spec §3 "Stage config payload").
type CommandSpec struct {
	Name         string            `json:"name,omitempty"`
	Program      string            `json:"program"`
	Args         []string          `json:"args,omitempty"`
	Cwd          string            `json:"cwd,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	TimeoutSec   uint64            `json:"timeout_sec,omitempty"`
	AllowFailure bool              `json:"allow_failure,omitempty"`
}

// ExecBlockSpec is the stage config for kind=exec_block.
type ExecBlockSpec struct {
	Workdir     string            `json:"workdir"`
	Executor    ExecutorKind      `json:"executor"`
	Batch       *BatchSpec        `json:"batch,omitempty"`
	Commands    []CommandSpec     `json:"commands"`
	Env         map[string]string `json:"env,omitempty"`
	HaltOnError bool              `json:"halt_on_error"`
	AllowShell  bool              `json:"allow_shell"`
}

// CommandStatus is the terminal status of one executed sub-command.
type CommandStatus string

const (
	CommandSucceeded CommandStatus = "succeeded"
	CommandFailed    CommandStatus = "failed"
	CommandTimedOut  CommandStatus = "timed_out"
	CommandSkipped   CommandStatus = "skipped"
)

// CommandResult is the per-command outcome recorded in the manifest (spec §6).
type CommandResult struct {
	Index        int           `json:"index"`
	Program      string        `json:"program"`
	Args         []string      `json:"args,omitempty"`
	Cwd          string        `json:"cwd,omitempty"`
	StartedAtMS  int64         `json:"started_at_ms"`
	FinishedAtMS int64         `json:"finished_at_ms"`
	ExitCode     *int          `json:"exit_code,omitempty"`
	Status       CommandStatus `json:"status"`
	StdoutPath   string        `json:"stdout_path"`
	StderrPath   string        `json:"stderr_path"`
	Error        string        `json:"error,omitempty"`
}

// BlockStatus is the overall outcome of an exec block attempt.
type BlockStatus string

const (
	BlockSucceeded BlockStatus = "succeeded"
	BlockFailed    BlockStatus = "failed"
)

// ExecBlockResult is both the value transmitted via Complete and the
// manifest.json contents written to the bundle (spec §6 "Manifest JSON").
type ExecBlockResult struct {
	RunID         string          `json:"run_id"`
	StageID       string          `json:"stage_id"`
	BundleRoot    string          `json:"bundle_root"`
	Executor      ExecutorKind    `json:"executor"`
	BatchJobID    string          `json:"batch_job_id,omitempty"`
	ExtraFiles    []string        `json:"extra_files,omitempty"`
	StartedAtMS   int64           `json:"started_at_ms"`
	FinishedAtMS  int64           `json:"finished_at_ms"`
	Status        BlockStatus     `json:"status"`
	Commands      []CommandResult `json:"commands"`
	OutputRevision string         `json:"output_revision,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// ClaimRequest is sent by an agent polling for work (spec §6 "POST /v1/agent/claim").
type ClaimRequest struct {
	AgentID      string   `json:"agent_id"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Lease is the time-bounded right to execute one Job.
type Lease struct {
	JobID          string        `json:"job_id"`
	RunID          string        `json:"run_id"`
	StageID        string        `json:"stage_id"`
	LeaseToken     string        `json:"lease_token"`
	LeaseExpiresMS int64         `json:"lease_expires_at_ms"`
	BundleRoot     string        `json:"bundle_root"`
	WorkspaceRoot  string        `json:"workspace_root"`
	InputRevision  string        `json:"input_revision,omitempty"`
	Exec           ExecBlockSpec `json:"exec"`
}

// ClaimResponse answers a ClaimRequest. Assignment is nil when no job is available.
type ClaimResponse struct {
	Assignment *Lease `json:"assignment"`
	ServerNowMS int64 `json:"server_now_ms"`
}

// HeartbeatRequest extends a held lease (spec §6 "POST /v1/agent/heartbeat").
type HeartbeatRequest struct {
	AgentID    string `json:"agent_id"`
	JobID      string `json:"job_id"`
	LeaseToken string `json:"lease_token"`
}

// HeartbeatResponse reports the outcome of a heartbeat.
type HeartbeatResponse struct {
	OK            bool   `json:"ok"`
	NewExpiresMS  *int64 `json:"new_expires_ms,omitempty"`
	ServerNowMS   int64  `json:"server_now_ms"`
}

// CompleteRequest reports a finished job attempt (spec §6 "POST /v1/agent/complete").
type CompleteRequest struct {
	AgentID    string          `json:"agent_id"`
	JobID      string          `json:"job_id"`
	LeaseToken string          `json:"lease_token"`
	Result     ExecBlockResult `json:"result"`
}

// CompleteResponse reports the outcome of a Complete call.
type CompleteResponse struct {
	OK          bool   `json:"ok"`
	Message     string `json:"message,omitempty"`
	ServerNowMS int64  `json:"server_now_ms"`
}

// EnqueueRequest starts a new Run from a declarative WorkflowSpec.
type EnqueueRequest struct {
	ProjectPath  string       `json:"project_path"`
	Description  string       `json:"description"`
	Workflow     WorkflowSpec `json:"workflow"`
	BaseRevision string       `json:"base_revision,omitempty"`
}

// EnqueueResponse answers EnqueueRequest.
type EnqueueResponse struct {
	IntentID string `json:"intent_id"`
	RunID    string `json:"run_id"`
}

// StageSpec is one declarative stage in a WorkflowSpec (spec §4.2).
type StageSpec struct {
	StageID string        `json:"stage_id"`
	Kind    string        `json:"kind"`
	Config  ExecBlockSpec `json:"config"`
	// MaxAttempts caps retries after a failed attempt (spec §4.4 "Retry
	// backoff"). Zero defaults to 1 (no retry).
	MaxAttempts int `json:"max_attempts,omitempty"`
}

// EdgeSpec declares "to depends on from".
type EdgeSpec struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// WorkflowSpec is the declarative input to the Graph Materializer (spec §4.2).
type WorkflowSpec struct {
	Name   string      `json:"name"`
	Stages []StageSpec `json:"stages"`
	Edges  []EdgeSpec  `json:"edges"`
}
