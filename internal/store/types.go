// Package store persists Intents, Runs, StageRuns, Jobs, requires edges and
// Artifacts in SQLite (spec §3, §6 "Persisted state layout"). It owns all
// mutable daemon state except bundle directory contents, which belong to the
// Runner.
//
// Grounded on internal/controlplane/jobs/store.go's connection setup (single
// pooled modernc.org/sqlite connection, WAL, busy_timeout, foreign_keys) and
// conditional-update transition style, generalized from a flat job/job_run
// schema to the Intent/Run/StageRun/Job/Requires/Artifact entities this spec
// requires.
package store

import "github.com/marcus-qen/legator/internal/protocol"

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// StageRunStatus is the lifecycle state of a StageRun.
type StageRunStatus string

const (
	StagePending    StageRunStatus = "pending"
	StageRunning    StageRunStatus = "running"
	StageSucceeded  StageRunStatus = "succeeded"
	StageFailed     StageRunStatus = "failed"
	StageNeedsHuman StageRunStatus = "needs_human"
	StageSkipped    StageRunStatus = "skipped"
)

// JobStatus is the lifecycle state of a Job (one attempt of one StageRun).
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Intent is the immutable record of one enqueue call (spec §3).
type Intent struct {
	ID           string
	ProjectPath  string
	Description  string
	CreatedAtMS  int64
	WorkflowName string
}

// Run is one execution of one WorkflowSpec against one project (spec §3).
type Run struct {
	ID                     string
	IntentID               string
	WorkflowName           string
	Status                 RunStatus
	CreatedAtMS            int64
	OwnerAgent             string // "" when unowned
	OwnerLeaseExpiresAtMS  int64  // 0 when unowned
	BaseRevision           string
}

// Validation captures a Safety Validator outcome attached to a StageRun.
type Validation struct {
	Decision   string   `json:"decision"`
	Warnings   []string `json:"warnings,omitempty"`
	Violations []string `json:"violations,omitempty"`
	Reason     string   `json:"reason,omitempty"` // set for needs_human outcomes not from the validator (e.g. revision divergence)
}

// StageRun is one Run's instance of one declarative stage (spec §3).
type StageRun struct {
	ID            string
	RunID         string
	StageID       string
	Kind          string
	Config        protocol.ExecBlockSpec
	Status        StageRunStatus
	Validation    *Validation
	InputRevision string
	OutputRevision string
	WorkspacePath string
	AttemptsUsed  int
	MaxAttempts   int
	CreatedAtMS   int64
	UpdatedAtMS   int64
}

// Job is one scheduling unit: one attempt of one StageRun (spec §3).
type Job struct {
	ID             string
	RunID          string
	StageRunID     string
	StageID        string
	Kind           string
	Config         protocol.ExecBlockSpec
	Status         JobStatus
	Attempt        int
	CreatedAtMS    int64
	StartedAtMS    int64
	FinishedAtMS   int64
	LeaseOwner     string
	LeaseToken     string
	LeaseExpiresAtMS int64
	BundleRoot     string
	WorkspacePath  string
	InputRevision  string
	Result         *protocol.ExecBlockResult
	ArtifactID     string
	VisibleAfterMS int64 // retry backoff: job not claimable before this time
}

// Artifact is an opaque pointer to an on-disk bundle (spec §3, §6).
type Artifact struct {
	ID          string
	RunID       string
	StageID     string
	BundleRoot  string
	CreatedAtMS int64
}

// Requires records "to depends on from" between two StageRuns of the same Run.
type Requires struct {
	From string
	To   string
}
