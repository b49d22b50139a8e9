// Package lease implements the Leaser (spec §4.4): Claim, Heartbeat and
// Complete over lease-bounded Jobs, plus the Run-stickiness bookkeeping that
// keeps a Run's workspace single-writer (spec §5).
//
// Grounded on internal/controlplane/jobs/store.go's conditional-update
// transition pattern (UPDATE ... WHERE ... AND status = ?, RowsAffected
// check) and on github.com/google/uuid for opaque lease token minting, per
// the spec's Open Question (b): tokens are treated as opaque strings, never
// parsed.
package lease

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marcus-qen/legator/internal/clock"
	"github.com/marcus-qen/legator/internal/protocol"
	"github.com/marcus-qen/legator/internal/scheduler"
	"github.com/marcus-qen/legator/internal/store"
)

// ErrLeaseMismatch is returned when a Heartbeat or Complete call's
// (agent_id, lease_token) does not match the Job's current lease.
var ErrLeaseMismatch = errors.New("lease: owner/token mismatch")

const maxClaimCandidates = 8

// Option configures a Leaser.
type Option func(*Leaser)

// WithLeaseDuration overrides the default lease TTL (default 30s).
func WithLeaseDuration(d time.Duration) Option {
	return func(l *Leaser) {
		if d > 0 {
			l.leaseDuration = d
		}
	}
}

// WithStickyMultiplier overrides the Run owner-lease multiple of
// leaseDuration (default 3, per spec §5 "Run stickiness").
func WithStickyMultiplier(n int) Option {
	return func(l *Leaser) {
		if n > 0 {
			l.stickyMultiplier = n
		}
	}
}

// Leaser hands out, extends, and completes leases on queued Jobs.
type Leaser struct {
	store     *store.Store
	clock     clock.Clock
	scheduler *scheduler.Scheduler
	logger    *zap.Logger

	leaseDuration    time.Duration
	stickyMultiplier int
}

// New creates a Leaser. sched is invoked after Complete to fan out
// promotion/skip and recompute Run status (spec §4.4 Complete step 5).
func New(st *store.Store, clk clock.Clock, sched *scheduler.Scheduler, logger *zap.Logger, opts ...Option) *Leaser {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Leaser{
		store:            st,
		clock:            clk,
		scheduler:        sched,
		logger:           logger,
		leaseDuration:    30 * time.Second,
		stickyMultiplier: 3,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Claim selects and leases the oldest eligible Job for agentID
// (spec §4.4 Claim). It returns (nil, nil) when no Job is currently
// claimable — not an error.
func (l *Leaser) Claim(agentID string, capabilities []string) (*protocol.Lease, error) {
	now := l.clock.NowMS()

	candidates, err := l.store.ClaimCandidates(maxClaimCandidates, now)
	if err != nil {
		return nil, fmt.Errorf("lease: list claim candidates: %w", err)
	}

	for _, job := range candidates {
		run, err := l.store.GetRun(job.RunID)
		if err != nil {
			return nil, fmt.Errorf("lease: get run %s: %w", job.RunID, err)
		}
		if run.OwnerAgent != "" && run.OwnerAgent != agentID {
			continue // spec §4.4 step 2: Run stickiness skip
		}

		token := uuid.NewString()
		expiresAt := now + l.leaseDuration.Milliseconds()
		if err := l.store.TryClaimJob(job.ID, agentID, token, expiresAt, now, now); err != nil {
			if errors.Is(err, store.ErrConflict) {
				continue // lost the race; try next candidate
			}
			return nil, fmt.Errorf("lease: claim job %s: %w", job.ID, err)
		}

		ownerExpiresAt := now + l.leaseDuration.Milliseconds()*int64(l.stickyMultiplier)
		if err := l.store.SetRunOwner(run.ID, agentID, ownerExpiresAt); err != nil {
			return nil, fmt.Errorf("lease: set run owner: %w", err)
		}

		sr, err := l.store.GetStageRun(job.StageRunID)
		if err != nil {
			return nil, fmt.Errorf("lease: get stage run %s: %w", job.StageRunID, err)
		}
		sr.Status = store.StageRunning
		if err := l.store.UpdateStageRun(*sr); err != nil {
			return nil, fmt.Errorf("lease: mark stage run running: %w", err)
		}

		l.logger.Info("job claimed", zap.String("job_id", job.ID), zap.String("agent_id", agentID))
		return &protocol.Lease{
			JobID:          job.ID,
			RunID:          job.RunID,
			StageID:        job.StageID,
			LeaseToken:     token,
			LeaseExpiresMS: expiresAt,
			BundleRoot:     job.BundleRoot,
			WorkspaceRoot:  job.WorkspacePath,
			InputRevision:  job.InputRevision,
			Exec:           job.Config,
		}, nil
	}

	return nil, nil
}

// Heartbeat extends a held lease's expiry (spec §4.4 Heartbeat). Returns
// ErrLeaseMismatch if the Job's current lease does not match.
func (l *Leaser) Heartbeat(agentID, jobID, leaseToken string) (newExpiresAtMS int64, err error) {
	now := l.clock.NowMS()
	newExpiresAtMS = now + l.leaseDuration.Milliseconds()
	if err := l.store.HeartbeatJob(jobID, agentID, leaseToken, newExpiresAtMS); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return 0, ErrLeaseMismatch
		}
		return 0, fmt.Errorf("lease: heartbeat job %s: %w", jobID, err)
	}
	return newExpiresAtMS, nil
}

// Complete finalizes a Job attempt and fans out to the Scheduler
// (spec §4.4 Complete). A call against an already-terminal Job is an
// idempotent no-op that reports success, per spec step 1.
func (l *Leaser) Complete(agentID, jobID, leaseToken string, result protocol.ExecBlockResult) (alreadyCompleted bool, err error) {
	job, err := l.store.GetJob(jobID)
	if err != nil {
		return false, fmt.Errorf("lease: get job %s: %w", jobID, err)
	}
	if store.IsTerminal(job.Status) {
		return true, nil
	}

	now := l.clock.NowMS()
	status := store.JobFailed
	if result.Status == protocol.BlockSucceeded {
		status = store.JobSucceeded
	}

	artifact, err := l.store.CreateArtifact(store.Artifact{
		RunID:      job.RunID,
		StageID:    job.StageID,
		BundleRoot: result.BundleRoot,
	})
	if err != nil {
		return false, fmt.Errorf("lease: create artifact: %w", err)
	}

	if err := l.store.CompleteJob(jobID, agentID, leaseToken, result, status, artifact.ID, now); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return false, ErrLeaseMismatch
		}
		return false, fmt.Errorf("lease: complete job %s: %w", jobID, err)
	}

	sr, err := l.store.GetStageRun(job.StageRunID)
	if err != nil {
		return false, fmt.Errorf("lease: get stage run %s: %w", job.StageRunID, err)
	}

	if status == store.JobSucceeded {
		sr.Status = store.StageSucceeded
		sr.OutputRevision = outputRevision(result)
		if err := l.store.UpdateStageRun(*sr); err != nil {
			return false, err
		}
	} else {
		if _, err := l.scheduler.HandleAttemptFailure(*sr); err != nil {
			return false, err
		}
	}

	if err := l.scheduler.Promote(job.RunID); err != nil {
		return false, fmt.Errorf("lease: promote after complete: %w", err)
	}

	l.logger.Info("job completed", zap.String("job_id", jobID), zap.String("status", string(status)))
	return false, nil
}

func outputRevision(result protocol.ExecBlockResult) string {
	return result.OutputRevision
}
