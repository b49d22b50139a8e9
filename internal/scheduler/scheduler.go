// Package scheduler evaluates stage readiness, promotes ready StageRuns to
// queued Jobs, skips descendants of failed stages, and rolls up Run status
// (spec §4.3). It also runs the periodic Reconciler that requeues Jobs with
// expired leases and clears expired Run owners.
//
// Grounded on internal/controlplane/jobs/scheduler.go's ticker-driven
// background loop, functional-options constructor, and mutex-guarded
// Start/Stop lifecycle, generalized from dispatching cron/duration jobs to
// DAG-readiness promotion.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/legator/internal/bundle"
	"github.com/marcus-qen/legator/internal/clock"
	"github.com/marcus-qen/legator/internal/retry"
	"github.com/marcus-qen/legator/internal/store"
	"github.com/marcus-qen/legator/internal/telemetry"
	"github.com/marcus-qen/legator/internal/validate"
)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithReconcileInterval overrides the periodic Reconcile cadence (default 5s).
func WithReconcileInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.reconcileInterval = d
		}
	}
}

// WithRetryPolicy overrides the default backoff policy applied after a
// failed attempt that still has retries remaining.
func WithRetryPolicy(p retry.Policy) Option {
	return func(s *Scheduler) {
		s.retryPolicy = p
	}
}

// WithRunsRoot overrides the base directory under which bundle directories
// are pre-allocated.
func WithRunsRoot(path string) Option {
	return func(s *Scheduler) {
		s.runsRoot = path
	}
}

// WithWorkspacesRoot overrides the base directory under which per-Run
// workspaces are pre-allocated.
func WithWorkspacesRoot(path string) Option {
	return func(s *Scheduler) {
		s.workspacesRoot = path
	}
}

// Scheduler implements Promote, Reconcile and Run rollup over a Store.
type Scheduler struct {
	store  *store.Store
	clock  clock.Clock
	logger *zap.Logger

	runsRoot       string
	workspacesRoot string
	retryPolicy    retry.Policy

	reconcileInterval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	ticker *time.Ticker
	wg     sync.WaitGroup
}

// New creates a Scheduler over st, driven by clk.
func New(st *store.Store, clk clock.Clock, logger *zap.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		store:             st,
		clock:             clk,
		logger:            logger,
		runsRoot:          "runs",
		workspacesRoot:    "workspaces",
		retryPolicy:       retry.DefaultPolicy(),
		reconcileInterval: 5 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Start launches the background Reconcile loop. Safe to call once; a second
// call is a no-op while already running.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.ticker != nil {
		s.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.ticker = time.NewTicker(s.reconcileInterval)
	ticker := s.ticker
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				if err := s.Reconcile(); err != nil {
					s.logger.Warn("reconcile failed", zap.Error(err))
				}
			}
		}
	}()
}

// Stop halts the background Reconcile loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.ticker == nil {
		s.mu.Unlock()
		return
	}
	s.ticker.Stop()
	s.ticker = nil
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// Promote evaluates every pending StageRun of runID and advances it to
// queued (via a new Job), skipped, needs_human, or leaves it pending
// (spec §4.3 Promote).
func (s *Scheduler) Promote(runID string) error {
	stageRuns, err := s.store.ListStageRunsByRun(runID)
	if err != nil {
		return fmt.Errorf("scheduler: list stage runs: %w", err)
	}
	run, err := s.store.GetRun(runID)
	if err != nil {
		return fmt.Errorf("scheduler: get run: %w", err)
	}

	for _, sr := range stageRuns {
		if sr.Status != store.StagePending {
			continue
		}
		if err := s.promoteOne(run, sr); err != nil {
			return err
		}
	}
	return s.Rollup(runID)
}

func (s *Scheduler) promoteOne(run *store.Run, sr store.StageRun) error {
	active, err := s.store.CountActiveJobsByStageRun(sr.ID)
	if err != nil {
		return err
	}
	if active > 0 {
		return nil
	}

	predecessors, err := s.store.ListPredecessors(sr.ID)
	if err != nil {
		return err
	}

	unmet := 0
	for _, p := range predecessors {
		switch p.Status {
		case store.StageFailed, store.StageNeedsHuman, store.StageSkipped:
			return s.skipTransitively(sr)
		case store.StageSucceeded:
			// met
		default:
			unmet++
		}
	}
	if unmet > 0 {
		return nil
	}

	inputRevision, divergent := resolveInputRevision(run, predecessors)
	if divergent {
		sr.Status = store.StageNeedsHuman
		sr.Validation = &store.Validation{Reason: "predecessors reported divergent output_revision"}
		return s.store.UpdateStageRun(sr)
	}
	sr.InputRevision = inputRevision

	if sr.Kind == "exec_block" {
		result := validate.Validate(sr.Config)
		v := &store.Validation{Decision: string(result.Decision), Warnings: result.Warnings, Violations: result.Violations}
		if result.Decision == validate.Block {
			sr.Status = store.StageNeedsHuman
			sr.Validation = v
			return s.store.UpdateStageRun(sr)
		}
		sr.Validation = v
	}

	if err := s.store.UpdateStageRun(sr); err != nil {
		return err
	}
	return s.enqueueJob(run, sr)
}

// resolveInputRevision implements spec §4.6: the first stage's input
// revision is the Run's base_revision; any other stage inherits its sole
// predecessor's output_revision, or is divergent if predecessors disagree.
func resolveInputRevision(run *store.Run, predecessors []store.StageRun) (revision string, divergent bool) {
	if len(predecessors) == 0 {
		return run.BaseRevision, false
	}
	revision = predecessors[0].OutputRevision
	for _, p := range predecessors[1:] {
		if p.OutputRevision != revision {
			return "", true
		}
	}
	return revision, false
}

func (s *Scheduler) enqueueJob(run *store.Run, sr store.StageRun) error {
	existing, err := s.store.ListJobsByStageRun(sr.ID)
	if err != nil {
		return err
	}
	attempt := len(existing) + 1
	execID := s.store.NewID()
	job := store.Job{
		RunID:         run.ID,
		StageRunID:    sr.ID,
		StageID:       sr.StageID,
		Kind:          sr.Kind,
		Config:        sr.Config,
		Status:        store.JobQueued,
		Attempt:       attempt,
		BundleRoot:    bundle.Root(s.runsRoot, run.ID, sr.StageID, execID),
		WorkspacePath: bundle.WorkspacePath(s.workspacesRoot, run.ID),
		InputRevision: sr.InputRevision,
	}
	// A StageRun re-promoted after a failed attempt (AttemptsUsed > 0) is a
	// retry: honor the backoff policy instead of making it claimable right away.
	if sr.AttemptsUsed > 0 {
		job.VisibleAfterMS = s.VisibleAfter(sr.AttemptsUsed)
	}
	_, err = s.store.CreateJob(job)
	return err
}

// skipTransitively sets sr and every transitive descendant to skipped via
// BFS over requires edges (spec §4.3 Promote step 2).
func (s *Scheduler) skipTransitively(sr store.StageRun) error {
	sr.Status = store.StageSkipped
	if err := s.store.UpdateStageRun(sr); err != nil {
		return err
	}

	queue := []string{sr.ID}
	visited := map[string]struct{}{sr.ID: {}}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		dependents, err := s.store.ListDirectDependents(id)
		if err != nil {
			return err
		}
		for _, depID := range dependents {
			if _, ok := visited[depID]; ok {
				continue
			}
			visited[depID] = struct{}{}
			dep, err := s.store.GetStageRun(depID)
			if err != nil {
				return err
			}
			if dep.Status == store.StagePending || dep.Status == store.StageRunning {
				dep.Status = store.StageSkipped
				if err := s.store.UpdateStageRun(*dep); err != nil {
					return err
				}
			}
			queue = append(queue, depID)
		}
	}
	return nil
}

// Rollup recomputes Run.status from its StageRuns (spec §4.3 "Run rollup").
func (s *Scheduler) Rollup(runID string) error {
	stageRuns, err := s.store.ListStageRunsByRun(runID)
	if err != nil {
		return err
	}

	hasFailedOrNeedsHuman := false
	hasActive := false
	for _, sr := range stageRuns {
		switch sr.Status {
		case store.StageFailed, store.StageNeedsHuman:
			hasFailedOrNeedsHuman = true
		case store.StagePending, store.StageRunning:
			hasActive = true
		}
	}

	switch {
	case hasFailedOrNeedsHuman:
		return s.store.SetRunStatus(runID, store.RunFailed)
	case !hasActive:
		return s.store.SetRunStatus(runID, store.RunSucceeded)
	}
	return nil
}

// Reconcile requeues Jobs whose leases have expired and clears expired Run
// owners (spec §4.3 Reconcile).
func (s *Scheduler) Reconcile() error {
	now := s.clock.NowMS()

	requeued, err := s.store.RequeueExpiredJobs(now)
	if err != nil {
		return fmt.Errorf("scheduler: requeue expired jobs: %w", err)
	}
	for _, jobID := range requeued {
		telemetry.RecordRequeue()
		s.logger.Info("requeued job with expired lease", zap.String("job_id", jobID))
	}

	if _, err := s.store.ClearExpiredRunOwners(now); err != nil {
		return fmt.Errorf("scheduler: clear expired run owners: %w", err)
	}
	return nil
}

// HandleAttemptFailure records a failed attempt against its StageRun,
// deciding between a retry (status=pending, attempts_used incremented) and a
// terminal failure, honoring the backoff policy on the resulting Job
// (spec §4.4 Complete step 4, §4.4 "Retry backoff").
func (s *Scheduler) HandleAttemptFailure(sr store.StageRun) (retrying bool, err error) {
	if sr.AttemptsUsed+1 < sr.MaxAttempts {
		sr.AttemptsUsed++
		sr.Status = store.StagePending
		if err := s.store.UpdateStageRun(sr); err != nil {
			return false, err
		}
		return true, nil
	}
	sr.Status = store.StageFailed
	return false, s.store.UpdateStageRun(sr)
}

// VisibleAfter returns the millisecond timestamp before which a queued retry
// attempt should not be claimable, per the configured backoff policy.
func (s *Scheduler) VisibleAfter(failedAttempt int) int64 {
	return s.clock.NowMS() + s.retryPolicy.NextDelay(failedAttempt).Milliseconds()
}
