package scheduler

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/marcus-qen/legator/internal/clock"
	"github.com/marcus-qen/legator/internal/graph"
	"github.com/marcus-qen/legator/internal/protocol"
	"github.com/marcus-qen/legator/internal/retry"
	"github.com/marcus-qen/legator/internal/store"
)

func newTestScheduler(t *testing.T) (*Scheduler, *store.Store, *clock.Fake) {
	t.Helper()
	fake := clock.NewFake(1_700_000_000_000)
	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"), fake)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return New(st, fake, nil), st, fake
}

// createIntentID inserts an Intent for a test Run to reference; runs.intent_id
// is a foreign key into intents.
func createIntentID(t *testing.T, st *store.Store) string {
	t.Helper()
	in, err := st.CreateIntent(store.Intent{ProjectPath: "/tmp/proj", WorkflowName: "demo"})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	return in.ID
}

func linearWorkflow() protocol.WorkflowSpec {
	echo := func() protocol.ExecBlockSpec {
		return protocol.ExecBlockSpec{
			Workdir:  "/tmp/proj",
			Commands: []protocol.CommandSpec{{Program: "echo", Args: []string{"ok"}}},
		}
	}
	return protocol.WorkflowSpec{
		Name: "demo",
		Stages: []protocol.StageSpec{
			{StageID: "prep", Kind: "exec_block", Config: echo()},
			{StageID: "build", Kind: "exec_block", Config: echo()},
			{StageID: "test", Kind: "exec_block", Config: echo()},
		},
		Edges: []protocol.EdgeSpec{
			{From: "prep", To: "build"},
			{From: "build", To: "test"},
		},
	}
}

func materialize(t *testing.T, st *store.Store, runID string, spec protocol.WorkflowSpec) {
	t.Helper()
	stageRuns, edges, err := graph.Materialize(runID, spec, st.NewID)
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if err := st.MaterializeStageRuns(runID, stageRuns, edges); err != nil {
		t.Fatalf("persist materialized graph: %v", err)
	}
}

// TestPromote_HappyPathFirstStageOnly covers spec Scenario A's first step:
// only the stage with zero unmet deps is promoted to a queued Job.
func TestPromote_HappyPathFirstStageOnly(t *testing.T) {
	sched, st, _ := newTestScheduler(t)
	run, err := st.CreateRun(store.Run{IntentID: createIntentID(t, st), WorkflowName: "demo"})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	materialize(t, st, run.ID, linearWorkflow())

	if err := sched.Promote(run.ID); err != nil {
		t.Fatalf("promote: %v", err)
	}

	stageRuns, err := st.ListStageRunsByRun(run.ID)
	if err != nil {
		t.Fatalf("list stage runs: %v", err)
	}
	queuedJobs := 0
	for _, sr := range stageRuns {
		jobs, err := st.ListJobsByStageRun(sr.ID)
		if err != nil {
			t.Fatalf("list jobs: %v", err)
		}
		if sr.StageID == "prep" {
			if len(jobs) != 1 || jobs[0].Status != store.JobQueued {
				t.Fatalf("prep jobs = %+v, want one queued job", jobs)
			}
			queuedJobs++
		} else if len(jobs) != 0 {
			t.Fatalf("stage %s should have no jobs yet, got %+v", sr.StageID, jobs)
		}
	}
	if queuedJobs != 1 {
		t.Fatalf("queuedJobs = %d, want 1", queuedJobs)
	}
}

// TestPromote_ValidatorBlockSetsNeedsHuman covers Scenario B.
func TestPromote_ValidatorBlockSetsNeedsHuman(t *testing.T) {
	sched, st, _ := newTestScheduler(t)
	run, err := st.CreateRun(store.Run{IntentID: createIntentID(t, st), WorkflowName: "demo"})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	spec := protocol.WorkflowSpec{
		Stages: []protocol.StageSpec{{
			StageID: "shellout",
			Kind:    "exec_block",
			Config: protocol.ExecBlockSpec{
				Workdir:  "/tmp/proj",
				Commands: []protocol.CommandSpec{{Program: "bash", Args: []string{"-c", "echo hi"}}},
			},
		}},
	}
	materialize(t, st, run.ID, spec)

	if err := sched.Promote(run.ID); err != nil {
		t.Fatalf("promote: %v", err)
	}

	stageRuns, _ := st.ListStageRunsByRun(run.ID)
	if len(stageRuns) != 1 || stageRuns[0].Status != store.StageNeedsHuman {
		t.Fatalf("stage = %+v, want needs_human", stageRuns)
	}
	if stageRuns[0].Validation == nil || len(stageRuns[0].Validation.Violations) == 0 {
		t.Fatalf("expected violations recorded, got %+v", stageRuns[0].Validation)
	}

	got, err := st.GetRun(run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != store.RunFailed {
		t.Fatalf("run status = %s, want failed", got.Status)
	}
}

// TestSkipTransitively_FailureFansOut covers Scenario C.
func TestSkipTransitively_FailureFansOut(t *testing.T) {
	sched, st, _ := newTestScheduler(t)
	run, err := st.CreateRun(store.Run{IntentID: createIntentID(t, st), WorkflowName: "demo"})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	materialize(t, st, run.ID, linearWorkflow())

	stageRuns, _ := st.ListStageRunsByRun(run.ID)
	var build store.StageRun
	for _, sr := range stageRuns {
		if sr.StageID == "build" {
			build = sr
		}
	}
	build.Status = store.StageFailed
	if err := st.UpdateStageRun(build); err != nil {
		t.Fatalf("update build: %v", err)
	}

	if err := sched.Promote(run.ID); err != nil {
		t.Fatalf("promote: %v", err)
	}

	stageRuns, _ = st.ListStageRunsByRun(run.ID)
	for _, sr := range stageRuns {
		if sr.StageID == "test" && sr.Status != store.StageSkipped {
			t.Fatalf("test status = %s, want skipped", sr.Status)
		}
	}

	got, err := st.GetRun(run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != store.RunFailed {
		t.Fatalf("run status = %s, want failed", got.Status)
	}
}

// TestPromote_DivergentRevisionSetsNeedsHuman covers Scenario F.
func TestPromote_DivergentRevisionSetsNeedsHuman(t *testing.T) {
	sched, st, _ := newTestScheduler(t)
	run, err := st.CreateRun(store.Run{IntentID: createIntentID(t, st), WorkflowName: "demo", BaseRevision: "rev-0"})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	spec := protocol.WorkflowSpec{
		Stages: []protocol.StageSpec{
			{StageID: "prep", Kind: "exec_block"},
			{StageID: "left", Kind: "exec_block"},
			{StageID: "right", Kind: "exec_block"},
			{StageID: "merge", Kind: "exec_block"},
		},
		Edges: []protocol.EdgeSpec{
			{From: "prep", To: "left"},
			{From: "prep", To: "right"},
			{From: "left", To: "merge"},
			{From: "right", To: "merge"},
		},
	}
	materialize(t, st, run.ID, spec)

	stageRuns, _ := st.ListStageRunsByRun(run.ID)
	for i, sr := range stageRuns {
		switch sr.StageID {
		case "left":
			sr.Status = store.StageSucceeded
			sr.OutputRevision = "rev-left"
		case "right":
			sr.Status = store.StageSucceeded
			sr.OutputRevision = "rev-right"
		default:
			continue
		}
		if err := st.UpdateStageRun(sr); err != nil {
			t.Fatalf("update stage %d: %v", i, err)
		}
	}

	if err := sched.Promote(run.ID); err != nil {
		t.Fatalf("promote: %v", err)
	}

	stageRuns, _ = st.ListStageRunsByRun(run.ID)
	for _, sr := range stageRuns {
		if sr.StageID == "merge" && sr.Status != store.StageNeedsHuman {
			t.Fatalf("merge status = %s, want needs_human", sr.Status)
		}
	}
	got, err := st.GetRun(run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != store.RunFailed {
		t.Fatalf("run status = %s, want failed", got.Status)
	}
}

// TestHandleAttemptFailure_RetriesUntilMaxAttemptsWithBackoff covers spec
// §4.4's retry branch: a StageRun with MaxAttempts>1 goes back to pending
// instead of failed, and its re-promoted Job is not visible until the
// backoff policy's delay has elapsed.
func TestHandleAttemptFailure_RetriesUntilMaxAttemptsWithBackoff(t *testing.T) {
	sched, st, fake := newTestScheduler(t)
	run, err := st.CreateRun(store.Run{IntentID: createIntentID(t, st), WorkflowName: "demo"})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	spec := protocol.WorkflowSpec{
		Stages: []protocol.StageSpec{{
			StageID:     "flaky",
			Kind:        "exec_block",
			MaxAttempts: 2,
			Config: protocol.ExecBlockSpec{
				Workdir:  "/tmp/proj",
				Commands: []protocol.CommandSpec{{Program: "echo", Args: []string{"ok"}}},
			},
		}},
	}
	materialize(t, st, run.ID, spec)

	stageRuns, _ := st.ListStageRunsByRun(run.ID)
	sr := stageRuns[0]
	if sr.MaxAttempts != 2 {
		t.Fatalf("MaxAttempts = %d, want 2", sr.MaxAttempts)
	}

	retrying, err := sched.HandleAttemptFailure(sr)
	if err != nil {
		t.Fatalf("handle attempt failure: %v", err)
	}
	if !retrying {
		t.Fatalf("retrying = false, want true (attempts_used=0 < max_attempts=2)")
	}

	got, err := st.GetStageRun(stageRuns[0].ID)
	if err != nil {
		t.Fatalf("get stage run: %v", err)
	}
	if got.Status != store.StagePending || got.AttemptsUsed != 1 {
		t.Fatalf("stage run = %+v, want pending with attempts_used=1", got)
	}

	if err := sched.Promote(run.ID); err != nil {
		t.Fatalf("promote: %v", err)
	}
	jobs, err := st.ListJobsByStageRun(got.ID)
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("jobs = %+v, want 1 retried job", jobs)
	}
	retryJob := jobs[0]
	if retryJob.VisibleAfterMS <= fake.NowMS() {
		t.Fatalf("visible_after_ms = %d, want in the future of now=%d", retryJob.VisibleAfterMS, fake.NowMS())
	}

	candidates, err := st.ClaimCandidates(8, fake.NowMS())
	if err != nil {
		t.Fatalf("claim candidates: %v", err)
	}
	for _, c := range candidates {
		if c.ID == retryJob.ID {
			t.Fatalf("retried job claimable before its backoff window elapsed")
		}
	}

	fake.Advance(retry.DefaultPolicy().NextDelay(1) + time.Second)
	candidates, err = st.ClaimCandidates(8, fake.NowMS())
	if err != nil {
		t.Fatalf("claim candidates: %v", err)
	}
	found := false
	for _, c := range candidates {
		if c.ID == retryJob.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("retried job should be claimable once backoff elapses")
	}

	// Exhaust the remaining attempt: this time max_attempts is reached and
	// the StageRun terminally fails instead of retrying again.
	retrying, err = sched.HandleAttemptFailure(*got)
	if err != nil {
		t.Fatalf("handle second attempt failure: %v", err)
	}
	if retrying {
		t.Fatalf("retrying = true, want false (attempts_used=1, max_attempts=2)")
	}
	got, err = st.GetStageRun(got.ID)
	if err != nil {
		t.Fatalf("get stage run: %v", err)
	}
	if got.Status != store.StageFailed {
		t.Fatalf("stage run status = %s, want failed", got.Status)
	}
}

func TestReconcile_ClearsExpiredOwnerAndRequeuesJob(t *testing.T) {
	sched, st, fake := newTestScheduler(t)
	run, err := st.CreateRun(store.Run{IntentID: createIntentID(t, st), WorkflowName: "demo"})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := st.SetRunOwner(run.ID, "agent-a", fake.NowMS()+1000); err != nil {
		t.Fatalf("set owner: %v", err)
	}
	sr := store.StageRun{RunID: run.ID, StageID: "build", Kind: "exec_block", MaxAttempts: 1}
	if err := st.MaterializeStageRuns(run.ID, []store.StageRun{sr}, nil); err != nil {
		t.Fatalf("materialize: %v", err)
	}
	stageRuns, _ := st.ListStageRunsByRun(run.ID)
	job, err := st.CreateJob(store.Job{RunID: run.ID, StageRunID: stageRuns[0].ID, StageID: "build", Kind: "exec_block", Attempt: 1})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := st.TryClaimJob(job.ID, "agent-a", "token-1", fake.NowMS()+1000, fake.NowMS(), fake.NowMS()); err != nil {
		t.Fatalf("claim: %v", err)
	}

	fake.Advance(2000_000_000) // 2s, past both leases

	if err := sched.Reconcile(); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	gotJob, err := st.GetJob(job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if gotJob.Status != store.JobQueued {
		t.Fatalf("job status = %s, want queued", gotJob.Status)
	}

	gotRun, err := st.GetRun(run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if gotRun.OwnerAgent != "" {
		t.Fatalf("owner_agent = %q, want empty", gotRun.OwnerAgent)
	}
}
