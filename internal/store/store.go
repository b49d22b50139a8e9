package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/marcus-qen/legator/internal/clock"
	"github.com/marcus-qen/legator/internal/ids"
	"github.com/marcus-qen/legator/internal/protocol"
)

const schemaVersion = 1

// ErrNotFound is returned when a lookup by id finds no record.
var ErrNotFound = errors.New("store: record not found")

// ErrConflict is returned when a conditional update's precondition does not
// hold (e.g. the job moved out of the expected status before the update ran).
var ErrConflict = errors.New("store: conditional update conflict")

// Store persists all daemon-owned state in a single SQLite database.
type Store struct {
	db     *sql.DB
	dbPath string
	ids    *ids.Generator
	clock  clock.Clock
}

// Open opens (or creates) the state database at dbPath.
//
// A single pooled connection keeps write ordering deterministic across the
// scheduler, leaser and reconciler goroutines, mirroring
// internal/controlplane/jobs/store.go's NewStore.
func Open(dbPath string, clk clock.Clock) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dbPath, err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}

	s := &Store{db: db, dbPath: dbPath, ids: ids.NewGenerator(clk), clock: clk}
	if err := s.createSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := ensureSchemaVersion(db, schemaVersion); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ensure schema version: %w", err)
	}
	if err := checkSchemaVersion(db, schemaVersion); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: check schema version: %w", err)
	}
	return s, nil
}

func (s *Store) createSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS intents (
			id TEXT PRIMARY KEY,
			project_path TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL,
			workflow_name TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			intent_id TEXT NOT NULL,
			workflow_name TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL,
			owner_agent TEXT NOT NULL DEFAULT '',
			owner_lease_expires_at_ms INTEGER NOT NULL DEFAULT 0,
			base_revision TEXT NOT NULL DEFAULT '',
			FOREIGN KEY(intent_id) REFERENCES intents(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS stage_runs (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			stage_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			config_json TEXT NOT NULL,
			status TEXT NOT NULL,
			validation_json TEXT NOT NULL DEFAULT '',
			input_revision TEXT NOT NULL DEFAULT '',
			output_revision TEXT NOT NULL DEFAULT '',
			workspace_path TEXT NOT NULL DEFAULT '',
			attempts_used INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 1,
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL,
			FOREIGN KEY(run_id) REFERENCES runs(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS requires_edges (
			run_id TEXT NOT NULL,
			from_id TEXT NOT NULL,
			to_id TEXT NOT NULL,
			PRIMARY KEY (from_id, to_id)
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			stage_run_id TEXT NOT NULL,
			stage_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			config_json TEXT NOT NULL,
			status TEXT NOT NULL,
			attempt INTEGER NOT NULL DEFAULT 1,
			created_at_ms INTEGER NOT NULL,
			started_at_ms INTEGER NOT NULL DEFAULT 0,
			finished_at_ms INTEGER NOT NULL DEFAULT 0,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_token TEXT NOT NULL DEFAULT '',
			lease_expires_at_ms INTEGER NOT NULL DEFAULT 0,
			bundle_root TEXT NOT NULL DEFAULT '',
			workspace_path TEXT NOT NULL DEFAULT '',
			input_revision TEXT NOT NULL DEFAULT '',
			result_json TEXT NOT NULL DEFAULT '',
			artifact_id TEXT NOT NULL DEFAULT '',
			visible_after_ms INTEGER NOT NULL DEFAULT 0,
			FOREIGN KEY(stage_run_id) REFERENCES stage_runs(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			stage_id TEXT NOT NULL,
			bundle_root TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_stage_runs_run ON stage_runs(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_stage_runs_status ON stage_runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_requires_to ON requires_edges(to_id)`,
		`CREATE INDEX IF NOT EXISTS idx_requires_from ON requires_edges(from_id)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_stage_run ON jobs(stage_run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_run ON jobs(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs(status, created_at_ms)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_lease_expires ON jobs(lease_expires_at_ms)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("store: create schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// NewID mints a new sortable id for any entity kind.
func (s *Store) NewID() string {
	return s.ids.New()
}

// NowMS returns the store's clock reading, used by callers that need a
// consistent "now" to pass into conditional updates.
func (s *Store) NowMS() int64 {
	return s.clock.NowMS()
}

// --- Intents ---

// CreateIntent inserts a new, immutable Intent record.
func (s *Store) CreateIntent(in Intent) (*Intent, error) {
	if in.ID == "" {
		in.ID = s.NewID()
	}
	if in.CreatedAtMS == 0 {
		in.CreatedAtMS = s.NowMS()
	}
	_, err := s.db.Exec(`INSERT INTO intents (id, project_path, description, created_at_ms, workflow_name)
		VALUES (?, ?, ?, ?, ?)`,
		in.ID, in.ProjectPath, in.Description, in.CreatedAtMS, in.WorkflowName)
	if err != nil {
		return nil, fmt.Errorf("store: insert intent: %w", err)
	}
	out := in
	return &out, nil
}

// --- Runs ---

// CreateRun inserts a new Run with status=running.
func (s *Store) CreateRun(r Run) (*Run, error) {
	if r.ID == "" {
		r.ID = s.NewID()
	}
	if r.CreatedAtMS == 0 {
		r.CreatedAtMS = s.NowMS()
	}
	if r.Status == "" {
		r.Status = RunRunning
	}
	_, err := s.db.Exec(`INSERT INTO runs (id, intent_id, workflow_name, status, created_at_ms, owner_agent, owner_lease_expires_at_ms, base_revision)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.IntentID, r.WorkflowName, string(r.Status), r.CreatedAtMS, r.OwnerAgent, r.OwnerLeaseExpiresAtMS, r.BaseRevision)
	if err != nil {
		return nil, fmt.Errorf("store: insert run: %w", err)
	}
	out := r
	return &out, nil
}

// GetRun returns one Run by id.
func (s *Store) GetRun(id string) (*Run, error) {
	row := s.db.QueryRow(`SELECT id, intent_id, workflow_name, status, created_at_ms, owner_agent, owner_lease_expires_at_ms, base_revision
		FROM runs WHERE id = ?`, id)
	return scanRun(row)
}

func scanRun(row interface{ Scan(...any) error }) (*Run, error) {
	var r Run
	var status string
	if err := row.Scan(&r.ID, &r.IntentID, &r.WorkflowName, &status, &r.CreatedAtMS, &r.OwnerAgent, &r.OwnerLeaseExpiresAtMS, &r.BaseRevision); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	r.Status = RunStatus(status)
	return &r, nil
}

// SetRunStatus sets a Run's terminal/non-terminal status and clears the owner
// when the new status is terminal (spec §4.3 "Run rollup").
func (s *Store) SetRunStatus(id string, status RunStatus) error {
	clearOwner := status != RunRunning
	if clearOwner {
		_, err := s.db.Exec(`UPDATE runs SET status = ?, owner_agent = '', owner_lease_expires_at_ms = 0 WHERE id = ?`, string(status), id)
		return err
	}
	_, err := s.db.Exec(`UPDATE runs SET status = ? WHERE id = ?`, string(status), id)
	return err
}

// SetRunOwner pins a Run to one agent (spec §5 "Run stickiness").
func (s *Store) SetRunOwner(id, agent string, expiresAtMS int64) error {
	_, err := s.db.Exec(`UPDATE runs SET owner_agent = ?, owner_lease_expires_at_ms = ? WHERE id = ?`, agent, expiresAtMS, id)
	return err
}

// ClearExpiredRunOwners clears owner_agent on any Run whose owner lease has
// expired, returning the number of Runs cleared (spec §4.3 reconcile).
func (s *Store) ClearExpiredRunOwners(now int64) (int, error) {
	res, err := s.db.Exec(`UPDATE runs SET owner_agent = '', owner_lease_expires_at_ms = 0
		WHERE owner_agent != '' AND owner_lease_expires_at_ms < ?`, now)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --- StageRuns ---

// MaterializeStageRuns atomically inserts a batch of StageRuns and their
// requires edges for one Run (spec §4.2 Graph Materializer output).
func (s *Store) MaterializeStageRuns(runID string, stageRuns []StageRun, edges []Requires) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := s.NowMS()
	for _, sr := range stageRuns {
		if sr.ID == "" {
			sr.ID = s.NewID()
		}
		if sr.Status == "" {
			sr.Status = StagePending
		}
		if sr.MaxAttempts == 0 {
			sr.MaxAttempts = 1
		}
		configJSON, err := json.Marshal(sr.Config)
		if err != nil {
			return fmt.Errorf("store: marshal stage config: %w", err)
		}
		if _, err := tx.Exec(`INSERT INTO stage_runs (id, run_id, stage_id, kind, config_json, status, validation_json, input_revision, output_revision, workspace_path, attempts_used, max_attempts, created_at_ms, updated_at_ms)
			VALUES (?, ?, ?, ?, ?, ?, '', ?, ?, ?, ?, ?, ?, ?)`,
			sr.ID, runID, sr.StageID, sr.Kind, string(configJSON), string(sr.Status),
			sr.InputRevision, sr.OutputRevision, sr.WorkspacePath, sr.AttemptsUsed, sr.MaxAttempts, now, now,
		); err != nil {
			return fmt.Errorf("store: insert stage_run %s: %w", sr.StageID, err)
		}
	}
	for _, e := range edges {
		if _, err := tx.Exec(`INSERT INTO requires_edges (run_id, from_id, to_id) VALUES (?, ?, ?)`, runID, e.From, e.To); err != nil {
			return fmt.Errorf("store: insert requires edge: %w", err)
		}
	}
	return tx.Commit()
}

const stageRunColumns = `id, run_id, stage_id, kind, config_json, status, validation_json, input_revision, output_revision, workspace_path, attempts_used, max_attempts, created_at_ms, updated_at_ms`

func scanStageRun(row interface{ Scan(...any) error }) (*StageRun, error) {
	var sr StageRun
	var status, configJSON, validationJSON string
	if err := row.Scan(&sr.ID, &sr.RunID, &sr.StageID, &sr.Kind, &configJSON, &status, &validationJSON,
		&sr.InputRevision, &sr.OutputRevision, &sr.WorkspacePath, &sr.AttemptsUsed, &sr.MaxAttempts,
		&sr.CreatedAtMS, &sr.UpdatedAtMS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	sr.Status = StageRunStatus(status)
	if configJSON != "" {
		if err := json.Unmarshal([]byte(configJSON), &sr.Config); err != nil {
			return nil, fmt.Errorf("store: unmarshal stage config: %w", err)
		}
	}
	if validationJSON != "" {
		var v Validation
		if err := json.Unmarshal([]byte(validationJSON), &v); err != nil {
			return nil, fmt.Errorf("store: unmarshal validation: %w", err)
		}
		sr.Validation = &v
	}
	return &sr, nil
}

// GetStageRun returns one StageRun by id.
func (s *Store) GetStageRun(id string) (*StageRun, error) {
	row := s.db.QueryRow(`SELECT `+stageRunColumns+` FROM stage_runs WHERE id = ?`, id)
	return scanStageRun(row)
}

// ListStageRunsByRun returns every StageRun belonging to a Run.
func (s *Store) ListStageRunsByRun(runID string) ([]StageRun, error) {
	rows, err := s.db.Query(`SELECT `+stageRunColumns+` FROM stage_runs WHERE run_id = ?`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StageRun
	for rows.Next() {
		sr, err := scanStageRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sr)
	}
	return out, rows.Err()
}

// ListPredecessors returns the StageRuns that stageRunID's requires edges name as "from".
func (s *Store) ListPredecessors(stageRunID string) ([]StageRun, error) {
	rows, err := s.db.Query(`SELECT `+prefixed("sr", stageRunColumns)+`
		FROM stage_runs sr JOIN requires_edges e ON e.from_id = sr.id
		WHERE e.to_id = ?`, stageRunID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StageRun
	for rows.Next() {
		sr, err := scanStageRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sr)
	}
	return out, rows.Err()
}

// ListDirectDependents returns the StageRuns that depend directly on stageRunID.
func (s *Store) ListDirectDependents(stageRunID string) ([]string, error) {
	rows, err := s.db.Query(`SELECT to_id FROM requires_edges WHERE from_id = ?`, stageRunID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ", ")
	for i, p := range parts {
		parts[i] = alias + "." + p
	}
	return strings.Join(parts, ", ")
}

// UpdateStageRun persists the full mutable state of a StageRun. Callers own
// concurrency control for StageRuns: only the Scheduler and Leaser mutate
// them, both under the daemon's single-writer discipline (spec §5).
func (s *Store) UpdateStageRun(sr StageRun) error {
	configJSON, err := json.Marshal(sr.Config)
	if err != nil {
		return fmt.Errorf("store: marshal stage config: %w", err)
	}
	var validationJSON string
	if sr.Validation != nil {
		b, err := json.Marshal(sr.Validation)
		if err != nil {
			return fmt.Errorf("store: marshal validation: %w", err)
		}
		validationJSON = string(b)
	}
	sr.UpdatedAtMS = s.NowMS()
	_, err = s.db.Exec(`UPDATE stage_runs SET
		config_json = ?, status = ?, validation_json = ?, input_revision = ?, output_revision = ?,
		workspace_path = ?, attempts_used = ?, max_attempts = ?, updated_at_ms = ?
		WHERE id = ?`,
		string(configJSON), string(sr.Status), validationJSON, sr.InputRevision, sr.OutputRevision,
		sr.WorkspacePath, sr.AttemptsUsed, sr.MaxAttempts, sr.UpdatedAtMS, sr.ID)
	return err
}

// --- Jobs ---

const jobColumns = `id, run_id, stage_run_id, stage_id, kind, config_json, status, attempt, created_at_ms, started_at_ms, finished_at_ms, lease_owner, lease_token, lease_expires_at_ms, bundle_root, workspace_path, input_revision, result_json, artifact_id, visible_after_ms`

// CreateJob inserts a new Job in status=queued.
func (s *Store) CreateJob(j Job) (*Job, error) {
	if j.ID == "" {
		j.ID = s.NewID()
	}
	if j.CreatedAtMS == 0 {
		j.CreatedAtMS = s.NowMS()
	}
	if j.Status == "" {
		j.Status = JobQueued
	}
	configJSON, err := json.Marshal(j.Config)
	if err != nil {
		return nil, fmt.Errorf("store: marshal job config: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', '', ?)`,
		j.ID, j.RunID, j.StageRunID, j.StageID, j.Kind, string(configJSON), string(j.Status), j.Attempt,
		j.CreatedAtMS, j.StartedAtMS, j.FinishedAtMS, j.LeaseOwner, j.LeaseToken, j.LeaseExpiresAtMS,
		j.BundleRoot, j.WorkspacePath, j.InputRevision, j.VisibleAfterMS)
	if err != nil {
		return nil, fmt.Errorf("store: insert job: %w", err)
	}
	out := j
	return &out, nil
}

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	var j Job
	var status, configJSON, resultJSON string
	if err := row.Scan(&j.ID, &j.RunID, &j.StageRunID, &j.StageID, &j.Kind, &configJSON, &status, &j.Attempt,
		&j.CreatedAtMS, &j.StartedAtMS, &j.FinishedAtMS, &j.LeaseOwner, &j.LeaseToken, &j.LeaseExpiresAtMS,
		&j.BundleRoot, &j.WorkspacePath, &j.InputRevision, &resultJSON, &j.ArtifactID, &j.VisibleAfterMS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	j.Status = JobStatus(status)
	if configJSON != "" {
		if err := json.Unmarshal([]byte(configJSON), &j.Config); err != nil {
			return nil, fmt.Errorf("store: unmarshal job config: %w", err)
		}
	}
	if resultJSON != "" {
		var r protocol.ExecBlockResult
		if err := json.Unmarshal([]byte(resultJSON), &r); err != nil {
			return nil, fmt.Errorf("store: unmarshal job result: %w", err)
		}
		j.Result = &r
	}
	return &j, nil
}

// GetJob returns one Job by id.
func (s *Store) GetJob(id string) (*Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// ListJobsByStageRun returns every Job attempt of a StageRun, newest first.
func (s *Store) ListJobsByStageRun(stageRunID string) ([]Job, error) {
	rows, err := s.db.Query(`SELECT `+jobColumns+` FROM jobs WHERE stage_run_id = ? ORDER BY created_at_ms DESC`, stageRunID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// CountActiveJobsByStageRun counts Jobs of a StageRun in {queued, running}.
func (s *Store) CountActiveJobsByStageRun(stageRunID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM jobs WHERE stage_run_id = ? AND status IN (?, ?)`,
		stageRunID, string(JobQueued), string(JobRunning)).Scan(&n)
	return n, err
}

// ClaimCandidates selects up to limit Jobs eligible for claiming: queued or
// running-with-expired-lease, visible (retry backoff elapsed), ordered oldest
// first (spec §4.4 Claim step 1).
func (s *Store) ClaimCandidates(limit int, now int64) ([]Job, error) {
	rows, err := s.db.Query(`SELECT `+jobColumns+` FROM jobs
		WHERE (status = ? OR (status = ? AND lease_expires_at_ms < ?))
		AND visible_after_ms <= ?
		ORDER BY created_at_ms ASC
		LIMIT ?`, string(JobQueued), string(JobRunning), now, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// TryClaimJob performs the conditional claim update (spec §4.4 step 3). It
// succeeds only if the Job is still queued, or running with an expired
// lease, at the moment of the UPDATE. Returns ErrConflict on precondition
// failure, which the caller should treat as "try the next candidate".
func (s *Store) TryClaimJob(jobID, agent, token string, expiresAtMS, startedAtMS, now int64) error {
	res, err := s.db.Exec(`UPDATE jobs SET
		status = ?, lease_owner = ?, lease_token = ?, lease_expires_at_ms = ?, started_at_ms = ?
		WHERE id = ? AND (status = ? OR (status = ? AND lease_expires_at_ms < ?))`,
		string(JobRunning), agent, token, expiresAtMS, startedAtMS,
		jobID, string(JobQueued), string(JobRunning), now)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// HeartbeatJob extends a held lease's expiry iff (lease_owner, lease_token)
// match and status=running (spec §4.4 Heartbeat).
func (s *Store) HeartbeatJob(jobID, agent, token string, newExpiresAtMS int64) error {
	res, err := s.db.Exec(`UPDATE jobs SET lease_expires_at_ms = ?
		WHERE id = ? AND status = ? AND lease_owner = ? AND lease_token = ?`,
		newExpiresAtMS, jobID, string(JobRunning), agent, token)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// CompleteJob finalizes a Job attempt (spec §4.4 Complete steps 2-3). The
// lease_owner/lease_token precondition makes a stale Complete a pure no-op.
func (s *Store) CompleteJob(jobID, agent, token string, result protocol.ExecBlockResult, status JobStatus, artifactID string, finishedAtMS int64) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("store: marshal job result: %w", err)
	}
	res, err := s.db.Exec(`UPDATE jobs SET
		status = ?, finished_at_ms = ?, result_json = ?, artifact_id = ?,
		lease_owner = '', lease_token = '', lease_expires_at_ms = 0
		WHERE id = ? AND status = ? AND lease_owner = ? AND lease_token = ?`,
		string(status), finishedAtMS, string(resultJSON), artifactID,
		jobID, string(JobRunning), agent, token)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// IsTerminal reports whether a Job's status is a terminal one.
func IsTerminal(status JobStatus) bool {
	return status == JobSucceeded || status == JobFailed
}

// RequeueExpiredJobs clears lease fields and sets status back to queued for
// every Job whose lease has expired (spec §4.3 Reconcile). It returns the
// requeued job ids so the caller can log or trace them.
func (s *Store) RequeueExpiredJobs(now int64) ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM jobs WHERE status = ? AND lease_expires_at_ms < ?`, string(JobRunning), now)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, id := range ids {
		if _, err := s.db.Exec(`UPDATE jobs SET status = ?, lease_owner = '', lease_token = '', lease_expires_at_ms = 0
			WHERE id = ? AND status = ? AND lease_expires_at_ms < ?`, string(JobQueued), id, string(JobRunning), now); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// --- Artifacts ---

// CreateArtifact inserts a new Artifact record.
func (s *Store) CreateArtifact(a Artifact) (*Artifact, error) {
	if a.ID == "" {
		a.ID = s.NewID()
	}
	if a.CreatedAtMS == 0 {
		a.CreatedAtMS = s.NowMS()
	}
	_, err := s.db.Exec(`INSERT INTO artifacts (id, run_id, stage_id, bundle_root, created_at_ms) VALUES (?, ?, ?, ?, ?)`,
		a.ID, a.RunID, a.StageID, a.BundleRoot, a.CreatedAtMS)
	if err != nil {
		return nil, fmt.Errorf("store: insert artifact: %w", err)
	}
	out := a
	return &out, nil
}

// GC deletes Intents older than retention that have no running Run; their
// Runs/StageRuns/Jobs cascade via the FK chain, and Artifacts whose Run is
// gone are removed by a separate delete. Supplements the spec from the Rust
// prototype's orchestrator-daemon gc.rs, which performs the same
// time-bounded retention sweep.
func (s *Store) GC(retention time.Duration) (int, error) {
	cutoff := s.NowMS() - retention.Milliseconds()
	res, err := s.db.Exec(`DELETE FROM intents WHERE created_at_ms < ? AND id NOT IN (
		SELECT intent_id FROM runs WHERE status = ?
	)`, cutoff, string(RunRunning))
	if err != nil {
		return 0, fmt.Errorf("store: gc intents: %w", err)
	}
	n, _ := res.RowsAffected()

	if _, err := s.db.Exec(`DELETE FROM artifacts WHERE run_id NOT IN (SELECT id FROM runs)`); err != nil {
		return int(n), fmt.Errorf("store: gc orphaned artifacts: %w", err)
	}
	return int(n), nil
}
