// Package agent implements the Execution Runner (spec §4.5): given a Lease,
// it prepares a per-attempt bundle directory, runs each sub-command of an
// exec block, streams stdout/stderr to disk, writes a manifest, and returns
// the result for the agent binary to report back via Complete.
//
// Grounded on internal/probe/executor/{executor.go,stream.go}'s concurrent
// stdout/stderr draining (bufio.Scanner per pipe, drained before Wait),
// reworked to use golang.org/x/sync/errgroup instead of a raw
// sync.WaitGroup, per this module's domain-stack wiring, and to write to
// per-command log files instead of a websocket chunk callback.
package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/legator/internal/protocol"
	"github.com/marcus-qen/legator/internal/validate"
)

// Runner executes exec blocks on behalf of one agent process.
type Runner struct {
	logger *zap.Logger
}

// New creates a Runner.
func New(logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{logger: logger}
}

// Run executes lease.Exec end to end and returns the result to report via
// Complete (spec §4.5). The returned error is non-nil only for bundle-level
// failures that prevent any result from being produced at all; command-level
// failures are captured in the returned ExecBlockResult instead.
func (r *Runner) Run(lease protocol.Lease, nowMS func() int64) (protocol.ExecBlockResult, error) {
	startedAt := nowMS()

	if err := os.MkdirAll(lease.BundleRoot, 0o755); err != nil {
		return protocol.ExecBlockResult{}, fmt.Errorf("agent: create bundle root %s: %w", lease.BundleRoot, err)
	}
	r.writeMetaBestEffort(lease)

	result := protocol.ExecBlockResult{
		RunID:       lease.RunID,
		StageID:     lease.StageID,
		BundleRoot:  lease.BundleRoot,
		Executor:    lease.Exec.Executor,
		StartedAtMS: startedAt,
	}

	revalidation := validate.Validate(lease.Exec)
	if revalidation.Decision == validate.Block {
		result.Status = protocol.BlockFailed
		result.FinishedAtMS = nowMS()
		result.Error = fmt.Sprintf("revalidation blocked: %v", revalidation.Violations)
		r.writeManifestBestEffort(lease.BundleRoot, result)
		return result, nil
	}

	commands := make([]protocol.CommandResult, 0, len(lease.Exec.Commands))
	allOK := true
	for idx, cmdSpec := range lease.Exec.Commands {
		cr := r.runOne(lease, idx, cmdSpec)
		commands = append(commands, cr)

		succeededOrTolerated := cr.Status == protocol.CommandSucceeded || cmdSpec.AllowFailure
		if !succeededOrTolerated {
			allOK = false
		}
		if cr.Status != protocol.CommandSucceeded && !cmdSpec.AllowFailure && lease.Exec.HaltOnError {
			break
		}
	}

	result.Commands = commands
	result.FinishedAtMS = nowMS()
	if allOK {
		result.Status = protocol.BlockSucceeded
	} else {
		result.Status = protocol.BlockFailed
	}

	r.writeManifestBestEffort(lease.BundleRoot, result)
	return result, nil
}

func (r *Runner) runOne(lease protocol.Lease, index int, cmd protocol.CommandSpec) protocol.CommandResult {
	cwd := lease.Exec.Workdir
	if cmd.Cwd != "" {
		cwd = filepath.Join(lease.Exec.Workdir, cmd.Cwd)
	}

	stdoutPath := filepath.Join(lease.BundleRoot, fmt.Sprintf("cmd-%03d.stdout.log", index))
	stderrPath := filepath.Join(lease.BundleRoot, fmt.Sprintf("cmd-%03d.stderr.log", index))

	env := mergeEnv(lease.Exec.Env, cmd.Env)
	timeout := time.Duration(cmd.TimeoutSec) * time.Second

	return runCommand(commandSpec{
		index:      index,
		program:    cmd.Program,
		args:       cmd.Args,
		cwd:        cwd,
		env:        env,
		timeout:    timeout,
		stdoutPath: stdoutPath,
		stderrPath: stderrPath,
	}, r.logger)
}

// mergeEnv merges block-level and command-level environments; command keys
// win on conflict (spec §4.5 step 4.b).
func mergeEnv(block, cmd map[string]string) map[string]string {
	out := make(map[string]string, len(block)+len(cmd))
	for k, v := range block {
		out[k] = v
	}
	for k, v := range cmd {
		out[k] = v
	}
	return out
}

func (r *Runner) writeMetaBestEffort(lease protocol.Lease) {
	metaDir := filepath.Join(lease.BundleRoot, "meta")
	if err := os.MkdirAll(metaDir, 0o755); err != nil {
		r.logger.Warn("create meta dir failed", zap.Error(err))
		return
	}

	envDoc := map[string]any{
		"os":             runtime.GOOS,
		"arch":           runtime.GOARCH,
		"input_revision": lease.InputRevision,
		"workspace_root": lease.WorkspaceRoot,
	}
	if b, err := json.MarshalIndent(envDoc, "", "  "); err == nil {
		_ = os.WriteFile(filepath.Join(metaDir, "env.json"), b, 0o644)
	}
	_ = os.WriteFile(filepath.Join(metaDir, "repo.txt"), []byte(lease.Exec.Workdir+"\n"), 0o644)
}

func (r *Runner) writeManifestBestEffort(bundleRoot string, result protocol.ExecBlockResult) {
	b, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		r.logger.Warn("marshal manifest failed", zap.Error(err))
		return
	}
	if err := os.WriteFile(filepath.Join(bundleRoot, "manifest.json"), b, 0o644); err != nil {
		r.logger.Warn("write manifest failed", zap.Error(err))
	}
}
