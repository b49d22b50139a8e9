// Package batch implements the Batch Execution Adaptation (spec §4.7):
// running an exec block's commands as a single Slurm submission instead of
// spawning them in-process, for workloads that need cluster scheduling.
//
// Grounded on original_source's agentic-orchestrator spike
// (crates/agent/src/slurm_runner.rs): generate a self-contained bash script
// that records per-command started/finished/exit marker files, submit it
// with sbatch --parsable, poll squeue until the job leaves the queue, then
// reconstruct CommandResults from the markers.
package batch

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/marcus-qen/legator/internal/protocol"
)

// Poller abstracts sbatch/squeue so tests can run without a real cluster.
type Poller interface {
	Submit(scriptPath, stdoutPath, stderrPath string, spec protocol.BatchSpec) (jobID string, err error)
	Wait(jobID string, pollInterval time.Duration) error
}

// sbatchPoller shells out to the real Slurm CLI.
type sbatchPoller struct{}

func (sbatchPoller) Submit(scriptPath, stdoutPath, stderrPath string, spec protocol.BatchSpec) (string, error) {
	args := []string{"--parsable", "--output", stdoutPath, "--error", stderrPath}
	if spec.Partition != "" {
		args = append(args, "--partition", spec.Partition)
	}
	if spec.TimeLimit != "" {
		args = append(args, "--time", spec.TimeLimit)
	}
	if spec.Account != "" {
		args = append(args, "--account", spec.Account)
	}
	if spec.QOS != "" {
		args = append(args, "--qos", spec.QOS)
	}
	if spec.CPUsPerTask > 0 {
		args = append(args, "--cpus-per-task", strconv.Itoa(spec.CPUsPerTask))
	}
	if spec.Mem != "" {
		args = append(args, "--mem", spec.Mem)
	}
	args = append(args, spec.ExtraArgs...)
	args = append(args, scriptPath)

	cmd := exec.Command("sbatch", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("sbatch: %s: %w", strings.TrimSpace(stderr.String()), err)
	}
	jobID := strings.Split(strings.TrimSpace(stdout.String()), ";")[0]
	if jobID == "" {
		return "", fmt.Errorf("sbatch returned empty job id")
	}
	return jobID, nil
}

func (sbatchPoller) Wait(jobID string, pollInterval time.Duration) error {
	for {
		cmd := exec.Command("squeue", "-h", "-j", jobID)
		out, err := cmd.Output()
		if err != nil {
			time.Sleep(pollInterval)
			continue
		}
		if strings.TrimSpace(string(out)) == "" {
			return nil
		}
		time.Sleep(pollInterval)
	}
}

// DefaultPoller is the real sbatch/squeue-backed Poller.
var DefaultPoller Poller = sbatchPoller{}

const defaultPollInterval = 2 * time.Second

// Run submits spec's commands as one Slurm batch job rooted at bundleRoot
// and blocks until it completes, returning the reconstructed result.
func Run(poller Poller, spec protocol.ExecBlockSpec, lease protocol.Lease, startedAtMS int64, nowMS func() int64) protocol.ExecBlockResult {
	result := protocol.ExecBlockResult{
		RunID:       lease.RunID,
		StageID:     lease.StageID,
		BundleRoot:  lease.BundleRoot,
		Executor:    protocol.ExecutorBatch,
		StartedAtMS: startedAtMS,
	}

	scriptPath := filepath.Join(lease.BundleRoot, "slurm-job.sh")
	stdoutPath := filepath.Join(lease.BundleRoot, "slurm.stdout.log")
	stderrPath := filepath.Join(lease.BundleRoot, "slurm.stderr.log")
	doneMarker := filepath.Join(lease.BundleRoot, "slurm.done")
	failedMarker := filepath.Join(lease.BundleRoot, "slurm.failed")
	failedIdxPath := filepath.Join(lease.BundleRoot, "slurm.failed_idx")

	result.ExtraFiles = []string{
		"slurm-job.sh", "slurm.stdout.log", "slurm.stderr.log",
		"slurm.done", "slurm.failed", "slurm.failed_idx",
	}

	script := buildScript(spec, lease.BundleRoot, doneMarker, failedMarker, failedIdxPath)
	if err := os.WriteFile(scriptPath, []byte(script), 0o700); err != nil {
		return failAt(result, nowMS(), fmt.Sprintf("write batch script: %v", err))
	}

	batchSpec := protocol.BatchSpec{}
	if spec.Batch != nil {
		batchSpec = *spec.Batch
	}
	jobID, err := poller.Submit(scriptPath, stdoutPath, stderrPath, batchSpec)
	if err != nil {
		return failAt(result, nowMS(), fmt.Sprintf("sbatch submit: %v", err))
	}
	result.BatchJobID = jobID

	if err := poller.Wait(jobID, defaultPollInterval); err != nil {
		return failAt(result, nowMS(), fmt.Sprintf("wait for batch job: %v", err))
	}

	return reconstructResult(result, spec, lease.BundleRoot, doneMarker, failedMarker, failedIdxPath, startedAtMS, nowMS())
}

func buildScript(spec protocol.ExecBlockSpec, bundleRoot, doneMarker, failedMarker, failedIdxPath string) string {
	var b strings.Builder
	b.WriteString("#!/usr/bin/env bash\n")
	b.WriteString("set -u\n")
	fmt.Fprintf(&b, "cd %s\n", shellQuote(spec.Workdir))
	b.WriteString("umask 077\n")
	fmt.Fprintf(&b, "BUNDLE=%s\n", shellQuote(bundleRoot))
	fmt.Fprintf(&b, "DONE=%s\n", shellQuote(doneMarker))
	fmt.Fprintf(&b, "FAILED=%s\n", shellQuote(failedMarker))
	fmt.Fprintf(&b, "FAILED_IDX=%s\n", shellQuote(failedIdxPath))
	b.WriteString(`mkdir -p "$BUNDLE"` + "\n")
	b.WriteString(`rm -f "$DONE" "$FAILED" "$FAILED_IDX"` + "\n\n")

	b.WriteString("run_cmd() {\n")
	b.WriteString(`  local IDX="$1"; shift` + "\n")
	b.WriteString(`  local STDOUT="$BUNDLE/cmd-${IDX}.stdout.log"` + "\n")
	b.WriteString(`  local STDERR="$BUNDLE/cmd-${IDX}.stderr.log"` + "\n")
	b.WriteString(`  local STARTED="$BUNDLE/cmd-${IDX}.started"` + "\n")
	b.WriteString(`  local FINISHED="$BUNDLE/cmd-${IDX}.finished"` + "\n")
	b.WriteString(`  local EXITF="$BUNDLE/cmd-${IDX}.exit"` + "\n")
	b.WriteString(`  date +%s%3N > "$STARTED"` + "\n")
	b.WriteString(`  ("$@") > "$STDOUT" 2> "$STDERR"` + "\n")
	b.WriteString(`  local EC=$?` + "\n")
	b.WriteString(`  echo $EC > "$EXITF"` + "\n")
	b.WriteString(`  date +%s%3N > "$FINISHED"` + "\n")
	b.WriteString(`  return $EC` + "\n")
	b.WriteString("}\n\n")

	for index, cmd := range spec.Commands {
		idx := fmt.Sprintf("%03d", index)
		if cmd.Cwd != "" {
			fmt.Fprintf(&b, "pushd %s >/dev/null\n", shellQuote(cmd.Cwd))
		}

		fmt.Fprintf(&b, "run_cmd %s %s", idx, shellQuote(cmd.Program))
		for _, a := range cmd.Args {
			fmt.Fprintf(&b, " %s", shellQuote(a))
		}
		b.WriteString("\n")
		b.WriteString("EC=$?\n")
		if !cmd.AllowFailure {
			b.WriteString("if [ $EC -ne 0 ]; then\n")
			fmt.Fprintf(&b, "  echo %d > \"$FAILED_IDX\"\n", index)
			b.WriteString("  touch \"$FAILED\"\n")
			if spec.HaltOnError {
				b.WriteString("  exit $EC\n")
			}
			b.WriteString("fi\n")
		}

		if cmd.Cwd != "" {
			b.WriteString("popd >/dev/null\n")
		}
		b.WriteString("\n")
	}

	b.WriteString(`touch "$DONE"` + "\n")
	b.WriteString("exit 0\n")
	return b.String()
}

// shellQuote applies conservative single-quote quoting for bash, escaping
// embedded single quotes as '"'"'.
func shellQuote(s string) string {
	var b strings.Builder
	b.WriteByte('\'')
	for _, r := range s {
		if r == '\'' {
			b.WriteString(`'"'"'`)
		} else {
			b.WriteRune(r)
		}
	}
	b.WriteByte('\'')
	return b.String()
}

func reconstructResult(result protocol.ExecBlockResult, spec protocol.ExecBlockSpec, bundleRoot, doneMarker, failedMarker, failedIdxPath string, startedAtMS, finishedAtMS int64) protocol.ExecBlockResult {
	failedIdx, hasFailedIdx := readInt(failedIdxPath)

	commands := make([]protocol.CommandResult, 0, len(spec.Commands))
	overallOK := true
	var overallErr string

	for index, cmd := range spec.Commands {
		startedPath := filepath.Join(bundleRoot, fmt.Sprintf("cmd-%03d.started", index))
		finishedPath := filepath.Join(bundleRoot, fmt.Sprintf("cmd-%03d.finished", index))
		exitPath := filepath.Join(bundleRoot, fmt.Sprintf("cmd-%03d.exit", index))

		started := readMS(startedPath, startedAtMS)
		finished := readMS(finishedPath, finishedAtMS)
		exitCode, hasExit := readInt(exitPath)

		status := protocol.CommandFailed
		ok := hasExit && exitCode == 0
		if ok {
			status = protocol.CommandSucceeded
		} else if !hasExit {
			status = protocol.CommandSkipped
		}
		if !ok && !cmd.AllowFailure {
			overallOK = false
			if overallErr == "" {
				overallErr = fmt.Sprintf("command %d failed (exit=%v present=%v)", index, exitCode, hasExit)
			}
		}

		cr := protocol.CommandResult{
			Index:        index,
			Program:      cmd.Program,
			Args:         cmd.Args,
			Cwd:          cmd.Cwd,
			StartedAtMS:  started,
			FinishedAtMS: finished,
			Status:       status,
			StdoutPath:   fmt.Sprintf("cmd-%03d.stdout.log", index),
			StderrPath:   fmt.Sprintf("cmd-%03d.stderr.log", index),
		}
		if hasExit {
			ec := exitCode
			cr.ExitCode = &ec
		}
		commands = append(commands, cr)

		if spec.HaltOnError && hasFailedIdx && index >= failedIdx {
			break
		}
	}

	if fileExists(failedMarker) {
		overallOK = false
		if overallErr == "" {
			overallErr = fmt.Sprintf("batch job reported failure at command index %d", failedIdx)
		}
	}
	if !fileExists(doneMarker) && overallOK {
		overallOK = false
		overallErr = "batch job finished but done marker is missing"
	}

	result.Commands = commands
	result.FinishedAtMS = finishedAtMS
	result.Error = overallErr
	if overallOK {
		result.Status = protocol.BlockSucceeded
	} else {
		result.Status = protocol.BlockFailed
	}
	return result
}

func failAt(result protocol.ExecBlockResult, nowMS int64, msg string) protocol.ExecBlockResult {
	result.FinishedAtMS = nowMS
	result.Status = protocol.BlockFailed
	result.Error = msg
	return result
}

func readInt(path string) (int, bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, false
	}
	return n, true
}

func readMS(path string, fallback int64) int64 {
	b, err := os.ReadFile(path)
	if err != nil {
		return fallback
	}
	ms, err := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		return fallback
	}
	return ms
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
