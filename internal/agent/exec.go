package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/marcus-qen/legator/internal/protocol"
)

const maxOutputBytes = 16 * 1024 * 1024

var defaultCommandTimeout = 30 * time.Minute

type commandSpec struct {
	index      int
	program    string
	args       []string
	cwd        string
	env        map[string]string
	timeout    time.Duration
	stdoutPath string
	stderrPath string
}

// runCommand spawns one sub-command, draining stdout/stderr to disk
// concurrently before waiting on the process, and killing the whole
// process group on timeout.
func runCommand(spec commandSpec, logger *zap.Logger) protocol.CommandResult {
	result := protocol.CommandResult{
		Index:      spec.index,
		Program:    spec.program,
		Args:       spec.args,
		Cwd:        spec.cwd,
		StdoutPath: spec.stdoutPath,
		StderrPath: spec.stderrPath,
	}

	timeout := spec.timeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, spec.program, spec.args...)
	cmd.Dir = spec.cwd
	cmd.Env = envSlice(spec.env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return killProcessGroup(cmd.Process)
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return failResult(result, fmt.Sprintf("stdout pipe: %v", err))
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return failResult(result, fmt.Sprintf("stderr pipe: %v", err))
	}

	stdoutFile, err := os.Create(spec.stdoutPath)
	if err != nil {
		return failResult(result, fmt.Sprintf("create stdout log: %v", err))
	}
	defer stdoutFile.Close()
	stderrFile, err := os.Create(spec.stderrPath)
	if err != nil {
		return failResult(result, fmt.Sprintf("create stderr log: %v", err))
	}
	defer stderrFile.Close()

	result.StartedAtMS = nowMS()
	if err := cmd.Start(); err != nil {
		return failResult(result, fmt.Sprintf("start: %v", err))
	}

	var g errgroup.Group
	g.Go(func() error { return drain(stdoutPipe, stdoutFile) })
	g.Go(func() error { return drain(stderrPipe, stderrFile) })
	drainErr := g.Wait()

	waitErr := cmd.Wait()
	result.FinishedAtMS = nowMS()

	if drainErr != nil && logger != nil {
		logger.Warn("stream drain error", zap.Int("index", spec.index), zap.Error(drainErr))
	}

	if ctx.Err() == context.DeadlineExceeded {
		result.Status = protocol.CommandTimedOut
		result.Error = "command timed out"
		return result
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			code := exitErr.ExitCode()
			result.ExitCode = &code
			result.Status = protocol.CommandFailed
			result.Error = waitErr.Error()
			return result
		}
		result.Status = protocol.CommandFailed
		result.Error = waitErr.Error()
		return result
	}

	zero := 0
	result.ExitCode = &zero
	result.Status = protocol.CommandSucceeded
	return result
}

func drain(r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxOutputBytes)
	for scanner.Scan() {
		if _, err := w.Write(append(scanner.Bytes(), '\n')); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func killProcessGroup(p *os.Process) error {
	if p == nil {
		return nil
	}
	return unix.Kill(-p.Pid, unix.SIGKILL)
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return os.Environ()
	}
	out := os.Environ()
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func failResult(result protocol.CommandResult, msg string) protocol.CommandResult {
	result.Status = protocol.CommandFailed
	result.Error = msg
	if result.StartedAtMS == 0 {
		result.StartedAtMS = nowMS()
	}
	result.FinishedAtMS = nowMS()
	return result
}

func nowMS() int64 {
	return time.Now().UnixMilli()
}
