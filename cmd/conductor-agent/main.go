// Conductor agent — the short-lived process that polls a conductord daemon
// for work, executes one exec block per claimed Job, and reports the result.
//
// Grounded on cmd/probe's command-loop structure (signal.NotifyContext for
// graceful shutdown, a long-running Run(ctx) loop) and internal/probe/agent's
// Agent.Run shape, reworked from a WebSocket push model onto the daemon's
// claim/heartbeat/complete poll loop (spec §6).
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/marcus-qen/legator/internal/agent"
	"github.com/marcus-qen/legator/internal/agent/batch"
	"github.com/marcus-qen/legator/internal/protocol"
)

var version = "dev"

func main() {
	var (
		agentID      string
		daemonURL    string
		capabilities string
		pollInterval time.Duration
	)
	pflag.StringVar(&agentID, "agent-id", "", "unique identifier for this agent (required)")
	pflag.StringVar(&daemonURL, "daemon-url", "http://127.0.0.1:8090", "base URL of the conductord daemon")
	pflag.StringVar(&capabilities, "capabilities", "", "comma-separated list of capabilities this agent offers")
	pflag.DurationVar(&pollInterval, "poll-interval", 2*time.Second, "how often to poll for work when idle")
	pflag.Parse()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	if agentID == "" {
		logger.Fatal("--agent-id is required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a := &Agent{
		id:           agentID,
		daemonURL:    strings.TrimSuffix(daemonURL, "/"),
		capabilities: splitCapabilities(capabilities),
		pollInterval: pollInterval,
		client:       &http.Client{Timeout: 30 * time.Second},
		runner:       agent.New(logger.Named("runner")),
		logger:       logger,
	}

	logger.Info("starting conductor-agent",
		zap.String("agent_id", agentID),
		zap.String("daemon_url", a.daemonURL),
		zap.String("version", version),
	)

	if err := a.Run(ctx); err != nil {
		logger.Fatal("agent exited with error", zap.Error(err))
	}
}

func splitCapabilities(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Agent polls a daemon for work, executes claimed Jobs, and reports results.
type Agent struct {
	id           string
	daemonURL    string
	capabilities []string
	pollInterval time.Duration
	client       *http.Client
	runner       *agent.Runner
	logger       *zap.Logger
}

// Run blocks until ctx is cancelled, polling for and executing work.
func (a *Agent) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("agent shutting down")
			return nil
		case <-ticker.C:
			lease, err := a.claim(ctx)
			if err != nil {
				a.logger.Warn("claim failed", zap.Error(err))
				continue
			}
			if lease == nil {
				continue
			}
			a.execute(ctx, *lease)
		}
	}
}

func (a *Agent) claim(ctx context.Context) (*protocol.Lease, error) {
	req := protocol.ClaimRequest{AgentID: a.id, Capabilities: a.capabilities}
	var resp protocol.ClaimResponse
	if err := a.post(ctx, "/v1/agent/claim", req, &resp); err != nil {
		return nil, err
	}
	return resp.Assignment, nil
}

func (a *Agent) execute(ctx context.Context, lease protocol.Lease) {
	logger := a.logger.With(
		zap.String("job_id", lease.JobID),
		zap.String("run_id", lease.RunID),
		zap.String("stage_id", lease.StageID),
	)
	logger.Info("claimed job", zap.String("executor", string(lease.Exec.Executor)))

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go a.heartbeatLoop(heartbeatCtx, lease, logger)

	startedAt := nowMS()
	var result protocol.ExecBlockResult
	var err error
	switch lease.Exec.Executor {
	case protocol.ExecutorBatch:
		result = batch.Run(batch.DefaultPoller, lease.Exec, lease, startedAt, nowMS)
	default:
		result, err = a.runner.Run(lease, nowMS)
	}
	stopHeartbeat()

	if err != nil {
		logger.Error("execution failed to produce a result", zap.Error(err))
		result = protocol.ExecBlockResult{
			RunID:       lease.RunID,
			StageID:     lease.StageID,
			BundleRoot:  lease.BundleRoot,
			Executor:    lease.Exec.Executor,
			StartedAtMS: startedAt,
			FinishedAtMS: nowMS(),
			Status:      protocol.BlockFailed,
			Error:       err.Error(),
		}
	}

	if err := a.complete(ctx, lease, result); err != nil {
		logger.Error("complete failed", zap.Error(err))
		return
	}
	logger.Info("job finished", zap.String("status", string(result.Status)))
}

func (a *Agent) heartbeatLoop(ctx context.Context, lease protocol.Lease, logger *zap.Logger) {
	interval := time.Duration(lease.LeaseExpiresMS-nowMS()) * time.Millisecond / 2
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			req := protocol.HeartbeatRequest{AgentID: a.id, JobID: lease.JobID, LeaseToken: lease.LeaseToken}
			var resp protocol.HeartbeatResponse
			if err := a.post(ctx, "/v1/agent/heartbeat", req, &resp); err != nil {
				logger.Warn("heartbeat failed", zap.Error(err))
				continue
			}
			if !resp.OK {
				logger.Warn("heartbeat rejected, lease likely lost")
				return
			}
		}
	}
}

func (a *Agent) complete(ctx context.Context, lease protocol.Lease, result protocol.ExecBlockResult) error {
	req := protocol.CompleteRequest{
		AgentID:    a.id,
		JobID:      lease.JobID,
		LeaseToken: lease.LeaseToken,
		Result:     result,
	}
	var resp protocol.CompleteResponse
	return a.post(ctx, "/v1/agent/complete", req, &resp)
}

func (a *Agent) post(ctx context.Context, path string, body, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.daemonURL+path, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("daemon returned %d: %s", resp.StatusCode, string(respBody))
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("parse response: %w", err)
		}
	}
	return nil
}

func nowMS() int64 {
	return time.Now().UnixMilli()
}
