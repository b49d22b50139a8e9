package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/legator/internal/agent"
	"github.com/marcus-qen/legator/internal/protocol"
)

func TestSplitCapabilities(t *testing.T) {
	cases := map[string][]string{
		"":                nil,
		"a":               {"a"},
		"a,b":             {"a", "b"},
		"a, b ,, c":       {"a", "b", "c"},
	}
	for in, want := range cases {
		got := splitCapabilities(in)
		if len(got) != len(want) {
			t.Fatalf("splitCapabilities(%q) = %v, want %v", in, got, want)
		}
		for i := range got {
			if got[i] != want[i] {
				t.Fatalf("splitCapabilities(%q) = %v, want %v", in, got, want)
			}
		}
	}
}

func TestAgent_ClaimExecuteComplete_EndToEnd(t *testing.T) {
	bundleRoot := t.TempDir()

	var claims, heartbeats, completes int
	var gotResult protocol.ExecBlockResult

	lease := protocol.Lease{
		JobID:          "job-1",
		RunID:          "run-1",
		StageID:        "build",
		LeaseToken:     "tok-1",
		LeaseExpiresMS: time.Now().Add(time.Minute).UnixMilli(),
		BundleRoot:     filepath.Join(bundleRoot, "job-1"),
		WorkspaceRoot:  bundleRoot,
		Exec: protocol.ExecBlockSpec{
			Workdir:  bundleRoot,
			Executor: protocol.ExecutorLocal,
			Commands: []protocol.CommandSpec{
				{Program: "true"},
			},
		},
	}

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/agent/claim":
			claims++
			resp := protocol.ClaimResponse{ServerNowMS: time.Now().UnixMilli()}
			if claims == 1 {
				resp.Assignment = &lease
			}
			_ = json.NewEncoder(w).Encode(resp)
		case "/v1/agent/heartbeat":
			heartbeats++
			_ = json.NewEncoder(w).Encode(protocol.HeartbeatResponse{OK: true})
		case "/v1/agent/complete":
			completes++
			var req protocol.CompleteRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			gotResult = req.Result
			_ = json.NewEncoder(w).Encode(protocol.CompleteResponse{OK: true})
		default:
			t.Fatalf("unexpected request: %s", r.URL.Path)
		}
	}))
	defer ts.Close()

	a := &Agent{
		id:           "agent-1",
		daemonURL:    ts.URL,
		pollInterval: 10 * time.Millisecond,
		client:       ts.Client(),
		runner:       agent.New(zap.NewNop()),
		logger:       zap.NewNop(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := a.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	if claims == 0 {
		t.Fatal("expected at least one claim attempt")
	}
	if completes != 1 {
		t.Fatalf("completes = %d, want 1", completes)
	}
	if gotResult.Status != protocol.BlockSucceeded {
		t.Fatalf("result status = %q, want succeeded", gotResult.Status)
	}
}
