// Package server exposes the daemon's RPC surface (spec §6) over plain
// net/http, using Go 1.22+ ServeMux method-pattern routing and the
// writeJSON/writeError helper shape from internal/controlplane/jobs/handlers.go.
package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/legator/internal/clock"
	"github.com/marcus-qen/legator/internal/graph"
	"github.com/marcus-qen/legator/internal/lease"
	"github.com/marcus-qen/legator/internal/protocol"
	"github.com/marcus-qen/legator/internal/scheduler"
	"github.com/marcus-qen/legator/internal/store"
	"github.com/marcus-qen/legator/internal/telemetry"
)

// Handler wires the Store/Scheduler/Leaser into HTTP endpoints.
type Handler struct {
	store     *store.Store
	scheduler *scheduler.Scheduler
	leaser    *lease.Leaser
	clock     clock.Clock
	logger    *zap.Logger
}

// New builds a Handler.
func New(st *store.Store, sched *scheduler.Scheduler, leaser *lease.Leaser, clk clock.Clock, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: st, scheduler: sched, leaser: leaser, clock: clk, logger: logger}
}

// Routes registers the daemon's RPC surface on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.HandleHealthz)
	mux.HandleFunc("POST /v1/demo/enqueue", h.HandleEnqueue)
	mux.HandleFunc("POST /v1/agent/claim", h.HandleClaim)
	mux.HandleFunc("POST /v1/agent/heartbeat", h.HandleHeartbeat)
	mux.HandleFunc("POST /v1/agent/complete", h.HandleComplete)
}

// HandleHealthz serves GET /healthz.
func (h *Handler) HandleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleEnqueue serves POST /v1/demo/enqueue (spec §4.2).
func (h *Handler) HandleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req protocol.EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.ProjectPath) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "project_path is required")
		return
	}

	intent, err := h.store.CreateIntent(store.Intent{
		ProjectPath:  req.ProjectPath,
		Description:  req.Description,
		WorkflowName: req.Workflow.Name,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_intent", err.Error())
		return
	}

	run, err := h.store.CreateRun(store.Run{
		IntentID:     intent.ID,
		WorkflowName: req.Workflow.Name,
		BaseRevision: req.BaseRevision,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	stageRuns, edges, err := graph.Materialize(run.ID, req.Workflow, h.store.NewID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_workflow", err.Error())
		return
	}
	if err := h.store.MaterializeStageRuns(run.ID, stageRuns, edges); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	if err := h.scheduler.Promote(run.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, protocol.EnqueueResponse{IntentID: intent.ID, RunID: run.ID})
}

// HandleClaim serves POST /v1/agent/claim (spec §4.4 Claim).
func (h *Handler) HandleClaim(w http.ResponseWriter, r *http.Request) {
	var req protocol.ClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.AgentID) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "agent_id is required")
		return
	}

	_, span := telemetry.StartClaimSpan(r.Context(), req.AgentID)

	assignment, err := h.leaser.Claim(req.AgentID, req.Capabilities)
	if err != nil {
		telemetry.EndClaimSpan(span, false, "")
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	jobID := ""
	if assignment != nil {
		jobID = assignment.JobID
		telemetry.ActiveLeases.Inc()
	}
	telemetry.EndClaimSpan(span, assignment != nil, jobID)
	writeJSON(w, http.StatusOK, protocol.ClaimResponse{Assignment: assignment, ServerNowMS: h.clock.NowMS()})
}

// HandleHeartbeat serves POST /v1/agent/heartbeat (spec §4.4 Heartbeat).
func (h *Handler) HandleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req protocol.HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	newExpiresAt, err := h.leaser.Heartbeat(req.AgentID, req.JobID, req.LeaseToken)
	if err != nil {
		if err == lease.ErrLeaseMismatch {
			writeJSON(w, http.StatusConflict, protocol.HeartbeatResponse{OK: false, ServerNowMS: h.clock.NowMS()})
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, protocol.HeartbeatResponse{OK: true, NewExpiresMS: &newExpiresAt, ServerNowMS: h.clock.NowMS()})
}

// HandleComplete serves POST /v1/agent/complete (spec §4.4 Complete).
func (h *Handler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	var req protocol.CompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	stageID := ""
	var startedAtMS int64
	if job, jerr := h.store.GetJob(req.JobID); jerr == nil {
		stageID = job.StageID
		startedAtMS = job.StartedAtMS
	}
	_, span := telemetry.StartCompleteSpan(r.Context(), req.JobID, stageID)

	alreadyCompleted, err := h.leaser.Complete(req.AgentID, req.JobID, req.LeaseToken, req.Result)
	if err != nil {
		if err == lease.ErrLeaseMismatch {
			telemetry.EndCompleteSpan(span, stageID, "lease_mismatch", 0)
			writeJSON(w, http.StatusConflict, protocol.CompleteResponse{OK: false, Message: "lease mismatch", ServerNowMS: h.clock.NowMS()})
			return
		}
		telemetry.EndCompleteSpan(span, stageID, "error", 0)
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	status := string(req.Result.Status)
	duration := time.Duration(0)
	if startedAtMS > 0 {
		duration = time.Duration(h.clock.NowMS()-startedAtMS) * time.Millisecond
	}
	telemetry.EndCompleteSpan(span, stageID, status, duration)
	if !alreadyCompleted {
		telemetry.ActiveLeases.Dec()
	}

	msg := ""
	if alreadyCompleted {
		msg = "already completed"
	}
	writeJSON(w, http.StatusOK, protocol.CompleteResponse{OK: true, Message: msg, ServerNowMS: h.clock.NowMS()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
