// Package graph implements the Graph Materializer (spec §4.2): it turns a
// declarative WorkflowSpec into StageRun records and requires edges for one
// Run, rejecting duplicate stage ids, edges to unknown stages, and cycles.
//
// Grounded on the spec's own "arena-plus-index ownership" design note (§9):
// StageRuns are addressed by store-assigned id, and the dependency graph is
// a separate edge set rather than an in-memory pointer graph, so cycle
// detection below walks stage_id strings before any store id exists.
package graph

import (
	"fmt"

	"github.com/marcus-qen/legator/internal/protocol"
	"github.com/marcus-qen/legator/internal/store"
)

// InvalidWorkflowError reports why a WorkflowSpec was rejected before
// materialization (spec §4.2 "Fails with InvalidWorkflow").
type InvalidWorkflowError struct {
	Reason string
}

func (e *InvalidWorkflowError) Error() string {
	return fmt.Sprintf("invalid workflow: %s", e.Reason)
}

// Materialize validates spec and, if valid, returns the StageRun and
// Requires records to persist for a new Run. It performs no I/O; the caller
// persists the result via store.Store.MaterializeStageRuns inside one
// transaction.
func Materialize(runID string, spec protocol.WorkflowSpec, newID func() string) ([]store.StageRun, []store.Requires, error) {
	if len(spec.Stages) == 0 {
		return nil, nil, &InvalidWorkflowError{Reason: "workflow has no stages"}
	}

	seen := make(map[string]struct{}, len(spec.Stages))
	for _, st := range spec.Stages {
		if st.StageID == "" {
			return nil, nil, &InvalidWorkflowError{Reason: "stage_id must not be empty"}
		}
		if _, dup := seen[st.StageID]; dup {
			return nil, nil, &InvalidWorkflowError{Reason: fmt.Sprintf("duplicate stage_id %q", st.StageID)}
		}
		seen[st.StageID] = struct{}{}
	}

	adjacency := make(map[string][]string, len(spec.Edges))
	for _, e := range spec.Edges {
		if _, ok := seen[e.From]; !ok {
			return nil, nil, &InvalidWorkflowError{Reason: fmt.Sprintf("edge references unknown stage_id %q", e.From)}
		}
		if _, ok := seen[e.To]; !ok {
			return nil, nil, &InvalidWorkflowError{Reason: fmt.Sprintf("edge references unknown stage_id %q", e.To)}
		}
		adjacency[e.From] = append(adjacency[e.From], e.To)
	}

	if cyclePath, ok := findCycle(spec, adjacency); ok {
		return nil, nil, &InvalidWorkflowError{Reason: fmt.Sprintf("cycle detected: %v", cyclePath)}
	}

	stageIDToRecordID := make(map[string]string, len(spec.Stages))
	stageRuns := make([]store.StageRun, 0, len(spec.Stages))
	for _, st := range spec.Stages {
		recordID := newID()
		stageIDToRecordID[st.StageID] = recordID
		maxAttempts := st.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = 1
		}
		stageRuns = append(stageRuns, store.StageRun{
			ID:          recordID,
			RunID:       runID,
			StageID:     st.StageID,
			Kind:        st.Kind,
			Config:      st.Config,
			Status:      store.StagePending,
			MaxAttempts: maxAttempts,
		})
	}

	edges := make([]store.Requires, 0, len(spec.Edges))
	for _, e := range spec.Edges {
		edges = append(edges, store.Requires{
			From: stageIDToRecordID[e.From],
			To:   stageIDToRecordID[e.To],
		})
	}

	return stageRuns, edges, nil
}

// findCycle performs DFS over the declared stage_id adjacency, returning the
// first cycle found as a slice of stage_ids (spec §4.2 "cycles are rejected
// via DFS").
func findCycle(spec protocol.WorkflowSpec, adjacency map[string][]string) ([]string, bool) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(spec.Stages))
	var path []string

	var visit func(node string) ([]string, bool)
	visit = func(node string) ([]string, bool) {
		color[node] = gray
		path = append(path, node)
		for _, next := range adjacency[node] {
			switch color[next] {
			case gray:
				return append(append([]string{}, path...), next), true
			case white:
				if cyc, found := visit(next); found {
					return cyc, true
				}
			}
		}
		path = path[:len(path)-1]
		color[node] = black
		return nil, false
	}

	for _, st := range spec.Stages {
		if color[st.StageID] == white {
			if cyc, found := visit(st.StageID); found {
				return cyc, true
			}
		}
	}
	return nil, false
}
