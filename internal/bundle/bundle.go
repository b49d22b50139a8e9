// Package bundle computes the on-disk layout for per-attempt execution
// bundles and per-run workspaces (spec §6 "Bundle layout on disk").
package bundle

import (
	"path/filepath"
	"strings"
)

// Sanitize replaces ':' and '/' with '_', matching spec §6's
// sanitize(s) = s with ':' and '/' each replaced by '_'.
func Sanitize(s string) string {
	s = strings.ReplaceAll(s, ":", "_")
	s = strings.ReplaceAll(s, "/", "_")
	return s
}

// Root computes <runs_root>/<sanitized run_id>/<sanitized stage_id>/<exec_id>
// for one Job attempt's bundle directory.
func Root(runsRoot, runID, stageID, execID string) string {
	return filepath.Join(runsRoot, Sanitize(runID), Sanitize(stageID), execID)
}

// WorkspacePath computes the single per-Run workspace directory. Run
// stickiness (spec §5) guarantees at most one agent writes to it at a time.
func WorkspacePath(workspacesRoot, runID string) string {
	return filepath.Join(workspacesRoot, Sanitize(runID))
}
