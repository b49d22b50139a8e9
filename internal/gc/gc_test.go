package gc

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/marcus-qen/legator/internal/clock"
	"github.com/marcus-qen/legator/internal/store"
)

func newTestStore(t *testing.T) (*store.Store, *clock.Fake, string) {
	t.Helper()
	fake := clock.NewFake(1_700_000_000_000)
	dbPath := filepath.Join(t.TempDir(), "state.db")
	st, err := store.Open(dbPath, fake)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st, fake, dbPath
}

func TestSweep_DeletesRetentionExpiredIntents(t *testing.T) {
	st, fake, _ := newTestStore(t)
	if _, err := st.CreateIntent(store.Intent{ProjectPath: "/tmp/old", WorkflowName: "demo"}); err != nil {
		t.Fatalf("create intent: %v", err)
	}

	fake.Advance(2 * time.Hour)

	c := New(st, false, 1*time.Hour, nil)
	deleted, err := c.Sweep()
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted = %d, want 1", deleted)
	}
}

func TestStart_RejectsInvalidSchedule(t *testing.T) {
	st, _, _ := newTestStore(t)
	c := New(st, false, time.Hour, nil)
	if err := c.Start("not a cron expression"); err == nil {
		t.Fatal("expected an error for an invalid cron schedule")
	}
}

func TestStart_RunsOnSchedule(t *testing.T) {
	st, _, _ := newTestStore(t)
	intent, err := st.CreateIntent(store.Intent{ProjectPath: "/tmp/old", WorkflowName: "demo"})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	if _, err := st.CreateRun(store.Run{IntentID: intent.ID, WorkflowName: "demo"}); err != nil {
		t.Fatalf("create run: %v", err)
	}

	c := New(st, false, 0, nil)
	if err := c.Start("@every 50ms"); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(300 * time.Millisecond)
	c.Stop()
	// Retention of 0 makes the intent old enough to delete, but GC skips
	// intents with a running Run, so this only proves the cron tick fired
	// without error, not that the intent was removed.
}

func TestSweep_NoBackupWhenDisabled(t *testing.T) {
	st, _, dbPath := newTestStore(t)
	c := New(st, false, time.Hour, nil)
	c.sweepOnce()

	matches, _ := filepath.Glob(dbPath + ".bak.*")
	if len(matches) != 0 {
		t.Fatalf("expected no backups when backup=false, got %d", len(matches))
	}
}

func TestSweep_BacksUpDatabaseFileWhenEnabled(t *testing.T) {
	st, _, dbPath := newTestStore(t)
	c := New(st, true, time.Hour, nil)
	c.sweepOnce()

	matches, err := filepath.Glob(dbPath + ".bak.*")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected 1 backup file, got %d", len(matches))
	}
	if !strings.HasPrefix(filepath.Base(matches[0]), "state.db.bak.") {
		t.Fatalf("unexpected backup filename: %s", matches[0])
	}
}
