// Package gc runs the periodic Intent/Run/Artifact retention sweep on a
// cron schedule (spec §1 "Non-goals" excludes artifact upload to object
// stores, but local retention housekeeping is part of a complete daemon).
//
// Grounded on original_source's agentic-orchestrator spike
// (crates/orchestrator-daemon/src/gc.rs: a periodic tick that deletes aged
// run records past a keep-last-N/max-age policy), reworked onto
// github.com/robfig/cron/v3 for schedule parsing and dispatch instead of a
// fixed tokio::time::interval, matching the teacher's own use of
// cron.ParseStandard for schedule strings. Each sweep also backs up the
// state database (store.BackupDatabase) and prunes old backups, so the
// sweep doubles as the daemon's only point of database backup hygiene.
package gc

import (
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/marcus-qen/legator/internal/store"
)

// Collector periodically sweeps the Store for retention-expired records.
type Collector struct {
	store     *store.Store
	backup    bool
	retention time.Duration
	logger    *zap.Logger
	cron      *cron.Cron
}

// New creates a Collector. schedule is a standard 5-field cron expression
// (or a descriptor like "@hourly"), parsed with cron.ParseStandard. backup
// controls whether each sweep also backs up the state database file; pass
// false in tests that don't care about backup hygiene.
func New(st *store.Store, backup bool, retention time.Duration, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{store: st, backup: backup, retention: retention, logger: logger}
}

// Start schedules Sweep to run per schedule and returns immediately; the
// cron scheduler runs in its own goroutine until Stop is called.
func (c *Collector) Start(schedule string) error {
	sched, err := cron.ParseStandard(schedule)
	if err != nil {
		return err
	}
	c.cron = cron.New()
	c.cron.Schedule(sched, cron.FuncJob(func() { c.sweepOnce() }))
	c.cron.Start()
	return nil
}

// Stop halts the cron scheduler, waiting for any in-flight sweep to finish.
func (c *Collector) Stop() {
	if c.cron != nil {
		ctx := c.cron.Stop()
		<-ctx.Done()
	}
}

func (c *Collector) sweepOnce() {
	deleted, err := c.store.GC(c.retention)
	if err != nil {
		c.logger.Warn("gc sweep failed", zap.Error(err))
		return
	}
	if deleted > 0 {
		c.logger.Info("gc sweep completed", zap.Int("deleted_intents", deleted))
	}

	if !c.backup {
		return
	}
	backupPath, err := c.store.BackupDatabase()
	if err != nil {
		c.logger.Warn("state db backup failed", zap.Error(err))
		return
	}
	c.logger.Info("state db backed up", zap.String("path", backupPath))
	if err := c.store.PruneOldBackups(c.retention); err != nil {
		c.logger.Warn("prune old backups failed", zap.Error(err))
	}
}

// Sweep runs one retention pass immediately, synchronously. Useful for
// tests and for an operator-triggered "collect now" path.
func (c *Collector) Sweep() (int, error) {
	return c.store.GC(c.retention)
}
