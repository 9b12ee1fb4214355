package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/basket/hookd/internal/store"
)

// MonitorConfig tunes the liveness monitor.
type MonitorConfig struct {
	// Port scopes the fast ownership check to this instance's sessions.
	Port int
	// Interval is the dead-owner check cadence.
	Interval time.Duration
	// SweepSchedule is a cron expression gating the full cross-instance
	// orphan sweep, which is heavier than the per-port check.
	SweepSchedule string
}

// Monitor watches the client processes owning this instance's sessions.
// When an owner dies its session is deleted, and once no sessions remain the
// instance requests its own shutdown: a server with no live owners has no
// further purpose.
type Monitor struct {
	store    *store.Store
	logger   *slog.Logger
	cfg      MonitorConfig
	alive    func(pid int32) bool
	shutdown func()
	sweep    cron.Schedule
}

// NewMonitor builds a monitor. alive must be conservative (uncertain means
// alive); shutdown is invoked at most once when the instance goes idle after
// losing an owner.
func NewMonitor(s *store.Store, logger *slog.Logger, cfg MonitorConfig, alive func(pid int32) bool, shutdown func()) (*Monitor, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	m := &Monitor{store: s, logger: logger, cfg: cfg, alive: alive, shutdown: shutdown}
	if cfg.SweepSchedule != "" {
		schedule, err := cron.ParseStandard(cfg.SweepSchedule)
		if err != nil {
			return nil, err
		}
		m.sweep = schedule
	}
	return m, nil
}

// Run checks owners every interval until ctx is cancelled. Cancellation is
// the normal exit and is not an error.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	var nextSweep time.Time
	if m.sweep != nil {
		nextSweep = m.sweep.Next(time.Now())
	}

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("liveness monitor stopped")
			return nil
		case now := <-ticker.C:
			m.checkOwners(ctx)
			if m.sweep != nil && now.After(nextSweep) {
				m.runSweep(ctx)
				nextSweep = m.sweep.Next(now)
			}
		}
	}
}

// checkOwners removes this port's sessions whose client process has died and
// triggers shutdown when none are left afterwards.
func (m *Monitor) checkOwners(ctx context.Context) {
	sessions, err := m.store.SessionsByPort(ctx, m.cfg.Port)
	if err != nil {
		m.logger.Error("liveness check failed", "error", err)
		return
	}
	if len(sessions) == 0 {
		return
	}

	lostOwner := false
	for _, sess := range sessions {
		if m.alive(int32(sess.ClaudePID)) {
			continue
		}
		lostOwner = true
		m.logger.Info("owning process died, removing session",
			"session_id", sess.SessionID, "claude_pid", sess.ClaudePID)
		if _, _, err := m.store.DeleteSession(ctx, sess.SessionID); err != nil {
			m.logger.Error("remove orphaned session", "session_id", sess.SessionID, "error", err)
		}
	}
	if !lostOwner {
		return
	}

	port := m.cfg.Port
	remaining, err := m.store.CountActive(ctx, &port)
	if err != nil {
		m.logger.Error("count remaining sessions", "error", err)
		return
	}
	if remaining == 0 && m.shutdown != nil {
		m.logger.Info("no live owners remain, shutting down", "port", port)
		m.shutdown()
	}
}

// runSweep reaps orphaned sessions across all instances, not just this
// port's. The conservative liveness rule still applies.
func (m *Monitor) runSweep(ctx context.Context) {
	removed, err := m.store.CleanupOrphaned(ctx, nil, m.alive)
	if err != nil {
		m.logger.Error("orphan sweep failed", "error", err)
		return
	}
	if len(removed) > 0 {
		m.logger.Info("orphan sweep removed sessions", "count", len(removed), "sessions", removed)
	}
}
