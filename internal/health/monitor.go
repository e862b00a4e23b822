package health

import (
	"context"
	"log/slog"
	"time"

	"github.com/daap14/tenantdb/internal/tenant"
)

// monitoredStatuses are the tenant statuses the monitor re-checks.
var monitoredStatuses = []tenant.Status{tenant.StatusReady, tenant.StatusConnectionFailed}

// Monitor periodically checks every provisioned tenant database.
type Monitor struct {
	repo     tenant.Repository
	checker  *Checker
	interval time.Duration
}

// NewMonitor creates a new Monitor.
func NewMonitor(repo tenant.Repository, checker *Checker, interval time.Duration) *Monitor {
	return &Monitor{
		repo:     repo,
		checker:  checker,
		interval: interval,
	}
}

// Start begins the check loop. It blocks until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	slog.Info("health monitor started", "interval", m.interval.String())
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("health monitor stopped")
			return
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}

// RunOnce checks every monitored tenant once and returns how many failed.
func (m *Monitor) RunOnce(ctx context.Context) int {
	tenants, err := m.repo.ListByStatus(ctx, monitoredStatuses...)
	if err != nil {
		slog.Error("health monitor: failed to list tenants", "error", err)
		return 0
	}

	failed := 0
	for _, t := range tenants {
		if ctx.Err() != nil {
			return failed
		}
		res, err := m.checker.CheckTenant(ctx, t.ID)
		if err != nil {
			slog.Error("health monitor: failed to check tenant", "tenant", t.ID, "error", err)
			failed++
			continue
		}
		if !res.Success {
			failed++
		}
	}
	return failed
}
