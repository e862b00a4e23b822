package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/daap14/tenantdb/internal/dberr"
	"github.com/daap14/tenantdb/internal/metrics"
	"github.com/daap14/tenantdb/internal/naming"
	"github.com/daap14/tenantdb/internal/tenant"
)

// DefaultTimeout bounds connect plus query of a single probe.
const DefaultTimeout = 10 * time.Second

// Result is the outcome of one connection probe.
type Result struct {
	Success   bool       `json:"success"`
	LatencyMs int64      `json:"latencyMs"`
	Error     string     `json:"error,omitempty"`
	Kind      dberr.Kind `json:"kind,omitempty"`
}

// ProbeFunc connects to connString, runs a trivial query and closes the
// connection before returning.
type ProbeFunc func(ctx context.Context, connString string) error

// Checker probes tenant databases. It opens its own short-lived connections
// and never touches the connection cache, so a failing probe cannot evict a
// handle that is serving traffic.
type Checker struct {
	repo     tenant.Repository
	defaults naming.Defaults
	timeout  time.Duration
	probe    ProbeFunc
	metrics  *metrics.Metrics
	now      func() time.Time
}

// Option configures a Checker.
type Option func(*Checker)

// WithProbe replaces the pgx probe. Used by tests.
func WithProbe(p ProbeFunc) Option {
	return func(c *Checker) { c.probe = p }
}

// WithMetrics records probe outcomes in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Checker) { c.metrics = m }
}

// NewChecker creates a Checker. A non-positive timeout uses DefaultTimeout.
func NewChecker(repo tenant.Repository, defaults naming.Defaults, timeout time.Duration, opts ...Option) *Checker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Checker{
		repo:     repo,
		defaults: defaults,
		timeout:  timeout,
		probe:    pgxProbe(timeout),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TestConnection probes connString and reports success and latency. It returns
// within the configured timeout even if the host never answers.
func (c *Checker) TestConnection(ctx context.Context, connString string) Result {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := c.now()
	err := c.probe(ctx, connString)
	elapsed := c.now().Sub(start)
	if elapsed < 0 {
		elapsed = 0
	}

	c.metrics.HealthChecked(err == nil, elapsed.Seconds())

	res := Result{Success: err == nil, LatencyMs: elapsed.Milliseconds()}
	if err != nil {
		classified := dberr.Classify("test connection", err)
		res.Kind = classified.Kind
		res.Error = err.Error()
	}
	return res
}

// CheckTenant probes a tenant's configured database and stores the outcome on
// its record. The status only moves between READY and CONNECTION_FAILED; a
// tenant that has not finished provisioning keeps its status and only gets the
// check timestamp and error.
func (c *Checker) CheckTenant(ctx context.Context, tenantID uuid.UUID) (Result, error) {
	t, err := c.repo.GetByID(ctx, tenantID)
	if err != nil {
		return Result{}, fmt.Errorf("loading tenant: %w", err)
	}

	res := c.TestConnection(ctx, t.ConnectionString(c.defaults))

	checkedAt := c.now().UTC()
	su := tenant.StatusUpdate{LastCheckedAt: &checkedAt}
	if res.Success {
		su.ClearError = true
	} else {
		msg := res.Error
		su.LastError = &msg
	}
	if t.Status == tenant.StatusReady || t.Status == tenant.StatusConnectionFailed {
		next := tenant.StatusReady
		if !res.Success {
			next = tenant.StatusConnectionFailed
		}
		su.Status = &next
	}

	if _, err := c.repo.UpdateStatus(ctx, tenantID, su); err != nil {
		return res, fmt.Errorf("recording health result: %w", err)
	}

	if !res.Success {
		slog.Warn("health: tenant database check failed",
			"tenant", tenantID,
			"kind", res.Kind,
			"latencyMs", res.LatencyMs,
			"error", res.Error,
		)
	}
	return res, nil
}

func pgxProbe(timeout time.Duration) ProbeFunc {
	return func(ctx context.Context, connString string) error {
		cfg, err := pgx.ParseConfig(connString)
		if err != nil {
			return fmt.Errorf("parsing connection string: %w", err)
		}
		cfg.ConnectTimeout = timeout

		conn, err := pgx.ConnectConfig(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			_ = conn.Close(closeCtx)
		}()

		var one int
		if err := conn.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
			return err
		}
		if one != 1 {
			return errors.New("unexpected probe result")
		}
		return nil
	}
}
