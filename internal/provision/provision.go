// Package provision creates tenant databases.
//
// A run is create -> migrate -> verify -> record. The tenant status trails the
// run (PENDING_SETUP, MIGRATING, READY) so a later run can tell how far an
// earlier one got. A failing step stops the run and marks the tenant
// CONNECTION_FAILED with the error; a database created before the failure is
// left in place and must be cleaned up by hand or reused by a retry.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/daap14/tenantdb/internal/dberr"
	"github.com/daap14/tenantdb/internal/health"
	"github.com/daap14/tenantdb/internal/metrics"
	"github.com/daap14/tenantdb/internal/naming"
	"github.com/daap14/tenantdb/internal/tenant"
)

// Step names a stage of a provisioning run.
type Step string

const (
	StepLoad    Step = "load"
	StepDerive  Step = "derive"
	StepCreate  Step = "create"
	StepMigrate Step = "migrate"
	StepVerify  Step = "verify"
	StepRecord  Step = "record"
	StepWait    Step = "wait"
)

// DefaultConcurrency is how many tenants ProvisionPending works on at once.
const DefaultConcurrency = 4

// DefaultStepTimeout bounds each step of a run.
const DefaultStepTimeout = 2 * time.Minute

// runSteps is the number of step timeouts a whole run may take.
const runSteps = 4

// pendingStatuses are the statuses ProvisionPending picks up.
var pendingStatuses = []tenant.Status{tenant.StatusNotConfigured, tenant.StatusPendingSetup}

// Verifier runs a round-trip query against a connection string.
type Verifier interface {
	TestConnection(ctx context.Context, connString string) health.Result
}

// Releaser drops a tenant's cached handle.
type Releaser interface {
	Release(tenantID string)
}

// Request identifies the tenant to provision. Empty DisplayName or Slug fall
// back to the values stored on the tenant record.
type Request struct {
	TenantID    uuid.UUID
	DisplayName string
	Slug        string
}

// Result is the outcome of one provisioning run. It never carries a panic or
// an unwrapped driver error past the package boundary: Err is for errors.Is
// checks, Error is the message shown to administrators.
type Result struct {
	TenantID           uuid.UUID  `json:"tenantId"`
	Success            bool       `json:"success"`
	AlreadyProvisioned bool       `json:"alreadyProvisioned"`
	DatabaseName       string     `json:"databaseName,omitempty"`
	ConnectionString   string     `json:"-"`
	Step               Step       `json:"step,omitempty"`
	Kind               dberr.Kind `json:"kind,omitempty"`
	Error              string     `json:"error,omitempty"`
	Err                error      `json:"-"`
}

// Workflow provisions tenant databases.
type Workflow struct {
	repo        tenant.Repository
	admin       Admin
	migrate     MigrateFunc
	verifier    Verifier
	cache       Releaser
	defaults    naming.Defaults
	concurrency int
	stepTimeout time.Duration
	metrics     *metrics.Metrics
	now         func() time.Time

	group singleflight.Group
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithConcurrency sets how many tenants ProvisionPending runs in parallel.
func WithConcurrency(n int) Option {
	return func(w *Workflow) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// WithStepTimeout bounds each step.
func WithStepTimeout(d time.Duration) Option {
	return func(w *Workflow) {
		if d > 0 {
			w.stepTimeout = d
		}
	}
}

// WithMetrics records run outcomes in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Workflow) { w.metrics = m }
}

// New creates a Workflow. New databases are placed on the server described by
// defaults and recorded with those connection parameters.
func New(repo tenant.Repository, admin Admin, migrate MigrateFunc, verifier Verifier, cache Releaser, defaults naming.Defaults, opts ...Option) *Workflow {
	w := &Workflow{
		repo:        repo,
		admin:       admin,
		migrate:     migrate,
		verifier:    verifier,
		cache:       cache,
		defaults:    defaults,
		concurrency: DefaultConcurrency,
		stepTimeout: DefaultStepTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Provision runs the workflow for one tenant. A tenant that is already READY
// is refused without side effects and reported as a successful no-op.
// Concurrent calls for the same tenant share one run. The run is detached from
// the callers' cancellation and bounded by the step timeouts; a caller whose
// ctx is done stops waiting and gets a StepWait failure while the run goes on.
func (w *Workflow) Provision(ctx context.Context, req Request) Result {
	ch := w.group.DoChan(req.TenantID.String(), func() (any, error) {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), runSteps*w.stepTimeout)
		defer cancel()
		return w.run(runCtx, req), nil
	})

	select {
	case r := <-ch:
		return r.Val.(Result)
	case <-ctx.Done():
		return w.abandon(req.TenantID, ctx.Err())
	}
}

func (w *Workflow) run(ctx context.Context, req Request) Result {
	res := Result{TenantID: req.TenantID}

	t, err := w.repo.GetByID(ctx, req.TenantID)
	if err != nil {
		return w.reject(res, StepLoad, dberr.New(dberr.KindProvision, "provision", fmt.Errorf("loading tenant: %w", err)))
	}

	if t.Status == tenant.StatusReady {
		res.Success = true
		res.AlreadyProvisioned = true
		res.DatabaseName = t.Connection.Database
		res.ConnectionString = t.ConnectionString(w.defaults)
		w.metrics.Provisioned("already_provisioned")
		slog.Info("provision: tenant already provisioned", "tenant", t.ID, "database", res.DatabaseName)
		return res
	}

	displayName := req.DisplayName
	if displayName == "" {
		displayName = t.DisplayName
	}
	slug := req.Slug
	if slug == "" {
		slug = t.Slug
	}

	// A recorded database name wins so a renamed tenant keeps its database.
	ident := naming.ResolveDatabase(displayName, t.Connection)
	if err := naming.ValidateIdentifier(ident); err != nil {
		return w.reject(res, StepDerive, err)
	}
	res.DatabaseName = ident
	res.ConnectionString = naming.BuildConnectionString(displayName, naming.ConnectionConfig{Database: ident}, w.defaults)

	log := slog.With("tenant", t.ID, "database", ident)

	if t.Status == tenant.StatusMigrating {
		log.Info("provision: resuming after create")
	} else {
		if err := w.setStatus(ctx, t.ID, tenant.StatusPendingSetup); err != nil {
			return w.fail(ctx, res, StepCreate, err)
		}
		created, err := w.createDatabase(ctx, ident)
		if err != nil {
			return w.fail(ctx, res, StepCreate, err)
		}
		log.Info("provision: database ready for schema", "created", created)
	}

	if err := w.setStatus(ctx, t.ID, tenant.StatusMigrating); err != nil {
		return w.fail(ctx, res, StepMigrate, err)
	}
	if err := w.applySchema(ctx, res.ConnectionString, TenantInfo{ID: t.ID, Slug: slug}); err != nil {
		return w.fail(ctx, res, StepMigrate, err)
	}

	if probe := w.verifier.TestConnection(ctx, res.ConnectionString); !probe.Success {
		return w.fail(ctx, res, StepVerify, &dberr.Error{
			Kind: probe.Kind,
			Op:   "verify tenant database",
			Err:  errors.New(probe.Error),
		})
	}

	_, err = w.repo.RecordProvisioned(ctx, t.ID, tenant.ProvisionRecord{
		DatabaseName:  ident,
		Host:          w.defaults.Host,
		Port:          w.defaults.Port,
		User:          w.defaults.User,
		Password:      w.defaults.Password,
		SSLEnabled:    w.defaults.SSLEnabled,
		ConnectionURL: res.ConnectionString,
		CheckedAt:     w.now().UTC(),
	})
	if err != nil {
		return w.fail(ctx, res, StepRecord, err)
	}

	// A handle opened before the record may point at stale settings.
	w.cache.Release(t.ID.String())

	res.Success = true
	w.metrics.Provisioned("success")
	log.Info("provision: tenant database provisioned", "target", naming.Redact(res.ConnectionString))
	return res
}

func (w *Workflow) createDatabase(ctx context.Context, name string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, w.stepTimeout)
	defer cancel()
	return w.admin.CreateDatabase(ctx, name)
}

func (w *Workflow) applySchema(ctx context.Context, connString string, info TenantInfo) error {
	ctx, cancel := context.WithTimeout(ctx, w.stepTimeout)
	defer cancel()
	return w.migrate(ctx, connString, info)
}

func (w *Workflow) setStatus(ctx context.Context, id uuid.UUID, s tenant.Status) error {
	if _, err := w.repo.UpdateStatus(ctx, id, tenant.StatusUpdate{Status: &s}); err != nil {
		return fmt.Errorf("setting status %s: %w", s, err)
	}
	return nil
}

// reject returns a failed result without touching the tenant record.
func (w *Workflow) reject(res Result, step Step, err error) Result {
	res.Step = step
	res.Err = err
	res.Error = err.Error()
	res.Kind = dberr.KindOf(err)
	if res.Kind == "" {
		res.Kind = dberr.KindProvision
	}
	w.metrics.Provisioned("rejected")
	slog.Warn("provision: rejected", "tenant", res.TenantID, "step", step, "error", err)
	return res
}

// abandon reports a caller that stopped waiting for a run. The run itself
// keeps going and records its own outcome.
func (w *Workflow) abandon(id uuid.UUID, cause error) Result {
	err := dberr.New(dberr.KindProvision, "provision", fmt.Errorf("waiting for provisioning run: %w", cause))
	if dberr.IsTimeout(cause) {
		err.Kind = dberr.KindTimeout
	}
	w.metrics.Provisioned("abandoned")
	slog.Warn("provision: caller stopped waiting", "tenant", id, "error", cause)
	return Result{
		TenantID: id,
		Step:     StepWait,
		Err:      err,
		Error:    err.Error(),
		Kind:     err.Kind,
	}
}

// fail marks the tenant CONNECTION_FAILED with err and returns a failed result.
// The status write outlives a cancelled or expired ctx.
func (w *Workflow) fail(ctx context.Context, res Result, step Step, err error) Result {
	res.Step = step
	res.Err = err
	res.Error = err.Error()
	res.Kind = dberr.KindOf(err)
	if res.Kind == "" {
		res.Kind = dberr.KindProvision
		if dberr.IsTimeout(err) {
			res.Kind = dberr.KindTimeout
		}
	}
	w.metrics.Provisioned("failure")
	slog.Error("provision: step failed",
		"tenant", res.TenantID,
		"database", res.DatabaseName,
		"step", step,
		"error", err,
	)

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	failed := tenant.StatusConnectionFailed
	msg := fmt.Sprintf("%s: %s", step, res.Error)
	checkedAt := w.now().UTC()
	if _, werr := w.repo.UpdateStatus(writeCtx, res.TenantID, tenant.StatusUpdate{
		Status:        &failed,
		LastError:     &msg,
		LastCheckedAt: &checkedAt,
	}); werr != nil {
		slog.Error("provision: failed to record failure", "tenant", res.TenantID, "error", werr)
	}
	return res
}

// ProvisionPending provisions every tenant that is NOT_CONFIGURED or
// PENDING_SETUP. Tenants are processed independently: one failure never stops
// the others. Results are in the order the tenants were listed.
func (w *Workflow) ProvisionPending(ctx context.Context) ([]Result, error) {
	tenants, err := w.repo.ListByStatus(ctx, pendingStatuses...)
	if err != nil {
		return nil, fmt.Errorf("listing pending tenants: %w", err)
	}

	results := make([]Result, len(tenants))
	var g errgroup.Group
	g.SetLimit(w.concurrency)
	for i, t := range tenants {
		g.Go(func() error {
			results[i] = w.Provision(ctx, Request{TenantID: t.ID})
			return nil
		})
	}
	_ = g.Wait()

	succeeded := 0
	for _, r := range results {
		if r.Success {
			succeeded++
		}
	}
	slog.Info("provision: bulk run finished", "total", len(results), "succeeded", succeeded)
	return results, nil
}
