// Package pool implements the process-wide cache of live tenant database
// handles.
//
// A tenant entry moves ABSENT -> OPEN -> EVICTED. At most one entry exists per
// tenant, and at most one physical connect is in flight per tenant: concurrent
// misses for the same tenant share one open through a singleflight group. The
// map is guarded by a single mutex that is never held across network I/O, so a
// slow connect for one tenant does not block lookups for others.
//
// When an insert would exceed MaxSize the cache first drops entries idle longer
// than TTL, then, if still full, the least recently accessed 10% (at least
// one). Evicted handles are closed outside the lock and close failures are
// logged, never returned.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/singleflight"

	"github.com/daap14/tenantdb/internal/dberr"
	"github.com/daap14/tenantdb/internal/metrics"
	"github.com/daap14/tenantdb/internal/naming"
)

// ErrReleased is returned by Acquire when the tenant was released while its
// handle was being opened. The freshly opened handle is closed, not cached.
var ErrReleased = errors.New("tenant released while connection was opening")

// ErrCloseTimeout is reported when a handle does not finish closing within
// Config.CloseTimeout, usually because a borrower still holds a connection.
var ErrCloseTimeout = errors.New("timed out closing tenant handle")

// Handle is an open tenant database handle as seen by the cache.
type Handle interface {
	Ping(ctx context.Context) error
	Close()
}

// OpenFunc opens a handle for a connection string. The cache pings the handle
// before storing it.
type OpenFunc func(ctx context.Context, connString string) (Handle, error)

// Config holds the cache limits.
type Config struct {
	MaxSize        int
	TTL            time.Duration
	SweepInterval  time.Duration
	ConnectTimeout time.Duration
	CloseTimeout   time.Duration
}

const (
	DefaultMaxSize        = 50
	DefaultTTL            = 30 * time.Minute
	DefaultConnectTimeout = 10 * time.Second
	DefaultCloseTimeout   = 5 * time.Second
)

func (c Config) withDefaults() Config {
	if c.MaxSize <= 0 {
		c.MaxSize = DefaultMaxSize
	}
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = DefaultCloseTimeout
	}
	return c
}

type entry struct {
	handle       Handle
	connString   string
	lastAccessed time.Time
}

// flight tracks one in-progress open so Release can invalidate it.
type flight struct {
	released bool
}

type victim struct {
	tenantID string
	handle   Handle
}

// Cache maps tenant ids to open handles.
type Cache struct {
	cfg     Config
	open    OpenFunc
	metrics *metrics.Metrics
	now     func() time.Time // for testing

	mu       sync.Mutex
	entries  map[string]*entry
	inflight map[string]*flight
	group    singleflight.Group
}

// Option configures a Cache.
type Option func(*Cache)

// WithMetrics records cache activity in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// WithClock replaces time.Now. Used by tests to drive TTL expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates an empty Cache that opens handles with open.
func New(cfg Config, open OpenFunc, opts ...Option) *Cache {
	c := &Cache{
		cfg:      cfg.withDefaults(),
		open:     open,
		now:      time.Now,
		entries:  make(map[string]*entry),
		inflight: make(map[string]*flight),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Lookup returns the cached handle for tenantID and refreshes its access time.
// It performs no I/O.
func (c *Cache) Lookup(tenantID string) (Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[tenantID]
	if !ok {
		return nil, false
	}
	e.lastAccessed = c.now()
	c.metrics.Hit()
	return e.handle, true
}

// Acquire returns the handle for tenantID, opening one with connString on a
// miss. Concurrent misses for the same tenant share a single open. The open is
// bounded by ConnectTimeout and is not cancelled when one waiting caller gives
// up; each caller stops waiting when its own ctx is done.
func (c *Cache) Acquire(ctx context.Context, tenantID, connString string) (Handle, error) {
	if h, ok := c.Lookup(tenantID); ok {
		return h, nil
	}
	c.metrics.Miss()

	ch := c.group.DoChan(tenantID, func() (any, error) {
		return c.openAndStore(context.WithoutCancel(ctx), tenantID, connString)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Handle), nil
	case <-ctx.Done():
		return nil, dberr.Classify("acquire tenant connection", ctx.Err())
	}
}

func (c *Cache) openAndStore(ctx context.Context, tenantID, connString string) (Handle, error) {
	c.mu.Lock()
	if e, ok := c.entries[tenantID]; ok {
		// Stored by a flight that finished after our Lookup.
		e.lastAccessed = c.now()
		c.mu.Unlock()
		return e.handle, nil
	}
	fl := &flight{}
	c.inflight[tenantID] = fl
	c.mu.Unlock()

	h, err := c.connect(ctx, connString)

	c.mu.Lock()
	if c.inflight[tenantID] == fl {
		delete(c.inflight, tenantID)
	}
	if err != nil {
		c.mu.Unlock()
		c.metrics.Open("failure")
		slog.Warn("pool: failed to open tenant connection",
			"tenant", tenantID,
			"target", naming.Redact(connString),
			"error", err,
		)
		return nil, dberr.Classify("open tenant connection", err)
	}
	if fl.released {
		c.mu.Unlock()
		c.metrics.Open("discarded")
		if cerr := c.closeHandle(tenantID, h); cerr != nil {
			slog.Warn("pool: failed to close discarded handle", "tenant", tenantID, "error", cerr)
		}
		return nil, dberr.New(dberr.KindConnect, "open tenant connection", ErrReleased)
	}

	evicted := c.makeRoomLocked()
	c.entries[tenantID] = &entry{
		handle:       h,
		connString:   connString,
		lastAccessed: c.now(),
	}
	c.metrics.Resident(len(c.entries))
	c.mu.Unlock()

	c.metrics.Open("success")
	slog.Debug("pool: opened tenant connection", "tenant", tenantID, "target", naming.Redact(connString))

	if len(evicted) > 0 {
		go c.closeVictims(evicted)
	}
	return h, nil
}

func (c *Cache) connect(ctx context.Context, connString string) (Handle, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	h, err := c.open(ctx, connString)
	if err != nil {
		return nil, err
	}
	if err := h.Ping(ctx); err != nil {
		h.Close()
		return nil, fmt.Errorf("pinging tenant database: %w", err)
	}
	return h, nil
}

// makeRoomLocked evicts entries until one more fits. c.mu must be held.
func (c *Cache) makeRoomLocked() []victim {
	if len(c.entries) < c.cfg.MaxSize {
		return nil
	}

	victims := c.expireLocked()
	c.metrics.Evicted("ttl", len(victims))
	if len(c.entries) < c.cfg.MaxSize {
		return victims
	}

	type aged struct {
		id   string
		last time.Time
	}
	byAge := make([]aged, 0, len(c.entries))
	for id, e := range c.entries {
		byAge = append(byAge, aged{id: id, last: e.lastAccessed})
	}
	sort.Slice(byAge, func(i, j int) bool { return byAge[i].last.Before(byAge[j].last) })

	n := len(byAge) / 10
	if n < 1 {
		n = 1
	}
	for _, a := range byAge[:n] {
		victims = append(victims, victim{tenantID: a.id, handle: c.entries[a.id].handle})
		delete(c.entries, a.id)
	}
	c.metrics.Evicted("lru", n)
	return victims
}

// expireLocked removes entries idle longer than TTL. c.mu must be held.
func (c *Cache) expireLocked() []victim {
	now := c.now()
	var victims []victim
	for id, e := range c.entries {
		if now.Sub(e.lastAccessed) > c.cfg.TTL {
			victims = append(victims, victim{tenantID: id, handle: e.handle})
			delete(c.entries, id)
		}
	}
	return victims
}

// Sweep closes every entry idle longer than TTL and returns how many it removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	victims := c.expireLocked()
	c.metrics.Evicted("ttl", len(victims))
	c.metrics.Resident(len(c.entries))
	c.mu.Unlock()

	c.closeVictims(victims)
	return len(victims)
}

// Run sweeps expired entries every SweepInterval until ctx is cancelled, which
// bounds how long an idle handle can outlive its TTL. It returns immediately if
// SweepInterval is not positive.
func (c *Cache) Run(ctx context.Context) {
	if c.cfg.SweepInterval <= 0 {
		return
	}
	slog.Info("pool: sweeper started", "interval", c.cfg.SweepInterval.String(), "ttl", c.cfg.TTL.String())
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("pool: sweeper stopped")
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				slog.Info("pool: swept idle handles", "count", n)
			}
		}
	}
}

// Release closes and removes the handle for tenantID. It is a no-op if the
// tenant has no entry. An open already in flight for the tenant is discarded
// when it completes.
func (c *Cache) Release(tenantID string) {
	c.mu.Lock()
	e, ok := c.entries[tenantID]
	delete(c.entries, tenantID)
	if fl, inflight := c.inflight[tenantID]; inflight {
		fl.released = true
		c.group.Forget(tenantID)
	}
	c.metrics.Resident(len(c.entries))
	c.mu.Unlock()

	if !ok {
		return
	}
	c.metrics.Evicted("release", 1)
	if err := c.closeHandle(tenantID, e.handle); err != nil {
		slog.Warn("pool: failed to close released handle", "tenant", tenantID, "error", err)
		return
	}
	slog.Info("pool: released tenant handle", "tenant", tenantID)
}

// ReleaseAll closes and removes every handle. Every close is attempted; failures
// are logged. Used at process shutdown.
func (c *Cache) ReleaseAll() {
	c.mu.Lock()
	victims := make([]victim, 0, len(c.entries))
	for id, e := range c.entries {
		victims = append(victims, victim{tenantID: id, handle: e.handle})
	}
	c.entries = make(map[string]*entry)
	for id, fl := range c.inflight {
		fl.released = true
		c.group.Forget(id)
	}
	c.metrics.Resident(0)
	c.mu.Unlock()

	c.metrics.Evicted("shutdown", len(victims))
	c.closeVictims(victims)
	slog.Info("pool: released all tenant handles", "count", len(victims))
}

// Size returns the number of open handles.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Keys returns the tenant ids with an open handle, sorted.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	keys := make([]string, 0, len(c.entries))
	for id := range c.entries {
		keys = append(keys, id)
	}
	c.mu.Unlock()

	sort.Strings(keys)
	return keys
}

// EntryInfo describes one cached handle. Target is redacted.
type EntryInfo struct {
	TenantID     string
	Target       string
	LastAccessed time.Time
}

// Entries returns a snapshot of the cached handles, sorted by tenant id.
func (c *Cache) Entries() []EntryInfo {
	c.mu.Lock()
	infos := make([]EntryInfo, 0, len(c.entries))
	for id, e := range c.entries {
		infos = append(infos, EntryInfo{
			TenantID:     id,
			Target:       naming.Redact(e.connString),
			LastAccessed: e.lastAccessed,
		})
	}
	c.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].TenantID < infos[j].TenantID })
	return infos
}

// closeVictims closes handles concurrently and logs the combined failures.
func (c *Cache) closeVictims(victims []victim) {
	if len(victims) == 0 {
		return
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)
	for _, v := range victims {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.closeHandle(v.tenantID, v.handle); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if errs != nil {
		slog.Error("pool: failed to close tenant handles",
			"failed", len(multierr.Errors(errs)),
			"total", len(victims),
			"error", errs,
		)
	}
}

// closeHandle closes h, giving up after CloseTimeout. A handle that times out
// keeps closing in the background.
func (c *Cache) closeHandle(tenantID string, h Handle) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic while closing: %v", r)
			}
		}()
		h.Close()
		done <- nil
	}()

	timer := time.NewTimer(c.cfg.CloseTimeout)
	defer timer.Stop()

	var err error
	select {
	case err = <-done:
	case <-timer.C:
		err = ErrCloseTimeout
	}
	if err != nil {
		c.metrics.CloseFailed()
		return &dberr.Error{Kind: dberr.KindClose, Op: "close tenant handle " + tenantID, Err: err}
	}
	return nil
}
