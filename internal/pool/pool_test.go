package pool_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daap14/tenantdb/internal/dberr"
	"github.com/daap14/tenantdb/internal/pool"
)

// --- Fakes ---

type fakeHandle struct {
	connString string
	pingErr    error
	closeGate  chan struct{}
	closed     atomic.Bool
}

func (h *fakeHandle) Ping(_ context.Context) error { return h.pingErr }

func (h *fakeHandle) Close() {
	if h.closeGate != nil {
		<-h.closeGate
	}
	h.closed.Store(true)
}

type fakeOpener struct {
	mu      sync.Mutex
	calls   map[string]int
	handles []*fakeHandle
	openFn  func(ctx context.Context, connString string) (*fakeHandle, error)
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{calls: make(map[string]int)}
}

func (o *fakeOpener) Open(ctx context.Context, connString string) (pool.Handle, error) {
	o.mu.Lock()
	o.calls[connString]++
	fn := o.openFn
	o.mu.Unlock()

	h := &fakeHandle{connString: connString}
	if fn != nil {
		var err error
		h, err = fn(ctx, connString)
		if err != nil {
			return nil, err
		}
	}

	o.mu.Lock()
	o.handles = append(o.handles, h)
	o.mu.Unlock()
	return h, nil
}

func (o *fakeOpener) callsFor(connString string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls[connString]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newCache(cfg pool.Config, opener *fakeOpener, clock *fakeClock) *pool.Cache {
	return pool.New(cfg, opener.Open, pool.WithClock(clock.Now))
}

func conn(tenant string) string {
	return "postgresql://app:secret@db:5432/EC_" + tenant
}

func mustAcquire(t *testing.T, c *pool.Cache, tenant string) pool.Handle {
	t.Helper()
	h, err := c.Acquire(context.Background(), tenant, conn(tenant))
	require.NoError(t, err)
	require.NotNil(t, h)
	return h
}

func isClosed(h pool.Handle) func() bool {
	return func() bool { return h.(*fakeHandle).closed.Load() }
}

// --- Acquire ---

func TestAcquire_HitReusesHandle(t *testing.T) {
	opener := newFakeOpener()
	c := newCache(pool.Config{}, opener, newFakeClock())

	first := mustAcquire(t, c, "a")
	second := mustAcquire(t, c, "a")

	assert.Same(t, first, second)
	assert.Equal(t, 1, opener.callsFor(conn("a")))
	assert.Equal(t, 1, c.Size())
}

func TestAcquire_SingleFlightPerTenant(t *testing.T) {
	opener := newFakeOpener()
	opener.openFn = func(_ context.Context, cs string) (*fakeHandle, error) {
		time.Sleep(50 * time.Millisecond)
		return &fakeHandle{connString: cs}, nil
	}
	c := newCache(pool.Config{}, opener, newFakeClock())

	const callers = 32
	handles := make([]pool.Handle, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := c.Acquire(context.Background(), "t", conn("t"))
			assert.NoError(t, err)
			handles[i] = h
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, opener.callsFor(conn("t")), "exactly one physical connection attempt")
	for _, h := range handles {
		assert.Same(t, handles[0], h)
	}
	assert.Equal(t, 1, c.Size())
}

func TestAcquire_SlowTenantDoesNotBlockOthers(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)

	opener := newFakeOpener()
	opener.openFn = func(_ context.Context, cs string) (*fakeHandle, error) {
		if cs == conn("slow") {
			<-gate
		}
		return &fakeHandle{connString: cs}, nil
	}
	c := newCache(pool.Config{ConnectTimeout: 5 * time.Second}, opener, newFakeClock())

	go func() {
		_, _ = c.Acquire(context.Background(), "slow", conn("slow"))
	}()
	require.Eventually(t, func() bool { return opener.callsFor(conn("slow")) == 1 }, time.Second, time.Millisecond)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := c.Acquire(context.Background(), "fast", conn("fast"))
		assert.NoError(t, err)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("acquire for an unrelated tenant blocked on a slow connect")
	}
	assert.Equal(t, []string{"fast"}, c.Keys())
}

func TestAcquire_OpenFailureIsNotCached(t *testing.T) {
	opener := newFakeOpener()
	fail := true
	opener.openFn = func(_ context.Context, cs string) (*fakeHandle, error) {
		if fail {
			return nil, errors.New("password authentication failed")
		}
		return &fakeHandle{connString: cs}, nil
	}
	c := newCache(pool.Config{}, opener, newFakeClock())

	_, err := c.Acquire(context.Background(), "a", conn("a"))
	require.Error(t, err)
	assert.Equal(t, dberr.KindConnect, dberr.KindOf(err))
	assert.Equal(t, 0, c.Size())

	fail = false
	mustAcquire(t, c, "a")
	assert.Equal(t, 2, opener.callsFor(conn("a")))
}

func TestAcquire_PingFailureClosesHandle(t *testing.T) {
	opener := newFakeOpener()
	var opened *fakeHandle
	opener.openFn = func(_ context.Context, cs string) (*fakeHandle, error) {
		opened = &fakeHandle{connString: cs, pingErr: errors.New("database \"EC_a\" does not exist")}
		return opened, nil
	}
	c := newCache(pool.Config{}, opener, newFakeClock())

	_, err := c.Acquire(context.Background(), "a", conn("a"))

	require.Error(t, err)
	assert.Equal(t, dberr.KindConnect, dberr.KindOf(err))
	assert.True(t, opened.closed.Load())
	assert.Equal(t, 0, c.Size())
}

func TestAcquire_ConnectTimeout(t *testing.T) {
	opener := newFakeOpener()
	opener.openFn = func(ctx context.Context, _ string) (*fakeHandle, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	c := newCache(pool.Config{ConnectTimeout: 50 * time.Millisecond}, opener, newFakeClock())

	start := time.Now()
	_, err := c.Acquire(context.Background(), "a", conn("a"))

	require.Error(t, err)
	assert.Equal(t, dberr.KindTimeout, dberr.KindOf(err))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestAcquire_CallerDeadlineDoesNotCancelSharedOpen(t *testing.T) {
	opener := newFakeOpener()
	opener.openFn = func(_ context.Context, cs string) (*fakeHandle, error) {
		time.Sleep(100 * time.Millisecond)
		return &fakeHandle{connString: cs}, nil
	}
	c := newCache(pool.Config{ConnectTimeout: 5 * time.Second}, opener, newFakeClock())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := c.Acquire(ctx, "a", conn("a"))
	require.Error(t, err)
	assert.Equal(t, dberr.KindTimeout, dberr.KindOf(err))

	h := mustAcquire(t, c, "a")
	assert.NotNil(t, h)
	assert.Equal(t, 1, opener.callsFor(conn("a")))
}

// --- Release ---

func TestRelease_NextAcquireOpensNewHandle(t *testing.T) {
	opener := newFakeOpener()
	c := newCache(pool.Config{}, opener, newFakeClock())

	first := mustAcquire(t, c, "a")
	c.Release("a")

	assert.True(t, first.(*fakeHandle).closed.Load())
	assert.Equal(t, 0, c.Size())

	second := mustAcquire(t, c, "a")
	assert.NotSame(t, first, second)
	assert.Equal(t, 2, opener.callsFor(conn("a")))
}

func TestRelease_AbsentIsNoop(t *testing.T) {
	c := newCache(pool.Config{}, newFakeOpener(), newFakeClock())

	assert.NotPanics(t, func() {
		c.Release("missing")
		c.Release("missing")
	})
	assert.Equal(t, 0, c.Size())
}

func TestRelease_DiscardsInFlightOpen(t *testing.T) {
	gate := make(chan struct{})
	opener := newFakeOpener()
	var opened *fakeHandle
	opener.openFn = func(_ context.Context, cs string) (*fakeHandle, error) {
		<-gate
		opened = &fakeHandle{connString: cs}
		return opened, nil
	}
	c := newCache(pool.Config{ConnectTimeout: 5 * time.Second}, opener, newFakeClock())

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Acquire(context.Background(), "a", conn("a"))
		errCh <- err
	}()
	require.Eventually(t, func() bool { return opener.callsFor(conn("a")) == 1 }, time.Second, time.Millisecond)

	c.Release("a")
	close(gate)

	err := <-errCh
	require.Error(t, err)
	assert.ErrorIs(t, err, pool.ErrReleased)
	assert.True(t, opened.closed.Load())
	assert.Equal(t, 0, c.Size())
}

func TestReleaseAll_ClosesEverythingDespiteStuckHandle(t *testing.T) {
	stuck := make(chan struct{})
	defer close(stuck)

	opener := newFakeOpener()
	opener.openFn = func(_ context.Context, cs string) (*fakeHandle, error) {
		h := &fakeHandle{connString: cs}
		if cs == conn("stuck") {
			h.closeGate = stuck
		}
		return h, nil
	}
	c := newCache(pool.Config{CloseTimeout: 50 * time.Millisecond}, opener, newFakeClock())

	a := mustAcquire(t, c, "a")
	b := mustAcquire(t, c, "b")
	mustAcquire(t, c, "stuck")

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.ReleaseAll()
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ReleaseAll blocked on a handle that never closes")
	}
	assert.True(t, a.(*fakeHandle).closed.Load())
	assert.True(t, b.(*fakeHandle).closed.Load())
	assert.Equal(t, 0, c.Size())
	assert.Empty(t, c.Keys())
}

// --- Eviction ---

func TestEviction_NeverExceedsMaxSize(t *testing.T) {
	clock := newFakeClock()
	opener := newFakeOpener()
	c := newCache(pool.Config{MaxSize: 3, TTL: time.Hour}, opener, clock)

	for _, tenant := range []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"} {
		mustAcquire(t, c, tenant)
		clock.Advance(time.Millisecond)
		assert.LessOrEqual(t, c.Size(), 3)
	}
}

func TestEviction_StaleEntriesGoBeforeLRUTrim(t *testing.T) {
	clock := newFakeClock()
	opener := newFakeOpener()
	c := newCache(pool.Config{MaxSize: 2, TTL: 1000 * time.Millisecond}, opener, clock)

	a := mustAcquire(t, c, "a")
	b := mustAcquire(t, c, "b")
	clock.Advance(1100 * time.Millisecond)
	mustAcquire(t, c, "c")

	assert.Equal(t, []string{"c"}, c.Keys())
	assert.Eventually(t, isClosed(a), time.Second, time.Millisecond)
	assert.Eventually(t, isClosed(b), time.Second, time.Millisecond)
}

func TestEviction_PrefersStaleOverFreshEntry(t *testing.T) {
	clock := newFakeClock()
	opener := newFakeOpener()
	c := newCache(pool.Config{MaxSize: 2, TTL: 1000 * time.Millisecond}, opener, clock)

	a := mustAcquire(t, c, "a")
	clock.Advance(900 * time.Millisecond)
	b := mustAcquire(t, c, "b")
	clock.Advance(200 * time.Millisecond)
	mustAcquire(t, c, "c")

	assert.Equal(t, []string{"b", "c"}, c.Keys())
	assert.Eventually(t, isClosed(a), time.Second, time.Millisecond)
	assert.False(t, b.(*fakeHandle).closed.Load())
}

func TestEviction_LRUTrimWhenNothingIsStale(t *testing.T) {
	clock := newFakeClock()
	opener := newFakeOpener()
	c := newCache(pool.Config{MaxSize: 2, TTL: time.Hour}, opener, clock)

	mustAcquire(t, c, "a")
	clock.Advance(time.Millisecond)
	b := mustAcquire(t, c, "b")
	clock.Advance(time.Millisecond)

	_, ok := c.Lookup("a")
	require.True(t, ok)
	clock.Advance(time.Millisecond)

	mustAcquire(t, c, "c")

	assert.Equal(t, []string{"a", "c"}, c.Keys())
	assert.Eventually(t, isClosed(b), time.Second, time.Millisecond)
}

func TestEviction_LRUTrimRemovesTenPercent(t *testing.T) {
	clock := newFakeClock()
	opener := newFakeOpener()
	c := newCache(pool.Config{MaxSize: 20, TTL: time.Hour}, opener, clock)

	for i := range 20 {
		mustAcquire(t, c, string(rune('a'+i)))
		clock.Advance(time.Millisecond)
	}
	require.Equal(t, 20, c.Size())

	mustAcquire(t, c, "z")

	// 10% of 20 is 2: the two oldest go, the new entry is added.
	assert.Equal(t, 19, c.Size())
	_, ok := c.Lookup("a")
	assert.False(t, ok)
	_, ok = c.Lookup("b")
	assert.False(t, ok)
	_, ok = c.Lookup("c")
	assert.True(t, ok)
}

func TestSweep_RemovesOnlyExpired(t *testing.T) {
	clock := newFakeClock()
	opener := newFakeOpener()
	c := newCache(pool.Config{TTL: time.Minute}, opener, clock)

	old := mustAcquire(t, c, "old")
	clock.Advance(2 * time.Minute)
	mustAcquire(t, c, "new")

	removed := c.Sweep()

	assert.Equal(t, 1, removed)
	assert.Equal(t, []string{"new"}, c.Keys())
	assert.True(t, old.(*fakeHandle).closed.Load())
}

func TestRun_SweepsUntilCancelled(t *testing.T) {
	clock := newFakeClock()
	opener := newFakeOpener()
	c := newCache(pool.Config{TTL: time.Minute, SweepInterval: 5 * time.Millisecond}, opener, clock)

	mustAcquire(t, c, "a")
	clock.Advance(2 * time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		c.Run(ctx)
	}()

	assert.Eventually(t, func() bool { return c.Size() == 0 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestEntries_RedactsTarget(t *testing.T) {
	c := newCache(pool.Config{}, newFakeOpener(), newFakeClock())
	mustAcquire(t, c, "a")

	entries := c.Entries()

	require.Len(t, entries, 1)
	assert.Equal(t, "a", entries[0].TenantID)
	assert.NotContains(t, entries[0].Target, "secret")
}
