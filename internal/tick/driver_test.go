package tick

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dailycast/internal/config"
	"dailycast/internal/dispatch"
	"dailycast/internal/notifier"
	"dailycast/internal/storage"
	"dailycast/internal/tenants"
	logx "dailycast/pkg/logx"
)

var anchor = time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)

func tenantSet(ids ...string) *tenants.ConfigProvider {
	cfg := &config.Config{Tenants: map[string]config.TenantConfig{}}
	for _, id := range ids {
		cfg.Tenants[id] = config.TenantConfig{
			Platform:   "discord",
			Timezone:   "UTC",
			AnchorTime: "08:00",
			Channel:    config.ID("chan-" + id),
		}
	}
	return tenants.Static(cfg)
}

type stubContent struct{}

func (stubContent) Fetch(context.Context) (string, error) { return "quote", nil }

// targetNotifier fails deliveries to the listed targets.
type targetNotifier struct {
	mu   sync.Mutex
	fail map[string]error
	sent []string
}

func (n *targetNotifier) Deliver(_ context.Context, to notifier.Destination, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.fail[to.Target]; err != nil {
		return err
	}
	n.sent = append(n.sent, to.Target)
	return nil
}

func (n *targetNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

// panicky panics for one tenant and delegates the rest.
type panicky struct {
	next   Cycler
	tenant string
}

func (p panicky) Cycle(ctx context.Context, t tenants.Tenant, now time.Time) (dispatch.Outcome, error) {
	if t.ID == p.tenant {
		panic("boom")
	}
	return p.next.Cycle(ctx, t, now)
}

type funcCycler func(ctx context.Context, t tenants.Tenant, now time.Time) (dispatch.Outcome, error)

func (f funcCycler) Cycle(ctx context.Context, t tenants.Tenant, now time.Time) (dispatch.Outcome, error) {
	return f(ctx, t, now)
}

type countingStore struct {
	flushes atomic.Int32
	deleted []string
}

func (s *countingStore) Flush(context.Context) error {
	s.flushes.Add(1)
	return nil
}

func (s *countingStore) Delete(_ context.Context, id string) error {
	s.deleted = append(s.deleted, id)
	return nil
}

func newDispatcher(store *storage.LastSentStore, el *storage.ErrorLog, n notifier.Notifier) *dispatch.Dispatcher {
	return dispatch.New(dispatch.Deps{
		Store:    store,
		Errors:   el,
		Content:  stubContent{},
		Notifier: n,
		Fallback: func() string { return "fallback" },
	})
}

func TestRunTickIsolatesTenantFailures(t *testing.T) {
	t.Parallel()
	b := storage.NewMemory()
	store := storage.NewLastSentStore(b, logx.Nop())
	el := storage.NewErrorLog(b)
	n := &targetNotifier{fail: map[string]error{
		"chan-denied": &notifier.DeliveryError{Platform: "discord", Target: "chan-denied", Kind: notifier.PermissionDenied, Err: errors.New("403")},
	}}

	cyc := panicky{next: newDispatcher(store, el, n), tenant: "crash"}
	d := New(Config{Concurrency: 2}, tenantSet("a", "b", "denied", "crash"), cyc, store, logx.Nop(), nil)
	d.SetErrorLog(el)

	rep, err := d.RunTick(context.Background(), anchor)
	require.NoError(t, err)
	assert.Equal(t, 4, rep.Tenants)
	assert.Equal(t, 2, rep.Sent)
	assert.Equal(t, 2, rep.Failed)
	assert.Equal(t, 1, rep.Panics)
	assert.NotEmpty(t, rep.ID)

	_, ok := store.Get("a")
	assert.True(t, ok)
	_, ok = store.Get("denied")
	assert.False(t, ok, "failed delivery must leave the store untouched")

	entries, err := el.Entries(context.Background(), "crash")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, storage.KindPanic, entries[0].Kind)
	assert.Contains(t, entries[0].Message, "boom")

	entries, err = el.Entries(context.Background(), "denied")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, notifier.PermissionDenied.String(), entries[0].Kind)

	st := d.Stats()
	assert.Equal(t, uint64(1), st.TicksRun)
	assert.Equal(t, rep.ID, st.LastTickID)
}

func TestRunTickRestartDoesNotResend(t *testing.T) {
	t.Parallel()
	cfg := storage.Config{Driver: "file", Path: t.TempDir() + "/state.json"}
	n := &targetNotifier{}

	run := func(now time.Time) Report {
		b, err := storage.Open(cfg, logx.Nop())
		require.NoError(t, err)
		defer b.Close()
		store := storage.NewLastSentStore(b, logx.Nop())
		require.NoError(t, store.Load(context.Background()))
		d := New(Config{}, tenantSet("t1"), newDispatcher(store, storage.NewErrorLog(b), n), store, logx.Nop(), nil)
		rep, err := d.RunTick(context.Background(), now)
		require.NoError(t, err)
		return rep
	}

	assert.Equal(t, 1, run(anchor).Sent)
	// Process restarts a minute later, same local day.
	rep := run(anchor.Add(time.Minute))
	assert.Equal(t, 0, rep.Sent)
	assert.Equal(t, 1, rep.Skipped)
	assert.Equal(t, 1, n.count())

	assert.Equal(t, 1, run(anchor.Add(24*time.Hour)).Sent)
	assert.Equal(t, 2, n.count())
}

func TestRunTickSkipsWhenPreviousStillRunning(t *testing.T) {
	t.Parallel()
	entered := make(chan struct{})
	release := make(chan struct{})
	cyc := funcCycler(func(ctx context.Context, _ tenants.Tenant, _ time.Time) (dispatch.Outcome, error) {
		close(entered)
		<-release
		return dispatch.OutcomeSkipped, nil
	})
	store := &countingStore{}
	d := New(Config{}, tenantSet("t1"), cyc, store, logx.Nop(), nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = d.RunTick(context.Background(), anchor)
	}()
	<-entered

	_, err := d.RunTick(context.Background(), anchor.Add(time.Minute))
	assert.ErrorIs(t, err, ErrTickInProgress)

	close(release)
	<-done
	st := d.Stats()
	assert.Equal(t, uint64(1), st.TicksRun)
	assert.Equal(t, uint64(1), st.TicksSkipped)
	assert.Equal(t, int32(1), store.flushes.Load())
}

func TestRunTickBoundsConcurrency(t *testing.T) {
	t.Parallel()
	var cur, peak atomic.Int32
	cyc := funcCycler(func(context.Context, tenants.Tenant, time.Time) (dispatch.Outcome, error) {
		n := cur.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		cur.Add(-1)
		return dispatch.OutcomeSkipped, nil
	})
	ids := make([]string, 0, 8)
	for i := 0; i < 8; i++ {
		ids = append(ids, fmt.Sprintf("t%d", i))
	}
	d := New(Config{Concurrency: 2}, tenantSet(ids...), cyc, &countingStore{}, logx.Nop(), nil)

	rep, err := d.RunTick(context.Background(), anchor)
	require.NoError(t, err)
	assert.Equal(t, 8, rep.Skipped)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestRunTickTenantTimeout(t *testing.T) {
	t.Parallel()
	cyc := funcCycler(func(ctx context.Context, t tenants.Tenant, _ time.Time) (dispatch.Outcome, error) {
		if t.ID == "slow" {
			<-ctx.Done()
			return dispatch.OutcomeFailed, ctx.Err()
		}
		return dispatch.OutcomeSent, nil
	})
	d := New(Config{TenantTimeout: 20 * time.Millisecond}, tenantSet("fast", "slow"), cyc, &countingStore{}, logx.Nop(), nil)

	rep, err := d.RunTick(context.Background(), anchor)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Sent)
	assert.Equal(t, 1, rep.Failed)
}

func TestStopCancelsInFlightAfterGrace(t *testing.T) {
	t.Parallel()
	entered := make(chan struct{})
	var cancelled atomic.Bool
	cyc := funcCycler(func(ctx context.Context, _ tenants.Tenant, _ time.Time) (dispatch.Outcome, error) {
		close(entered)
		<-ctx.Done()
		cancelled.Store(true)
		return dispatch.OutcomeFailed, ctx.Err()
	})
	store := &countingStore{}
	d := New(Config{Schedule: "@every 1h", TenantTimeout: time.Hour}, tenantSet("t1"), cyc, store, logx.Nop(), nil)
	require.NoError(t, d.Start(context.Background()))
	assert.ErrorIs(t, d.Start(context.Background()), ErrStarted)

	d.mu.Lock()
	runCtx := d.runCtx
	d.mu.Unlock()
	go d.fire(runCtx)
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := d.Stop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, cancelled.Load())
	// one flush from the tick itself, one forced by Stop
	assert.Equal(t, int32(2), store.flushes.Load())
}

func TestStopWaitsForLaunchedJob(t *testing.T) {
	t.Parallel()
	var cycles atomic.Int32
	cyc := funcCycler(func(context.Context, tenants.Tenant, time.Time) (dispatch.Outcome, error) {
		cycles.Add(1)
		return dispatch.OutcomeSkipped, nil
	})
	store := &countingStore{}
	d := New(Config{Schedule: "@every 1s"}, tenantSet("t1"), cyc, store, logx.Nop(), nil)

	launched := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	d.beforeFire = func() {
		first := false
		once.Do(func() { first = true })
		if first {
			close(launched)
			<-release
		}
	}
	require.NoError(t, d.Start(context.Background()))

	select {
	case <-launched:
	case <-time.After(5 * time.Second):
		t.Fatal("cron job never launched")
	}

	stopped := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		stopped <- d.Stop(ctx)
	}()

	// The job holds no run state yet; Stop must still wait for it.
	require.Never(t, func() bool { return len(stopped) > 0 }, 150*time.Millisecond, 10*time.Millisecond)
	close(release)

	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
	assert.Equal(t, int32(1), cycles.Load())
	// the job's tick flush happens before Stop's final flush, never after
	assert.Equal(t, int32(2), store.flushes.Load())
	assert.Equal(t, uint64(1), d.Stats().TicksRun)
}

func TestStopIdleFlushes(t *testing.T) {
	t.Parallel()
	store := &countingStore{}
	d := New(Config{}, tenantSet(), funcCycler(nil), store, logx.Nop(), nil)
	require.NoError(t, d.Stop(context.Background()))
	assert.Equal(t, int32(1), store.flushes.Load())
}

func TestForget(t *testing.T) {
	t.Parallel()
	b := storage.NewMemory()
	store := storage.NewLastSentStore(b, logx.Nop())
	el := storage.NewErrorLog(b)
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "gone", anchor))
	require.NoError(t, el.Append(ctx, "gone", storage.KindContent, "upstream down"))

	d := New(Config{}, tenantSet(), funcCycler(nil), store, logx.Nop(), nil)
	require.NoError(t, d.Forget(ctx, "gone"))
	assert.Error(t, d.Forget(ctx, "  "))

	_, ok := store.Get("gone")
	assert.False(t, ok)
	m, err := b.LoadLastSent(ctx)
	require.NoError(t, err)
	assert.NotContains(t, m, "gone")

	entries, err := el.Entries(ctx, "gone")
	require.NoError(t, err)
	assert.Len(t, entries, 1, "error log survives removal")
}

func TestConfigFrom(t *testing.T) {
	t.Parallel()
	cfg, err := ConfigFrom(config.TickConfig{})
	require.NoError(t, err)
	assert.Equal(t, Config{Schedule: DefaultSchedule, Concurrency: DefaultConcurrency, TenantTimeout: DefaultTenantTimeout}, cfg)

	_, err = ConfigFrom(config.TickConfig{Schedule: "whenever"})
	assert.Error(t, err)
	_, err = ConfigFrom(config.TickConfig{TenantTimeout: "soon"})
	assert.Error(t, err)
}
