// Package tick drives the periodic evaluation of every tenant.
//
// One tick is one bounded fan-out of due-cycles. Ticks never overlap: a tick
// that fires while the previous one is still running is skipped and counted.
package tick

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"dailycast/internal/config"
	"dailycast/internal/dispatch"
	"dailycast/internal/storage"
	"dailycast/internal/telemetry"
	"dailycast/internal/tenants"
	logx "dailycast/pkg/logx"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultConcurrency   = 8
	DefaultTenantTimeout = 30 * time.Second

	flushTimeout = 10 * time.Second
	// abandonWait bounds how long Stop waits for cancelled tasks to return.
	abandonWait = 2 * time.Second
)

var (
	ErrTickInProgress = errors.New("tick already in progress")
	ErrStarted        = errors.New("tick driver already started")
)

type Config struct {
	Schedule      string
	Concurrency   int
	TenantTimeout time.Duration
}

// ConfigFrom applies defaults to the tick section of the file config.
func ConfigFrom(tc config.TickConfig) (Config, error) {
	cfg := Config{
		Schedule:    strings.TrimSpace(tc.Schedule),
		Concurrency: tc.Concurrency,
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if _, err := ParseSchedule(cfg.Schedule); err != nil {
		return Config{}, fmt.Errorf("tick.schedule: %w", err)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	d, err := config.ParseDurationOrDefault("tick.tenant_timeout", tc.TenantTimeout, DefaultTenantTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.TenantTimeout = d
	return cfg, nil
}

// Cycler runs one tenant's due-cycle.
type Cycler interface {
	Cycle(ctx context.Context, t tenants.Tenant, now time.Time) (dispatch.Outcome, error)
}

// Store is the last-sent view the driver needs at tick boundaries.
type Store interface {
	Flush(ctx context.Context) error
	Delete(ctx context.Context, tenantID string) error
}

// Report summarizes one tick.
type Report struct {
	ID       string        `json:"id"`
	Start    time.Time     `json:"start"`
	Duration time.Duration `json:"duration"`
	Tenants  int           `json:"tenants"`
	Sent     int           `json:"sent"`
	Skipped  int           `json:"skipped"`
	Failed   int           `json:"failed"`
	Panics   int           `json:"panics"`
	FlushErr string        `json:"flush_error,omitempty"`
}

type Stats struct {
	LastTickID       string        `json:"last_tick_id,omitempty"`
	LastTickStart    time.Time     `json:"last_tick_start"`
	LastTickDuration time.Duration `json:"last_tick_duration"`
	TicksRun         uint64        `json:"ticks_run"`
	TicksSkipped     uint64        `json:"ticks_skipped"`
	Last             Report        `json:"last"`
}

type Driver struct {
	cfg      Config
	provider tenants.Provider
	cycler   Cycler
	store    Store
	log      logx.Logger
	metrics  *telemetry.Metrics

	errs   dispatch.ErrorRecorder
	onTick func(Report)

	// beforeFire runs at the top of every scheduled job; tests only.
	beforeFire func()

	state runState

	mu     sync.Mutex
	cron   *cron.Cron
	runCtx context.Context
	cancel context.CancelFunc
	stats  Stats
}

func New(cfg Config, provider tenants.Provider, cycler Cycler, store Store, log logx.Logger, metrics *telemetry.Metrics) *Driver {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.TenantTimeout <= 0 {
		cfg.TenantTimeout = DefaultTenantTimeout
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	return &Driver{
		cfg:      cfg,
		provider: provider,
		cycler:   cycler,
		store:    store,
		log:      log.With(logx.String("comp", "tick")),
		metrics:  metrics,
	}
}

// SetErrorLog installs where recovered panics are recorded.
func (d *Driver) SetErrorLog(e dispatch.ErrorRecorder) { d.errs = e }

// OnTickDone installs a hook called after every completed tick (watchdog ping).
func (d *Driver) OnTickDone(fn func(Report)) { d.onTick = fn }

// Start begins ticking. Ticks run until Stop is called or ctx is done.
func (d *Driver) Start(ctx context.Context) error {
	spec, err := ParseSchedule(d.cfg.Schedule)
	if err != nil {
		return fmt.Errorf("tick.schedule: %w", err)
	}
	sched, err := spec.Schedule()
	if err != nil {
		return fmt.Errorf("tick.schedule: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cron != nil {
		return ErrStarted
	}
	cl := logx.CronLogger(d.log)
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl)),
	)
	d.runCtx, d.cancel = context.WithCancel(ctx)
	runCtx := d.runCtx
	c.Schedule(sched, cron.FuncJob(func() { d.fire(runCtx) }))
	c.Start()
	d.cron = c

	d.log.Info("tick driver started",
		logx.String("schedule", spec.String()),
		logx.Int("concurrency", d.cfg.Concurrency),
		logx.Duration("tenant_timeout", d.cfg.TenantTimeout),
	)
	return nil
}

func (d *Driver) fire(ctx context.Context) {
	if d.beforeFire != nil {
		d.beforeFire()
	}
	if ctx.Err() != nil {
		return
	}
	_, _ = d.RunTick(ctx, time.Now())
}

// RunTick evaluates every tenant once at now. It returns ErrTickInProgress
// when another tick has not finished.
func (d *Driver) RunTick(ctx context.Context, now time.Time) (Report, error) {
	if !d.state.tryAcquire() {
		d.metrics.TickSkipped()
		d.mu.Lock()
		d.stats.TicksSkipped++
		d.mu.Unlock()
		d.log.Warn("tick skipped; previous tick still running", logx.Time("now", now))
		return Report{}, ErrTickInProgress
	}
	defer d.state.release()

	rep := Report{ID: uuid.NewString(), Start: time.Now()}
	log := d.log.With(logx.String("tick", rep.ID))

	ts := d.provider.Tenants()
	rep.Tenants = len(ts)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(d.cfg.Concurrency)
	for _, t := range ts {
		t := t
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			tctx, cancel := context.WithTimeout(ctx, d.cfg.TenantTimeout)
			defer cancel()
			out, panicked := d.runTenant(tctx, log, t, now)

			mu.Lock()
			defer mu.Unlock()
			switch out {
			case dispatch.OutcomeSent:
				rep.Sent++
			case dispatch.OutcomeFailed:
				rep.Failed++
			default:
				rep.Skipped++
			}
			if panicked {
				rep.Panics++
			}
			// Task failures stay inside the task.
			return nil
		})
	}
	_ = g.Wait()

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
	if err := d.store.Flush(fctx); err != nil {
		rep.FlushErr = err.Error()
		log.Warn("last-sent flush failed; will retry next tick", logx.Err(err))
	}
	cancel()

	rep.Duration = time.Since(rep.Start)
	d.metrics.TickDone(rep.Duration, rep.Tenants)

	d.mu.Lock()
	d.stats.TicksRun++
	ticksRun := d.stats.TicksRun
	d.stats.LastTickID = rep.ID
	d.stats.LastTickStart = rep.Start
	d.stats.LastTickDuration = rep.Duration
	d.stats.Last = rep
	d.mu.Unlock()

	lvl := log.Debug
	if rep.Sent > 0 || rep.Failed > 0 {
		lvl = log.Info
	}
	lvl("tick done",
		logx.Int("tenants", rep.Tenants),
		logx.Int("sent", rep.Sent),
		logx.Int("failed", rep.Failed),
		logx.Duration("took", rep.Duration),
		logx.Uint64("ticks_run", ticksRun),
	)

	if d.onTick != nil {
		d.onTick(rep)
	}
	return rep, nil
}

func (d *Driver) runTenant(ctx context.Context, log logx.Logger, t tenants.Tenant, now time.Time) (out dispatch.Outcome, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("tenant task panicked",
				logx.String("tenant", t.ID),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
			d.metrics.Outcome(dispatch.OutcomeFailed.String())
			if d.errs != nil {
				if err := d.errs.Append(context.WithoutCancel(ctx), t.ID, storage.KindPanic, fmt.Sprintf("panic: %v", r)); err != nil {
					log.Warn("error log append failed", logx.String("tenant", t.ID), logx.Err(err))
				}
			}
			out, panicked = dispatch.OutcomeFailed, true
		}
	}()
	out, _ = d.cycler.Cycle(ctx, t, now)
	return out, false
}

// Stop stops scheduling, waits for the in-flight tick until ctx is done and
// then force-flushes the store. On expiry in-flight tasks are cancelled; a
// cancelled delivery never updates the store.
func (d *Driver) Stop(ctx context.Context) error {
	d.mu.Lock()
	c, cancel := d.cron, d.cancel
	d.cron = nil
	d.mu.Unlock()

	// A job launched just before c.Stop may not have acquired the run state
	// yet, so wait for cron's jobs first and then for any tick in flight.
	var jobs context.Context
	if c != nil {
		jobs = c.Stop()
	}
	idle := make(chan struct{})
	go func() {
		defer close(idle)
		if jobs != nil {
			<-jobs.Done()
		}
		<-d.state.wait()
	}()

	var errs []error
	select {
	case <-idle:
	case <-ctx.Done():
		d.log.Warn("shutdown grace expired; cancelling in-flight tasks")
		errs = append(errs, fmt.Errorf("tick shutdown: %w", ctx.Err()))
		if cancel != nil {
			cancel()
		}
		select {
		case <-idle:
		case <-time.After(abandonWait):
			d.log.Warn("in-flight tasks abandoned")
		}
	}
	if cancel != nil {
		cancel()
	}

	fctx, fcancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
	defer fcancel()
	if err := d.store.Flush(fctx); err != nil {
		errs = append(errs, fmt.Errorf("final flush: %w", err))
	}
	if len(errs) == 0 {
		d.log.Info("tick driver stopped")
	}
	return errors.Join(errs...)
}

// Forget removes a tenant's last-sent record. The error log is kept.
func (d *Driver) Forget(ctx context.Context, tenantID string) error {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return fmt.Errorf("tenant id required")
	}
	if err := d.store.Delete(ctx, tenantID); err != nil {
		d.log.Warn("tenant forgotten in memory; backend delete pending", logx.String("tenant", tenantID), logx.Err(err))
		return err
	}
	d.log.Info("tenant forgotten", logx.String("tenant", tenantID))
	return nil
}

func (d *Driver) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// runState guards against overlapping ticks.
type runState struct {
	mu       sync.Mutex
	inflight bool
	done     chan struct{}
}

func (r *runState) tryAcquire() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inflight {
		return false
	}
	r.inflight = true
	r.done = make(chan struct{})
	return true
}

func (r *runState) release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inflight = false
	if r.done != nil {
		close(r.done)
		r.done = nil
	}
}

// wait returns a channel closed when no tick is in flight.
func (r *runState) wait() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.inflight {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return r.done
}
