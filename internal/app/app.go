package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"dailycast/internal/config"
	"dailycast/internal/content"
	"dailycast/internal/dispatch"
	"dailycast/internal/httpserver"
	"dailycast/internal/notifier"
	rtsup "dailycast/internal/runtime/supervisor"
	"dailycast/internal/telemetry"
	"dailycast/internal/tick"
	logx "dailycast/pkg/logx"
	"dailycast/pkg/systemd"

	"github.com/prometheus/client_golang/prometheus"
)

type App struct {
	core *Core
	log  logx.Logger

	metrics  *telemetry.Metrics
	registry *prometheus.Registry

	notifiers *notifier.Registry
	discord   *notifier.Discord
	driver    *tick.Driver
	http      *httpserver.Service
	sd        *systemd.Notifier

	grace time.Duration
	sup   *rtsup.Supervisor
}

// NewApp builds every component without starting anything.
func NewApp(ctx context.Context, cfgPath string) (*App, error) {
	core, err := Bootstrap(ctx, cfgPath)
	if err != nil {
		return nil, err
	}
	a, err := newApp(core)
	if err != nil {
		_ = core.Close()
		return nil, err
	}
	return a, nil
}

func newApp(core *Core) (*App, error) {
	cfg := core.Config.Get()
	log := core.Log.With(logx.String("comp", "app"))

	metrics := telemetry.NewMetrics()
	reg, dc, err := buildNotifiers(cfg, core.Log)
	if err != nil {
		return nil, err
	}
	if orphans := orphanTenants(cfg, reg); len(orphans) > 0 {
		log.Warn("tenants on disabled platforms; their sends will fail", logx.Any("tenants", orphans))
	}

	disp := dispatch.New(dispatch.Deps{
		Store:    core.Store,
		Errors:   core.Errors,
		Content:  content.NewZenQuotes(mapContentOptions(cfg)),
		Notifier: reg,
		Log:      core.Log,
		Metrics:  metrics,
	})

	tcfg, err := tick.ConfigFrom(cfg.Tick)
	if err != nil {
		return nil, err
	}
	driver := tick.New(tcfg, core.Tenants, disp, core.Store, core.Log, metrics)
	driver.SetErrorLog(core.Errors)

	a := &App{
		core:      core,
		log:       log,
		metrics:   metrics,
		registry:  telemetry.NewMetricsRegistry(metrics),
		notifiers: reg,
		discord:   dc,
		driver:    driver,
		sd:        systemd.New(cfg.Systemd.Notify),
		grace:     shutdownGrace(cfg),
	}
	if cfg.HTTP.Enabled {
		h := httpserver.NewRouter(httpserver.Deps{
			Registry: a.registry,
			Metrics:  metrics,
			Errors:   core.Errors,
			LastSent: core.Store,
			Tenants:  core.Tenants,
			Stats:    driver.Stats,
			Forget:   driver.Forget,
			Log:      core.Log,
			Pprof:    cfg.HTTP.Pprof,
		})
		a.http = httpserver.New(mapHTTPConfig(cfg), h, core.Log)
	}
	driver.OnTickDone(a.afterTick)
	return a, nil
}

func (a *App) Core() *Core          { return a.core }
func (a *App) Driver() *tick.Driver { return a.driver }

// ShutdownGrace is how long Stop waits for an in-flight tick.
func (a *App) ShutdownGrace() time.Duration { return a.grace }

// Done is closed when the app supervisor context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	if a.discord != nil {
		a.discord.OnGuildRemoved(a.forgetTenant)
		// Delivery works over REST without the gateway; only removals are missed.
		if err := a.discord.Open(); err != nil {
			a.log.Warn("discord gateway unavailable; guild removals will not be observed", logx.Err(err))
		}
	}

	// The driver outlives runCtx: Stop gives its in-flight tick the shutdown grace.
	if err := a.driver.Start(context.WithoutCancel(runCtx)); err != nil {
		return err
	}
	if a.http != nil {
		a.http.Start(runCtx)
	}

	sub := a.core.Config.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.core.Config.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", a.core.Config.Watch)

	if _, err := a.sd.Ready(); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	}
	a.log.Info("app started",
		logx.Int("tenants", len(a.core.Tenants.Tenants())),
		logx.Any("platforms", a.notifiers.Platforms()),
	)
	return nil
}

func (a *App) afterTick(rep tick.Report) {
	_, _ = a.sd.Watchdog()
	_, _ = a.sd.Status(fmt.Sprintf("last tick %s: %d tenants, %d sent, %d failed",
		rep.Start.UTC().Format(time.RFC3339), rep.Tenants, rep.Sent, rep.Failed))
}

// forgetTenant is the Discord guild-removal hook. The guild id is the tenant id.
func (a *App) forgetTenant(guildID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.driver.Forget(ctx, guildID); err != nil {
		a.log.Warn("forget after guild removal incomplete", logx.String("tenant", guildID), logx.Err(err))
	}
}

// reloadLoop applies what can change at runtime. Tenant settings need nothing
// here; the provider reads the live config on every tick.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	last := a.core.Config.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts; keep only the latest.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
				default:
					break drain
				}
			}

			sections, attrs, changedTenants := config.SummarizeConfigChange(last, cfg)
			last = cfg
			a.core.Logs.Apply(mapLogConfig(cfg))

			for _, s := range sections {
				switch s {
				case "tick", "storage", "content", "notifiers", "http", "systemd":
					a.log.Warn("config section changed; restart required for it to take effect", logx.String("section", s))
				}
			}
			if len(changedTenants) > 0 {
				a.log.Info("tenant settings changed; applied from next tick", logx.Any("tenants", changedTenants))
			}
			if orphans := orphanTenants(cfg, a.notifiers); len(orphans) > 0 {
				a.log.Warn("tenants on disabled platforms; their sends will fail", logx.Any("tenants", orphans))
			}
			if len(sections) > 0 {
				fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
				a.log.Info("config reloaded", fields...)
			}
		}
	}
}

// Stop shuts down in order: ticks (bounded by the shutdown grace), HTTP,
// gateway, background loops, then state.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = a.sd.Stopping()

	if a.sup != nil {
		a.sup.Cancel()
	}

	tickErr := a.step(ctx, "tick", a.grace+5*time.Second, func(c context.Context) error {
		gctx, cancel := context.WithTimeout(c, a.grace)
		defer cancel()
		return a.driver.Stop(gctx)
	})
	a.step(ctx, "http", 2*time.Second, func(c context.Context) error {
		if a.http != nil {
			a.http.Stop(c)
		}
		return nil
	})
	a.step(ctx, "discord", 2*time.Second, func(c context.Context) error {
		if a.discord != nil {
			return a.discord.Close()
		}
		return nil
	})
	if a.sup != nil {
		a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	}

	a.log.Info("stopped")
	if err := a.core.Close(); err != nil {
		return err
	}
	return tickErr
}

// step runs one shutdown step bounded by max and by ctx's deadline, so one
// component cannot stall the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped; no time left", logx.String("name", name))
		return context.DeadlineExceeded
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		return err
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
		return fmt.Errorf("stop step %s: %w", name, stepCtx.Err())
	}
}
