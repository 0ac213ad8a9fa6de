// Package dispatch runs one tenant's due-cycle: evaluate, fetch, deliver, record.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dailycast/internal/content"
	"dailycast/internal/eligibility"
	"dailycast/internal/notifier"
	"dailycast/internal/storage"
	"dailycast/internal/telemetry"
	"dailycast/internal/tenants"
	logx "dailycast/pkg/logx"
)

type Outcome int

const (
	OutcomeSkipped Outcome = iota
	OutcomeSent
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSent:
		return "sent"
	case OutcomeFailed:
		return "failed"
	default:
		return "skipped"
	}
}

// LastSent is the store view the dispatcher needs.
type LastSent interface {
	Get(tenantID string) (time.Time, bool)
	Set(ctx context.Context, tenantID string, at time.Time) error
}

// ErrorRecorder receives operator-visible failures.
type ErrorRecorder interface {
	Append(ctx context.Context, tenantID, kind, message string) error
}

type Deps struct {
	Store    LastSent
	Errors   ErrorRecorder
	Content  content.Provider
	Notifier notifier.Notifier
	Log      logx.Logger
	Metrics  *telemetry.Metrics

	// Fallback produces the text used when Content fails. Defaults to content.Fallback.
	Fallback func() string
}

type Dispatcher struct {
	store    LastSent
	errs     ErrorRecorder
	content  content.Provider
	notifier notifier.Notifier
	log      logx.Logger
	metrics  *telemetry.Metrics
	fallback func() string
}

func New(d Deps) *Dispatcher {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Fallback == nil {
		d.Fallback = content.Fallback
	}
	return &Dispatcher{
		store:    d.Store,
		errs:     d.Errors,
		content:  d.Content,
		notifier: d.Notifier,
		log:      d.Log.With(logx.String("comp", "dispatch")),
		metrics:  d.Metrics,
		fallback: d.Fallback,
	}
}

// Evaluate runs the eligibility check against the stored last-sent instant.
func (d *Dispatcher) Evaluate(t tenants.Tenant, now time.Time) eligibility.Result {
	last := eligibility.Never
	if at, ok := d.store.Get(t.ID); ok {
		last = eligibility.SentAt(at)
	}
	return eligibility.Evaluate(t.Schedule, last, now)
}

// Cycle decides and, when due, sends. The returned error is only set for
// OutcomeFailed; every failure is already logged and recorded in the error log.
//
// On success the evaluation instant now is recorded, not the delivery time,
// so a per-minute tick doesn't creep the cadence later each day.
func (d *Dispatcher) Cycle(ctx context.Context, t tenants.Tenant, now time.Time) (Outcome, error) {
	log := d.log.With(logx.String("tenant", t.ID), logx.String("platform", t.Platform))

	res := d.Evaluate(t, now)
	if res.Fallback != nil {
		d.metrics.ConfigFallback()
		log.Warn("schedule fallback applied", logx.Any("fields", res.Fallback.Fields), logx.Err(res.Fallback))
		d.record(ctx, log, t.ID, storage.KindConfig, res.Fallback.Error())
	}
	if res.Decision != eligibility.Send {
		d.metrics.Outcome(OutcomeSkipped.String())
		return OutcomeSkipped, nil
	}

	text, err := d.content.Fetch(ctx)
	if err != nil {
		d.metrics.ContentFallback()
		log.Warn("content fetch failed; using fallback", logx.Err(err))
		d.record(ctx, log, t.ID, storage.KindContent, err.Error())
		text = d.fallback()
	}

	to := notifier.Destination{
		Platform: t.Platform,
		Target:   res.Schedule.DeliveryTarget,
		Mention:  res.Schedule.MentionTarget,
	}
	if err := d.notifier.Deliver(ctx, to, text); err != nil {
		kind := notifier.KindOf(err)
		d.metrics.DeliveryFailure(t.Platform, kind.String())
		d.metrics.Outcome(OutcomeFailed.String())
		log.Error("delivery failed", logx.String("kind", kind.String()), logx.String("target", to.Target), logx.Err(err))
		d.record(ctx, log, t.ID, kind.String(), deliveryMessage(kind, err))
		return OutcomeFailed, err
	}

	if err := d.store.Set(ctx, t.ID, now); err != nil {
		var perr *storage.PersistenceError
		if errors.As(err, &perr) {
			d.metrics.PersistenceError()
		}
		log.Error("sent but last-sent not persisted; will retry at flush", logx.Err(err))
		d.record(ctx, log, t.ID, storage.KindPersistence, err.Error())
	}
	d.metrics.Outcome(OutcomeSent.String())
	log.Info("broadcast sent",
		logx.String("target", to.Target),
		logx.Time("local_now", res.LocalNow),
		logx.String("anchor", res.Schedule.Anchor.String()),
	)
	return OutcomeSent, nil
}

func deliveryMessage(kind notifier.Kind, err error) string {
	switch kind {
	case notifier.PermissionDenied:
		return fmt.Sprintf("Missing permissions: %v", err)
	case notifier.DestinationNotFound:
		return fmt.Sprintf("Channel not found: %v", err)
	default:
		return err.Error()
	}
}

// record appends to the error log. Its own failure is only logged; the error
// log must never turn a tenant failure into a tick failure.
func (d *Dispatcher) record(ctx context.Context, log logx.Logger, tenantID, kind, msg string) {
	if d.errs == nil {
		return
	}
	if err := d.errs.Append(context.WithoutCancel(ctx), tenantID, kind, msg); err != nil {
		log.Warn("error log append failed", logx.String("kind", kind), logx.Err(err))
	}
}
