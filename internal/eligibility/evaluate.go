// Package eligibility decides whether a tenant's recurring broadcast is due.
//
// Evaluate is a pure function: it reads no clock and touches no state, so the
// caller supplies "now" and the last successful send.
package eligibility

import (
	"fmt"
	"time"
)

type Decision int

const (
	Skip Decision = iota
	Send
)

func (d Decision) String() string {
	if d == Send {
		return "send"
	}
	return "skip"
}

// LastSent is the optional last successful send instant.
// OK=false means the tenant never sent, which is not the same as the zero time.
type LastSent struct {
	At time.Time
	OK bool
}

// Never is the first-run state.
var Never = LastSent{}

func SentAt(t time.Time) LastSent { return LastSent{At: t, OK: true} }

type Result struct {
	Decision Decision

	// Schedule is the effective schedule (defaults substituted).
	Schedule Schedule
	Location *time.Location

	LocalNow    time.Time
	AnchorToday time.Time

	// Fallback is non-nil when any field was replaced by its default.
	Fallback *ConfigError
}

// Resolve substitutes defaults for an unresolvable timezone or an out-of-bounds
// anchor/interval. It never fails.
func Resolve(s Schedule) (Schedule, *time.Location, *ConfigError) {
	cerr := &ConfigError{}

	loc, err := time.LoadLocation(s.Timezone)
	// "" and "Local" load without error but are not IANA ids; they would
	// silently follow the host zone.
	if s.Timezone == "" || s.Timezone == "Local" || err != nil {
		cerr.add("timezone", fmt.Sprintf("invalid timezone %q, using %s", s.Timezone, DefaultTimezone))
		s.Timezone = DefaultTimezone
		loc, err = time.LoadLocation(DefaultTimezone)
		if err != nil {
			// No tzdata on the host; UTC keeps the tenant running.
			loc = time.UTC
		}
	}
	if !s.Anchor.Valid() {
		cerr.add("anchor_time", fmt.Sprintf("invalid anchor_time %02d:%02d, using %s", s.Anchor.Hour, s.Anchor.Minute, DefaultAnchor))
		s.Anchor = DefaultAnchor
	}
	if s.Interval < MinInterval || s.Interval > MaxInterval {
		cerr.add("interval", fmt.Sprintf("interval %s outside [%s, %s], using %s", s.Interval, MinInterval, MaxInterval, DefaultInterval))
		s.Interval = DefaultInterval
	}

	if len(cerr.Fields) == 0 {
		return s, loc, nil
	}
	return s, loc, cerr
}

// Evaluate decides whether the broadcast is due at now.
//
// A send is due once per anchor window: at or after today's anchor, provided
// the previous send happened before today's anchor and at least Interval ago.
// All instants are compared at second granularity.
func Evaluate(sched Schedule, last LastSent, now time.Time) Result {
	eff, loc, cerr := Resolve(sched)

	localNow := now.Truncate(time.Second).In(loc)
	anchor := time.Date(localNow.Year(), localNow.Month(), localNow.Day(), eff.Anchor.Hour, eff.Anchor.Minute, 0, 0, loc)

	res := Result{
		Decision:    Skip,
		Schedule:    eff,
		Location:    loc,
		LocalNow:    localNow,
		AnchorToday: anchor,
		Fallback:    cerr,
	}

	if !localNow.Before(anchor) {
		if !last.OK {
			res.Decision = Send
		} else {
			lastLocal := last.At.Truncate(time.Second).In(loc)
			if localNow.Sub(lastLocal) >= eff.Interval && lastLocal.Before(anchor) {
				res.Decision = Send
			}
		}
	}
	return res
}

// NextAnchor returns the first anchor instant strictly after LocalNow.
func (r Result) NextAnchor() time.Time {
	if r.LocalNow.Before(r.AnchorToday) {
		return r.AnchorToday
	}
	d := r.AnchorToday.AddDate(0, 0, 1)
	return time.Date(d.Year(), d.Month(), d.Day(), r.Schedule.Anchor.Hour, r.Schedule.Anchor.Minute, 0, 0, r.Location)
}
