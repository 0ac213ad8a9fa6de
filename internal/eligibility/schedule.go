package eligibility

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Documented fallbacks used when a tenant's schedule cannot be resolved.
const (
	DefaultTimezone = "Europe/Brussels"
	DefaultInterval = 24 * time.Hour

	MinInterval = 24 * time.Hour
	MaxInterval = 168 * time.Hour
)

// DefaultAnchor is 08:00 local time.
var DefaultAnchor = Anchor{Hour: 8, Minute: 0}

// Anchor is a time of day (24h clock).
type Anchor struct {
	Hour   int
	Minute int
}

func (a Anchor) Valid() bool {
	return a.Hour >= 0 && a.Hour <= 23 && a.Minute >= 0 && a.Minute <= 59
}

func (a Anchor) String() string { return fmt.Sprintf("%02d:%02d", a.Hour, a.Minute) }

// InvalidAnchor is what the config boundary stores for an unparsable anchor_time,
// so the evaluator substitutes the default and reports it.
var InvalidAnchor = Anchor{Hour: -1, Minute: -1}

// ParseAnchor parses "HH:MM".
func ParseAnchor(s string) (Anchor, error) {
	s = strings.TrimSpace(s)
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return InvalidAnchor, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return InvalidAnchor, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return InvalidAnchor, fmt.Errorf("invalid minute in %q", s)
	}
	return Anchor{Hour: h, Minute: m}, nil
}

// Schedule is a tenant's validated broadcast settings.
// DeliveryTarget and MentionTarget are opaque to this package.
type Schedule struct {
	Timezone       string
	Anchor         Anchor
	Interval       time.Duration
	DeliveryTarget string
	MentionTarget  string
}

// Defaults returns a schedule with every field at its documented default.
func Defaults() Schedule {
	return Schedule{Timezone: DefaultTimezone, Anchor: DefaultAnchor, Interval: DefaultInterval}
}

// ConfigError lists the schedule fields that were replaced by defaults.
type ConfigError struct {
	Fields []string
	Reason []string
}

func (e *ConfigError) Error() string {
	return "schedule fallback: " + strings.Join(e.Reason, "; ")
}

func (e *ConfigError) add(field, reason string) {
	e.Fields = append(e.Fields, field)
	e.Reason = append(e.Reason, reason)
}
