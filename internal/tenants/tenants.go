// Package tenants turns raw tenant settings into schedules the evaluator can use.
package tenants

import (
	"sort"
	"strings"
	"time"

	"dailycast/internal/config"
	"dailycast/internal/eligibility"
)

type Tenant struct {
	ID       string
	Platform string
	Schedule eligibility.Schedule
}

// Provider is the Config Provider seen by the tick driver.
type Provider interface {
	// Tenants returns the current tenant set, sorted by ID.
	Tenants() []Tenant
	Schedule(tenantID string) (eligibility.Schedule, bool)
}

// ConfigProvider reads the live config on every call, so hot reloads apply
// from the next tick.
type ConfigProvider struct {
	get func() *config.Config
}

func FromManager(m *config.ConfigManager) *ConfigProvider {
	return &ConfigProvider{get: m.Get}
}

// Static serves a fixed config (CLI one-shots, tests).
func Static(cfg *config.Config) *ConfigProvider {
	return &ConfigProvider{get: func() *config.Config { return cfg }}
}

func (p *ConfigProvider) Tenants() []Tenant {
	cfg := p.get()
	if cfg == nil {
		return nil
	}
	out := make([]Tenant, 0, len(cfg.Tenants))
	for id, tc := range cfg.Tenants {
		t, ok := build(id, tc)
		if ok {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (p *ConfigProvider) Schedule(tenantID string) (eligibility.Schedule, bool) {
	cfg := p.get()
	if cfg == nil {
		return eligibility.Schedule{}, false
	}
	tc, ok := cfg.Tenants[tenantID]
	if !ok {
		return eligibility.Schedule{}, false
	}
	t, ok := build(tenantID, tc)
	return t.Schedule, ok
}

// build maps settings to a Schedule. Omitted fields take the defaults;
// unparsable ones are passed through as invalid values so the evaluator
// reports them.
func build(id string, tc config.TenantConfig) (Tenant, bool) {
	id = strings.TrimSpace(id)
	target := strings.TrimSpace(tc.Channel.String())
	if id == "" || target == "" || !tc.IsEnabled() {
		return Tenant{}, false
	}

	s := eligibility.Defaults()
	s.DeliveryTarget = target
	s.MentionTarget = strings.TrimSpace(tc.Mention.String())

	if tz := strings.TrimSpace(tc.Timezone); tz != "" {
		s.Timezone = tz
	}
	if raw := strings.TrimSpace(tc.AnchorTime); raw != "" {
		a, err := eligibility.ParseAnchor(raw)
		if err != nil {
			a = eligibility.InvalidAnchor
		}
		s.Anchor = a
	}
	switch {
	case strings.TrimSpace(tc.Interval) != "":
		d, err := time.ParseDuration(strings.TrimSpace(tc.Interval))
		if err != nil {
			d = 0
		}
		s.Interval = d
	case tc.IntervalHours != 0:
		s.Interval = time.Duration(tc.IntervalHours) * time.Hour
	}

	return Tenant{ID: id, Platform: strings.ToLower(strings.TrimSpace(tc.Platform)), Schedule: s}, true
}
