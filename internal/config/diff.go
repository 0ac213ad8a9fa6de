package config

import (
	"reflect"
	"sort"
	"strings"

	logx "dailycast/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes tokens or URLs with
// credentials), and (3) the tenant ids that were added, removed or changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Tick != newCfg.Tick {
		changed = append(changed, "tick")
		attrs = append(attrs,
			logx.String("tick.schedule", newCfg.Tick.Schedule),
			logx.Int("tick.concurrency", newCfg.Tick.Concurrency),
			logx.String("tick.tenant_timeout", newCfg.Tick.TenantTimeout),
		)
	}

	// Storage is only read at startup; reported so the operator knows a restart is needed.
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver), logx.Bool("storage.restart_required", true))
	}

	if oldCfg.Content != newCfg.Content {
		changed = append(changed, "content")
		attrs = append(attrs, logx.String("content.timeout", newCfg.Content.Timeout), logx.String("content.cache_ttl", newCfg.Content.CacheTTL))
	}

	if oldCfg.Notifiers != newCfg.Notifiers {
		changed = append(changed, "notifiers")
		attrs = append(attrs,
			logx.Bool("notifiers.discord", newCfg.Notifiers.Discord.Enabled),
			logx.Bool("notifiers.telegram", newCfg.Notifiers.Telegram.Enabled),
			logx.Bool("notifiers.slack", newCfg.Notifiers.Slack.Enabled),
			logx.Bool("notifiers.token_changed", tokensChanged(oldCfg.Notifiers, newCfg.Notifiers)),
		)
	}

	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs, logx.Bool("http.enabled", newCfg.HTTP.Enabled), logx.String("http.addr", newCfg.HTTP.Addr))
	}
	if oldCfg.Systemd != newCfg.Systemd {
		changed = append(changed, "systemd")
	}

	tenants := diffTenants(oldCfg.Tenants, newCfg.Tenants)
	if len(tenants) > 0 {
		changed = append(changed, "tenants")
		attrs = append(attrs, logx.Int("tenants.count", len(newCfg.Tenants)), logx.Int("tenants.changed", len(tenants)))
	}

	sort.Strings(changed)
	return changed, attrs, tenants
}

func tokensChanged(a, b NotifiersConfig) bool {
	return strings.TrimSpace(a.Discord.Token) != strings.TrimSpace(b.Discord.Token) ||
		strings.TrimSpace(a.Telegram.Token) != strings.TrimSpace(b.Telegram.Token) ||
		strings.TrimSpace(a.Slack.Token) != strings.TrimSpace(b.Slack.Token)
}

func diffTenants(oldM, newM map[string]TenantConfig) []string {
	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for id := range set {
		o, inOld := oldM[id]
		n, inNew := newM[id]
		if inOld != inNew || !reflect.DeepEqual(o, n) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
