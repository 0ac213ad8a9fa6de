package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "24h").
type Config struct {
	Logging   LoggingConfig           `json:"logging"`
	Tick      TickConfig              `json:"tick"`
	Storage   StorageConfig           `json:"storage"`
	Content   ContentConfig           `json:"content"`
	Notifiers NotifiersConfig         `json:"notifiers"`
	HTTP      HTTPConfig              `json:"http"`
	Systemd   SystemdConfig           `json:"systemd"`
	Tenants   map[string]TenantConfig `json:"tenants"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// TickConfig controls the evaluation cadence.
//
// Defaults (when fields are omitted/zero):
//   - schedule: "1m" (also accepts "HH:MM" intervals and cron expressions)
//   - concurrency: 8
//   - tenant_timeout: "30s"
//   - shutdown_grace: "20s"
type TickConfig struct {
	Schedule      string `json:"schedule,omitempty"`
	Concurrency   int    `json:"concurrency,omitempty"`
	TenantTimeout string `json:"tenant_timeout,omitempty"`
	ShutdownGrace string `json:"shutdown_grace,omitempty"`
}

// StorageConfig selects the last-sent / error log backend.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./data/dailycast" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	URL         string `json:"url,omitempty"` // redis only; may come from DAILYCAST_REDIS_URL
	KeyPrefix   string `json:"key_prefix,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// ContentConfig controls the quote source.
//
// Defaults: url "https://zenquotes.io/api/today", timeout "10s", cache_ttl "1h".
type ContentConfig struct {
	URL      string `json:"url,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
	CacheTTL string `json:"cache_ttl,omitempty"`
}

type NotifiersConfig struct {
	Discord  PlatformConfig `json:"discord"`
	Telegram PlatformConfig `json:"telegram"`
	Slack    PlatformConfig `json:"slack"`

	// RatePerSec caps outgoing messages per platform. 0 means 5.
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

type PlatformConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"` // do not log
}

// HTTPConfig controls the diagnostics server.
//
// Prefer binding to localhost; the endpoints expose tenant ids and error text.
type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:9464"
	Pprof   bool   `json:"pprof,omitempty"`
}

type SystemdConfig struct {
	Notify bool `json:"notify"`
}

// TenantConfig is one tenant's raw settings. Bad timezone / anchor / interval
// values are not rejected here; the evaluator substitutes defaults and reports
// them per tick.
type TenantConfig struct {
	Platform string `json:"platform"`
	Enabled  *bool  `json:"enabled,omitempty"` // nil means enabled

	Timezone   string `json:"timezone,omitempty"`
	AnchorTime string `json:"anchor_time,omitempty"` // "HH:MM"
	Interval   string `json:"interval,omitempty"`    // Go duration, 24h..168h

	// IntervalHours is accepted for settings migrated from the hour-based format.
	IntervalHours int `json:"interval_hours,omitempty"`

	Channel ID `json:"channel,omitempty"`
	Mention ID `json:"mention,omitempty"`
}

// ID is an opaque platform id. It accepts JSON strings and bare numbers,
// since snowflake ids are frequently written unquoted in YAML.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(strings.TrimSpace(s))
		return nil
	}
	if string(b) == "null" {
		*id = ""
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id must be a string or integer: %w", err)
	}
	if _, err := n.Int64(); err != nil {
		return fmt.Errorf("id must be a string or integer, got %s", n)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

func (t TenantConfig) IsEnabled() bool { return t.Enabled == nil || *t.Enabled }

var platforms = map[string]bool{"discord": true, "telegram": true, "slack": true}

// Validate rejects configs that cannot run at all. It is used on load and as
// the hot-reload gate.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	var errs []string
	check := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err.Error())
		}
	}
	check("tick.tenant_timeout", cfg.Tick.TenantTimeout)
	check("tick.shutdown_grace", cfg.Tick.ShutdownGrace)
	check("storage.busy_timeout", cfg.Storage.BusyTimeout)
	check("content.timeout", cfg.Content.Timeout)
	check("content.cache_ttl", cfg.Content.CacheTTL)
	if cfg.Tick.Concurrency < 0 {
		errs = append(errs, "tick.concurrency: must be >= 0")
	}
	if cfg.Notifiers.RatePerSec < 0 {
		errs = append(errs, "notifiers.rate_per_sec: must be >= 0")
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			errs = append(errs, "storage.path: required for driver "+cfg.Storage.Driver)
		}
	case "redis":
		if strings.TrimSpace(cfg.Storage.URL) == "" {
			errs = append(errs, "storage.url: required for redis (or set DAILYCAST_REDIS_URL)")
		}
	case "memory", "mem":
	default:
		errs = append(errs, fmt.Sprintf("storage.driver: unknown %q", cfg.Storage.Driver))
	}

	for id, t := range cfg.Tenants {
		if strings.TrimSpace(id) == "" {
			errs = append(errs, "tenants: empty tenant id")
			continue
		}
		p := strings.ToLower(strings.TrimSpace(t.Platform))
		if !platforms[p] {
			errs = append(errs, fmt.Sprintf("tenants.%s.platform: unknown %q", id, t.Platform))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}
	return nil
}
