package app

import (
	"fmt"
	"strings"
	"time"

	"dailycast/internal/config"
	"dailycast/internal/content"
	"dailycast/internal/httpserver"
	"dailycast/internal/notifier"
	"dailycast/internal/storage"
	logx "dailycast/pkg/logx"
)

const DefaultShutdownGrace = 20 * time.Second

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		URL:         strings.TrimSpace(sc.URL),
		KeyPrefix:   strings.TrimSpace(sc.KeyPrefix),
		BusyTimeout: busy,
	}, nil
}

func mapContentOptions(cfg *config.Config) content.Options {
	return content.Options{
		URL:      strings.TrimSpace(cfg.Content.URL),
		Timeout:  config.DurationOr(cfg.Content.Timeout, content.DefaultTimeout),
		CacheTTL: config.DurationOr(cfg.Content.CacheTTL, content.DefaultCacheTTL),
	}
}

func mapHTTPConfig(cfg *config.Config) httpserver.Config {
	return httpserver.Config{Addr: strings.TrimSpace(cfg.HTTP.Addr)}
}

func shutdownGrace(cfg *config.Config) time.Duration {
	return config.DurationOr(cfg.Tick.ShutdownGrace, DefaultShutdownGrace)
}

// buildNotifiers registers one rate-limited notifier per enabled platform.
// The Discord notifier is also returned so the gateway can be opened for
// guild-removal events.
func buildNotifiers(cfg *config.Config, log logx.Logger) (*notifier.Registry, *notifier.Discord, error) {
	reg := notifier.NewRegistry()
	rate := cfg.Notifiers.RatePerSec
	var dc *notifier.Discord

	if p := cfg.Notifiers.Discord; p.Enabled {
		d, err := notifier.NewDiscord(p.Token, log)
		if err != nil {
			return nil, nil, fmt.Errorf("notifiers.discord: %w", err)
		}
		dc = d
		reg.Register("discord", notifier.NewRateLimited(d, rate))
	}
	if p := cfg.Notifiers.Telegram; p.Enabled {
		t, err := notifier.NewTelegram(notifier.TelegramOptions{Token: p.Token})
		if err != nil {
			return nil, nil, fmt.Errorf("notifiers.telegram: %w", err)
		}
		reg.Register("telegram", notifier.NewRateLimited(t, rate))
	}
	if p := cfg.Notifiers.Slack; p.Enabled {
		s, err := notifier.NewSlack(notifier.SlackOptions{Token: p.Token})
		if err != nil {
			return nil, nil, fmt.Errorf("notifiers.slack: %w", err)
		}
		reg.Register("slack", notifier.NewRateLimited(s, rate))
	}
	return reg, dc, nil
}

// orphanTenants lists enabled tenants whose platform has no notifier. They
// are still evaluated; each due send is recorded as destination_not_found.
func orphanTenants(cfg *config.Config, reg *notifier.Registry) []string {
	var out []string
	for id, t := range cfg.Tenants {
		if !t.IsEnabled() {
			continue
		}
		if _, ok := reg.Get(strings.ToLower(strings.TrimSpace(t.Platform))); !ok {
			out = append(out, id)
		}
	}
	return out
}
