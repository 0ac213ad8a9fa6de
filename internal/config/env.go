package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// Secrets are read from the environment and override the file values, so
// tokens don't have to live in the config file.
type Secrets struct {
	DiscordToken  string `env:"DAILYCAST_DISCORD_TOKEN"`
	TelegramToken string `env:"DAILYCAST_TELEGRAM_TOKEN"`
	SlackToken    string `env:"DAILYCAST_SLACK_TOKEN"`
	RedisURL      string `env:"DAILYCAST_REDIS_URL"`
}

// LoadSecrets parses Secrets from the process environment.
func LoadSecrets() (Secrets, error) {
	var s Secrets
	if err := env.Parse(&s); err != nil {
		return Secrets{}, fmt.Errorf("parsing env: %w", err)
	}
	return s, nil
}

// Apply overlays non-empty secrets onto cfg.
func (s Secrets) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.Notifiers.Discord.Token, s.DiscordToken)
	set(&cfg.Notifiers.Telegram.Token, s.TelegramToken)
	set(&cfg.Notifiers.Slack.Token, s.SlackToken)
	set(&cfg.Storage.URL, s.RedisURL)
}
