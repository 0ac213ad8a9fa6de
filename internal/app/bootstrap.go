package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dailycast/internal/config"
	"dailycast/internal/storage"
	"dailycast/internal/tenants"
	"dailycast/internal/tick"
	logx "dailycast/pkg/logx"
)

// Core is what every command needs: config, logging and state. It never
// touches the network except for a redis backend.
type Core struct {
	Config  *config.ConfigManager
	Log     logx.Logger
	Logs    *logx.Service
	Backend storage.Backend
	Store   *storage.LastSentStore
	Errors  *storage.ErrorLog
	Tenants *tenants.ConfigProvider
}

// Bootstrap loads the config (file plus environment secrets), starts logging
// and opens the state backend.
func Bootstrap(ctx context.Context, cfgPath string) (*Core, error) {
	secrets, err := config.LoadSecrets()
	if err != nil {
		return nil, err
	}
	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetSecrets(secrets)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if _, err := tick.ConfigFrom(cfg.Tick); err != nil {
		return nil, err
	}
	cfgm.SetValidator(validate)

	logs, log := logx.New(mapLogConfig(cfg))
	cfgm.SetLogger(log)

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	b, err := storage.Open(sc, log)
	if err != nil {
		_ = logs.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}
	store := storage.NewLastSentStore(b, log)
	if err := store.Load(ctx); err != nil {
		_ = b.Close()
		_ = logs.Close()
		return nil, err
	}

	return &Core{
		Config:  cfgm,
		Log:     log,
		Logs:    logs,
		Backend: b,
		Store:   store,
		Errors:  storage.NewErrorLog(b),
		Tenants: tenants.FromManager(cfgm),
	}, nil
}

// validate gates hot reloads beyond config.Validate.
func validate(_ context.Context, cfg *config.Config) error {
	if _, err := tick.ConfigFrom(cfg.Tick); err != nil {
		return err
	}
	_, err := mapStorageConfig(cfg)
	return err
}

// Close flushes pending last-sent writes and closes the backend and logs.
func (c *Core) Close() error {
	if c == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var errs []error
	if err := c.Store.Flush(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flush: %w", err))
	}
	if err := c.Backend.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close storage: %w", err))
	}
	if c.Logs != nil {
		_ = c.Logs.Close()
	}
	return errors.Join(errs...)
}
