package storage

import (
	"errors"
	"strings"

	logx "dailycast/pkg/logx"
)

// Open initializes the configured backend.
func Open(cfg Config, log logx.Logger) (Backend, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "redis":
		return openRedis(cfg, log)
	case "memory", "mem":
		return NewMemory(), nil
	case "":
		return nil, errors.New("storage.driver is required")
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
