package storage

import (
	"errors"
	"strings"

	logx "modwatch/pkg/logx"
)

// Open initializes the configured store. An empty driver means sqlite.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.Component("storage"), logx.String("driver", driver))

	switch driver {
	case "memory":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
