package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	logx "genbot/pkg/logx"
)

type Store interface {
	AppendGeneration(ctx context.Context, g Generation) error
	// CountGenerations returns finished generations per kind for userID
	// at or after since.
	CountGenerations(ctx context.Context, userID int64, since time.Time) (map[string]int, error)
	// Prune deletes records older than before and reports how many went.
	Prune(ctx context.Context, before time.Time) (int, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}
