package storage

import (
	"context"
	"errors"
	"strings"

	logx "litmusrt/pkg/logx"
)

// Store is the persistence API used by the runner and the CLI.
type Store interface {
	AppendRun(ctx context.Context, r RunEntry) error
	AppendJob(ctx context.Context, j JobEntry) error
	// Runs returns up to limit of the most recent runs, oldest first.
	Runs(ctx context.Context, limit int) ([]RunEntry, error)
	// Jobs returns up to limit of the most recent jobs of runID (all runs if
	// runID is empty), oldest first. limit <= 0 means no limit.
	Jobs(ctx context.Context, runID string, limit int) ([]JobEntry, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, ErrDisabled) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" || driver == "disabled" || driver == "off" {
		return nil, ErrDisabled
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file", "jsonl":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// tail keeps the last limit items of s.
func tail[T any](s []T, limit int) []T {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	return s[len(s)-limit:]
}
