package storage

import (
	"context"
	"fmt"
	"time"
)

// Open constructs the configured driver. An empty or "disabled" driver
// yields a no-op store so callers never need nil checks.
func Open(cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", "disabled", "none":
		return Disabled(), nil
	case "file":
		if cfg.Path == "" {
			return nil, fmt.Errorf("storage: file driver requires path")
		}
		return newFileStore(cfg.Path)
	case "sqlite":
		if cfg.Path == "" {
			return nil, fmt.Errorf("storage: sqlite driver requires path")
		}
		return newSQLiteStore(cfg.Path, cfg.BusyTimeout)
	default:
		return nil, fmt.Errorf("storage: unknown driver %q", cfg.Driver)
	}
}

// Disabled returns a store that accepts and forgets everything.
func Disabled() Store { return disabledStore{} }

type disabledStore struct{}

func (disabledStore) AppendRun(context.Context, RunRecord) error { return nil }
func (disabledStore) RecentRuns(context.Context, int) ([]RunRecord, error) {
	return nil, nil
}
func (disabledStore) PutDedup(context.Context, string, time.Time) error { return nil }
func (disabledStore) GetDedup(context.Context, string) (time.Time, bool, error) {
	return time.Time{}, false, nil
}
func (disabledStore) PruneDedup(context.Context, time.Time) (int, error) { return 0, nil }
func (disabledStore) Close() error                                       { return nil }
