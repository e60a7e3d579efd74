//go:build !sqlite

package storage

import (
	"errors"
	"time"
)

// Built without the sqlite tag; Open rejects the driver instead of
// dragging in the database dependency.
func newSQLiteStore(string, time.Duration) (Store, error) {
	return nil, errors.New(`storage: sqlite driver not compiled in (build with -tags sqlite)`)
}
