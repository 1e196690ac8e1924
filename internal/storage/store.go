// Package storage persists calibration sets keyed by the fingerprint of the
// sweep grid they were captured on.
package storage

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"time"

	"github.com/rjboer/GoVNA/vna"
)

// ErrNotFound is returned when no calibration exists for a grid.
var ErrNotFound = errors.New("storage: calibration not found")

// Store saves and loads calibration sets.
type Store interface {
	Save(ctx context.Context, set *vna.CalibrationSet) error
	// Load returns the newest set for fingerprint. A set captured on a
	// different grid fails with vna.ErrCalibrationDataMismatch.
	Load(ctx context.Context, fingerprint string) (*vna.CalibrationSet, error)
	Close() error
}

// Summary describes a stored set without its terms.
type Summary struct {
	ID          string
	Fingerprint string
	CreatedAt   time.Time
	Grid        vna.Grid
	TwoPort     bool
}

// Open picks a store by file extension: .sqlite, .sqlite3 and .db open a
// calibration library, anything else a single JSON document.
func Open(path string) Store {
	if IsLibrary(path) {
		return NewSqliteStore(path)
	}
	return NewFileStore(path)
}

// IsLibrary reports whether path names a SQLite calibration library.
func IsLibrary(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".sqlite", ".sqlite3", ".db":
		return true
	}
	return false
}
