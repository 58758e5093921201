package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"
)

// ErrDatabaseLocked is returned when another process holds the database lock.
var ErrDatabaseLocked = errors.New("sqlite database is locked by another process")

// OpenSQLite opens the database at path, applies the connection pragmas, and
// takes an exclusive lock file beside it so only one process writes to it.
// The caller releases the lock after closing the handle.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, *flock.Flock, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	lock := flock.New(path + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return nil, nil, fmt.Errorf("acquire database lock: %w", err)
	}
	if !ok {
		return nil, nil, ErrDatabaseLocked
	}

	handle, err := sql.Open("sqlite", path)
	if err != nil {
		_ = lock.Unlock()
		return nil, nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection serializes writers and keeps transactions on the
	// connection that started them.
	handle.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := handle.ExecContext(ctx, pragma); execErr != nil {
			_ = handle.Close()
			_ = lock.Unlock()
			return nil, nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}
	return handle, lock, nil
}
