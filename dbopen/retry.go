package dbopen

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Writers retry a handful of times with growing pauses before giving up.
// The journal's batch flusher is the main caller; its transactions are
// small, so contention from a concurrent reader clears quickly.
const (
	busyAttempts = 3
	busyBackoff  = 100 * time.Millisecond
)

// busyMarkers are the message forms modernc.org/sqlite uses for lock
// contention.
var busyMarkers = []string{
	"SQLITE_BUSY",
	"database is locked",
	"database table is locked",
}

// IsBusy reports whether err is SQLite lock contention.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range busyMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// RunTx runs fn inside a transaction, retrying on lock contention with
// 100/200/300 ms pauses. An error from fn rolls back and is returned as-is.
func RunTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	var err error
	for attempt := 1; attempt <= busyAttempts; attempt++ {
		if err = runTxOnce(ctx, db, fn); err == nil || !IsBusy(err) {
			return err
		}
		if attempt < busyAttempts {
			if werr := pause(ctx, attempt); werr != nil {
				return fmt.Errorf("dbopen: retry wait: %w", werr)
			}
		}
	}
	return fmt.Errorf("dbopen: RunTx: still busy after %d attempts: %w", busyAttempts, err)
}

func runTxOnce(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("dbopen: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("dbopen: commit: %w", err)
	}
	return nil
}

// Exec runs a single statement with the same busy-retry policy as RunTx.
func Exec(ctx context.Context, db *sql.DB, query string, args ...any) (sql.Result, error) {
	var err error
	for attempt := 1; attempt <= busyAttempts; attempt++ {
		var res sql.Result
		if res, err = db.ExecContext(ctx, query, args...); err == nil || !IsBusy(err) {
			return res, err
		}
		if attempt < busyAttempts {
			if werr := pause(ctx, attempt); werr != nil {
				return nil, fmt.Errorf("dbopen: retry wait: %w", werr)
			}
		}
	}
	return nil, fmt.Errorf("dbopen: Exec: still busy after %d attempts: %w", busyAttempts, err)
}

func pause(ctx context.Context, attempt int) error {
	t := time.NewTimer(time.Duration(attempt) * busyBackoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
