package dbopen_test

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/yanghuiloong/Bilibili-Homepage-Regret-Pill/dbopen"
)

// eventSchema mirrors the shape of the journal's event table so the
// opener and retry helpers are exercised against realistic rows.
const eventSchema = `CREATE TABLE events (
	id TEXT PRIMARY KEY,
	page_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	at INTEGER NOT NULL
);`

func insertEvent(t *testing.T, db *sql.DB, id, page, kind string) {
	t.Helper()
	_, err := db.Exec(`INSERT INTO events (id, page_id, kind, at) VALUES (?, ?, ?, 0)`, id, page, kind)
	if err != nil {
		t.Fatalf("insert event %s: %v", id, err)
	}
}

func TestOpenDefaultPragmas(t *testing.T) {
	db := dbopen.OpenMemory(t)

	var mode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatal(err)
	}
	// An in-memory database reports "memory" even though WAL was requested.
	if mode != "wal" && mode != "memory" {
		t.Errorf("journal_mode = %q, want wal or memory", mode)
	}

	intPragmas := []struct {
		pragma string
		want   int
	}{
		{"foreign_keys", 1},
		{"synchronous", 1}, // NORMAL
		{"busy_timeout", 10_000},
	}
	for _, tt := range intPragmas {
		var got int
		if err := db.QueryRow("PRAGMA " + tt.pragma).Scan(&got); err != nil {
			t.Fatal(err)
		}
		if got != tt.want {
			t.Errorf("%s = %d, want %d", tt.pragma, got, tt.want)
		}
	}
}

func TestOpenMemoryPings(t *testing.T) {
	db := dbopen.OpenMemory(t)
	if err := db.Ping(); err != nil {
		t.Fatal(err)
	}
}

func TestPragmaOptions(t *testing.T) {
	tests := []struct {
		name   string
		opt    dbopen.Option
		pragma string
		want   int
	}{
		{"busy timeout", dbopen.WithBusyTimeout(5000), "busy_timeout", 5000},
		{"foreign keys off", dbopen.WithoutForeignKeys(), "foreign_keys", 0},
		{"cache size", dbopen.WithCacheSize(-64000), "cache_size", -64000},
		{"synchronous full", dbopen.WithSynchronous("FULL"), "synchronous", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := dbopen.OpenMemory(t, tt.opt)
			var got int
			if err := db.QueryRow("PRAGMA " + tt.pragma).Scan(&got); err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("%s = %d, want %d", tt.pragma, got, tt.want)
			}
		})
	}
}

func TestWithSchema(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(eventSchema))

	insertEvent(t, db, "evt_1", "bili-home", "undo")

	var kind string
	if err := db.QueryRow(`SELECT kind FROM events WHERE id = 'evt_1'`).Scan(&kind); err != nil {
		t.Fatal(err)
	}
	if kind != "undo" {
		t.Errorf("kind = %q, want undo", kind)
	}
}

func TestWithSchemaFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema.sql")
	if err := os.WriteFile(path, []byte(eventSchema), 0o644); err != nil {
		t.Fatal(err)
	}

	db := dbopen.OpenMemory(t, dbopen.WithSchemaFile(path))
	insertEvent(t, db, "evt_1", "bili-home", "capture")
}

func TestWithMkdirAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "journal", "events.db")

	db, err := dbopen.Open(path, dbopen.WithMkdirAll())
	if err != nil {
		t.Fatalf("open with mkdirall: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(filepath.Dir(path)); err != nil {
		t.Fatalf("parent directory not created: %v", err)
	}
}

func TestIsBusy(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("constraint failed"), false},
		{errors.New("SQLITE_BUSY"), true},
		{errors.New("database is locked"), true},
		{errors.New("database table is locked"), true},
		{errors.New("journal: flush: SQLITE_BUSY (5)"), true},
	}
	for _, tt := range tests {
		if got := dbopen.IsBusy(tt.err); got != tt.want {
			t.Errorf("IsBusy(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestRunTxCommits(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(eventSchema))
	ctx := context.Background()

	err := dbopen.RunTx(ctx, db, func(tx *sql.Tx) error {
		for _, id := range []string{"evt_1", "evt_2"} {
			if _, err := tx.Exec(`INSERT INTO events (id, page_id, kind, at) VALUES (?, 'bili-home', 'redo', 0)`, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("RunTx: %v", err)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
}

func TestRunTxRollsBackOnError(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(eventSchema))
	ctx := context.Background()

	boom := errors.New("flush aborted")
	err := dbopen.RunTx(ctx, db, func(tx *sql.Tx) error {
		tx.Exec(`INSERT INTO events (id, page_id, kind, at) VALUES ('evt_1', 'bili-home', 'undo', 0)`)
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("RunTx error = %v, want the callback error unwrapped", err)
	}

	var count int
	db.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&count)
	if count != 0 {
		t.Errorf("count = %d, want 0 after rollback", count)
	}
}

func TestRunTxCancelledContext(t *testing.T) {
	db := dbopen.OpenMemory(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := dbopen.RunTx(ctx, db, func(tx *sql.Tx) error { return nil })
	if err == nil {
		t.Fatal("expected error on cancelled context")
	}
}

func TestExec(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(eventSchema))
	ctx := context.Background()

	res, err := dbopen.Exec(ctx, db, `INSERT INTO events (id, page_id, kind, at) VALUES (?, 'bili-home', 'discovery', 0)`, "evt_1")
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		t.Errorf("rows affected = %d, want 1", n)
	}
}
