// Package journal persists engine events to SQLite for the admin surface
// and for post-hoc inspection of what the engine did to a page. Writes are
// asynchronous so the session loop never waits on disk.
package journal

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"github.com/yanghuiloong/Bilibili-Homepage-Regret-Pill/dbopen"
	"github.com/yanghuiloong/Bilibili-Homepage-Regret-Pill/idgen"
	"github.com/yanghuiloong/Bilibili-Homepage-Regret-Pill/regret"
)

// Schema for the regret_events table. dbopen.WithSchema applies it on open.
const Schema = `
CREATE TABLE IF NOT EXISTS regret_events (
	id TEXT PRIMARY KEY,
	page_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	cards INTEGER NOT NULL DEFAULT 0,
	detail TEXT NOT NULL DEFAULT '',
	at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_regret_events_at ON regret_events(at);
CREATE INDEX IF NOT EXISTS idx_regret_events_page ON regret_events(page_id, at);
`

// Entry is one persisted event row.
type Entry struct {
	ID     string    `json:"id"`
	PageID string    `json:"page_id"`
	Kind   string    `json:"kind"`
	Cards  int       `json:"cards"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// Option customises a Store.
type Option func(*Store)

// WithLogger overrides slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithGenerator overrides the row ID strategy. Default: "evt_" + UUIDv7,
// which keeps rows time-sortable by primary key.
func WithGenerator(gen idgen.Generator) Option {
	return func(s *Store) { s.gen = gen }
}

// WithRetention prunes rows older than d on every flush tick. Zero keeps
// everything.
func WithRetention(d time.Duration) Option {
	return func(s *Store) { s.retention = d }
}

// WithFlushInterval overrides the one-second flush tick.
func WithFlushInterval(d time.Duration) Option {
	return func(s *Store) { s.flushEvery = d }
}

// Store is an asynchronous SQLite-backed regret.Recorder.
type Store struct {
	db         *sql.DB
	gen        idgen.Generator
	logger     *slog.Logger
	retention  time.Duration
	flushEvery time.Duration

	ch   chan regret.Event
	done chan struct{}
	once sync.Once

	mu     sync.RWMutex
	closed bool
}

// Open opens (or creates) the journal database at path and starts the
// flush loop. Parent directories are created as needed.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(Schema))
	if err != nil {
		return nil, err
	}
	return NewStore(db, opts...), nil
}

// NewStore wraps an already-open database whose schema includes Schema.
func NewStore(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:         db,
		gen:        idgen.Prefixed("evt_", idgen.UUIDv7()),
		logger:     slog.Default(),
		flushEvery: time.Second,
		ch:         make(chan regret.Event, 1024),
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	go s.flushLoop()
	return s
}

// Record queues an event for persistence. Non-blocking; drops if the
// buffer is full rather than backpressuring the session loop. Safe to
// call after Close, which makes it a no-op.
func (s *Store) Record(_ context.Context, ev regret.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
	default:
	}
}

// Recent returns up to limit entries, newest first, optionally filtered
// by page ID.
func (s *Store) Recent(ctx context.Context, pageID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, page_id, kind, cards, detail, at FROM regret_events`
	args := []any{}
	if pageID != "" {
		query += ` WHERE page_id = ?`
		args = append(args, pageID)
	}
	query += ` ORDER BY at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var at int64
		if err := rows.Scan(&e.ID, &e.PageID, &e.Kind, &e.Cards, &e.Detail, &at); err != nil {
			return nil, err
		}
		e.At = time.UnixMilli(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune deletes entries older than the cutoff and reports how many went.
func (s *Store) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	res, err := dbopen.Exec(ctx, s.db, `DELETE FROM regret_events WHERE at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Close drains the buffer, stops the flush loop and closes the database.
func (s *Store) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.ch)
		<-s.done
	})
	return s.db.Close()
}

func (s *Store) flushLoop() {
	defer close(s.done)

	batch := make([]regret.Event, 0, 64)
	ticker := time.NewTicker(s.flushEvery)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-s.ch:
			if !ok {
				s.flushBatch(batch)
				return
			}
			batch = append(batch, ev)
			if len(batch) >= 64 {
				s.flushBatch(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				s.flushBatch(batch)
				batch = batch[:0]
			}
			if s.retention > 0 {
				if n, err := s.Prune(context.Background(), s.retention); err != nil {
					s.logger.Error("journal: prune", "error", err)
				} else if n > 0 {
					s.logger.Debug("journal: pruned", "rows", n)
				}
			}
		}
	}
}

func (s *Store) flushBatch(batch []regret.Event) {
	if len(batch) == 0 {
		return
	}

	err := dbopen.RunTx(context.Background(), s.db, func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`INSERT INTO regret_events (id, page_id, kind, cards, detail, at)
			VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, ev := range batch {
			at := ev.At
			if at.IsZero() {
				at = time.Now()
			}
			if _, err := stmt.Exec(s.gen(), ev.PageID, string(ev.Kind), ev.Cards, ev.Detail, at.UnixMilli()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Error("journal: flush batch", "size", len(batch), "error", err)
	}
}
