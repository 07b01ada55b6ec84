package diag

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteIndex stores events in a queryable table. Writes happen on a single
// goroutine; Record never blocks and drops events when the writer falls behind.
type SQLiteIndex struct {
	db *sql.DB

	// mu guards ch against Close: senders hold it shared.
	mu     sync.RWMutex
	ch     chan req
	closed bool
	wg     sync.WaitGroup
	once   sync.Once

	dropped atomic.Uint64
}

type req struct {
	ev   Event
	sync chan struct{}
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, 65536),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			at TEXT NOT NULL,
			kind TEXT NOT NULL,
			frame INTEGER NOT NULL,
			object INTEGER NOT NULL,
			conn TEXT NOT NULL,
			value REAL NOT NULL,
			detail TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_kind_frame ON events(kind, frame);`,
		`CREATE INDEX IF NOT EXISTS idx_events_object_frame ON events(object, frame);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) Record(ev Event) {
	if s == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- req{ev: ev}:
	default:
		s.dropped.Add(1)
	}
}

// Dropped counts events discarded because the writer was behind.
func (s *SQLiteIndex) Dropped() uint64 { return s.dropped.Load() }

// Sync blocks until every event recorded before the call is committed.
func (s *SQLiteIndex) Sync(ctx context.Context) error {
	if s == nil {
		return nil
	}
	done := make(chan struct{})
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil
	}
	select {
	case s.ch <- req{sync: done}:
	case <-ctx.Done():
		s.mu.RUnlock()
		return ctx.Err()
	}
	s.mu.RUnlock()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Counts returns the number of stored events per kind.
func (s *SQLiteIndex) Counts(ctx context.Context) (map[Kind]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT kind, COUNT(*) FROM events GROUP BY kind`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[Kind]int64{}
	for rows.Next() {
		var k string
		var n int64
		if err := rows.Scan(&k, &n); err != nil {
			return nil, err
		}
		out[Kind(k)] = n
	}
	return out, rows.Err()
}

// MaxValue returns the largest Value stored for kind, or 0.
func (s *SQLiteIndex) MaxValue(ctx context.Context, kind Kind) (float64, error) {
	var v sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(value) FROM events WHERE kind = ?`, string(kind)).Scan(&v)
	if err != nil {
		return 0, err
	}
	return v.Float64, nil
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insert, _ := s.db.Prepare(`INSERT INTO events(at,kind,frame,object,conn,value,detail) VALUES(?,?,?,?,?,?,?)`)
	defer func() {
		if insert != nil {
			_ = insert.Close()
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 1000
		commitMaxWait = time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	for r := range s.ch {
		if r.sync != nil {
			commit()
			close(r.sync)
			continue
		}
		begin()
		if tx == nil || insert == nil {
			continue
		}
		ev := r.ev
		if _, err := tx.Stmt(insert).Exec(
			ev.Time.UTC().Format(time.RFC3339Nano),
			string(ev.Kind),
			ev.Frame,
			int64(ev.Object),
			ev.Conn,
			ev.Value,
			ev.Detail,
		); err != nil {
			_ = tx.Rollback()
			tx = nil
			continue
		}
		opCount++
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}
	commit()
}
