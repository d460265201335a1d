package cache

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"
)

// SQLiteStore is a Store backed by a single SQLite database file. It is the
// default persistent tier: no external infrastructure, survives process
// restarts, and WAL mode keeps concurrent readers cheap.
type SQLiteStore struct {
	db        *sql.DB
	ctx       context.Context
	cancel    context.CancelFunc
	waitGroup sync.WaitGroup
	once      sync.Once
	sweep     time.Duration
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) a SQLite-backed store at path.
// If path is empty or ":memory:", an in-memory database is used. sweep
// controls how often the background sweeper deletes expired entries; values
// <= 0 default to one minute.
func NewSQLiteStore(ctx context.Context, path string, sweep time.Duration) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "cache: open sqlite store %q", path)
	}

	// WAL for concurrent read performance, busy_timeout so concurrent
	// upserts from the background writer and synchronous fallbacks queue
	// instead of failing with SQLITE_BUSY.
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "cache: %s", pragma)
		}
	}

	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS entries (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		namespace TEXT NOT NULL DEFAULT '',
		version TEXT NOT NULL DEFAULT '',
		ttl_ns INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL DEFAULT 0,
		last_accessed INTEGER NOT NULL,
		hit_count INTEGER NOT NULL DEFAULT 0
	)`); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "cache: create entries table")
	}

	for _, index := range []string{
		`CREATE INDEX IF NOT EXISTS idx_entries_expires_at ON entries(expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_entries_namespace ON entries(namespace)`,
	} {
		if _, err := db.ExecContext(ctx, index); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "cache: create index")
		}
	}

	childCtx, cancel := context.WithCancel(ctx)
	s := &SQLiteStore{
		db:     db,
		ctx:    childCtx,
		cancel: cancel,
		sweep:  sweep,
	}
	if s.sweep <= 0 {
		s.sweep = time.Minute
	}

	s.waitGroup.Add(1)
	go s.run()

	return s, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (*Entry, error) {
	qctx, cancel := queryCtx(ctx)
	defer cancel()

	now := time.Now()
	var (
		e         Entry
		ttlNS     int64
		createdNS int64
		expiresNS int64
		lastNS    int64
	)
	err := s.db.QueryRowContext(qctx,
		`SELECT key, value, namespace, version, ttl_ns, created_at, expires_at, last_accessed, hit_count
		 FROM entries WHERE key = ?`, key,
	).Scan(&e.Key, &e.Value, &e.Namespace, &e.Version, &ttlNS, &createdNS, &expiresNS, &lastNS, &e.HitCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "cache: sqlite get")
	}

	e.TTL = time.Duration(ttlNS)
	e.CreatedAt = time.Unix(0, createdNS)
	if expiresNS > 0 {
		e.ExpiresAt = time.Unix(0, expiresNS)
	}

	// Bump read bookkeeping. Fire-and-forget: losing a bump to a concurrent
	// delete is harmless.
	_, _ = s.db.ExecContext(qctx,
		`UPDATE entries SET hit_count = hit_count + 1, last_accessed = ? WHERE key = ?`,
		now.UnixNano(), key)
	e.HitCount++
	e.LastAccessed = now

	return &e, nil
}

func (s *SQLiteStore) Set(ctx context.Context, e *Entry) error {
	qctx, cancel := queryCtx(ctx)
	defer cancel()

	normalizeEntry(e, time.Now())
	var expiresNS int64
	if !e.ExpiresAt.IsZero() {
		expiresNS = e.ExpiresAt.UnixNano()
	}
	_, err := s.db.ExecContext(qctx,
		`INSERT INTO entries (key, value, namespace, version, ttl_ns, created_at, expires_at, last_accessed, hit_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			namespace = excluded.namespace,
			version = excluded.version,
			ttl_ns = excluded.ttl_ns,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at,
			last_accessed = excluded.last_accessed,
			hit_count = 0`,
		e.Key, e.Value, e.Namespace, e.Version, int64(e.TTL),
		e.CreatedAt.UnixNano(), expiresNS, e.LastAccessed.UnixNano(), e.HitCount)
	return errors.Wrap(err, "cache: sqlite set")
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	qctx, cancel := queryCtx(ctx)
	defer cancel()
	_, err := s.db.ExecContext(qctx, `DELETE FROM entries WHERE key = ?`, key)
	return errors.Wrap(err, "cache: sqlite delete")
}

func (s *SQLiteStore) Clear(ctx context.Context, namespace string) error {
	qctx, cancel := queryCtx(ctx)
	defer cancel()
	var err error
	if namespace == "" {
		_, err = s.db.ExecContext(qctx, `DELETE FROM entries`)
	} else {
		_, err = s.db.ExecContext(qctx, `DELETE FROM entries WHERE namespace = ?`, namespace)
	}
	return errors.Wrap(err, "cache: sqlite clear")
}

func (s *SQLiteStore) Entries(ctx context.Context, namespace string, fn func(Entry) bool) error {
	qctx, cancel := queryCtx(ctx)
	defer cancel()

	query := `SELECT key, value, namespace, version, ttl_ns, created_at, expires_at, last_accessed, hit_count
		FROM entries ORDER BY key`
	args := []any{}
	if namespace != "" {
		query = `SELECT key, value, namespace, version, ttl_ns, created_at, expires_at, last_accessed, hit_count
			FROM entries WHERE namespace = ? ORDER BY key`
		args = append(args, namespace)
	}

	rows, err := s.db.QueryContext(qctx, query, args...)
	if err != nil {
		return errors.Wrap(err, "cache: sqlite entries")
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e         Entry
			ttlNS     int64
			createdNS int64
			expiresNS int64
			lastNS    int64
		)
		if err := rows.Scan(&e.Key, &e.Value, &e.Namespace, &e.Version, &ttlNS, &createdNS, &expiresNS, &lastNS, &e.HitCount); err != nil {
			return errors.Wrap(err, "cache: sqlite entries scan")
		}
		e.TTL = time.Duration(ttlNS)
		e.CreatedAt = time.Unix(0, createdNS)
		if expiresNS > 0 {
			e.ExpiresAt = time.Unix(0, expiresNS)
		}
		e.LastAccessed = time.Unix(0, lastNS)
		if !fn(e) {
			return nil
		}
	}
	return errors.Wrap(rows.Err(), "cache: sqlite entries")
}

func (s *SQLiteStore) Stats(ctx context.Context) (StoreStats, error) {
	qctx, cancel := queryCtx(ctx)
	defer cancel()

	var st StoreStats
	if err := s.db.QueryRowContext(qctx, `SELECT COUNT(*) FROM entries`).Scan(&st.Entries); err != nil {
		return StoreStats{}, errors.Wrap(err, "cache: sqlite stats")
	}

	var pageCount, pageSize int64
	if err := s.db.QueryRowContext(qctx, `PRAGMA page_count`).Scan(&pageCount); err == nil {
		if err := s.db.QueryRowContext(qctx, `PRAGMA page_size`).Scan(&pageSize); err == nil {
			st.SizeBytes = pageCount * pageSize
		}
	}

	rows, err := s.db.QueryContext(qctx, `SELECT namespace, COUNT(*) FROM entries GROUP BY namespace`)
	if err != nil {
		return StoreStats{}, errors.Wrap(err, "cache: sqlite stats namespaces")
	}
	defer rows.Close()
	st.Namespaces = make(map[string]int64)
	for rows.Next() {
		var ns string
		var n int64
		if err := rows.Scan(&ns, &n); err != nil {
			return StoreStats{}, errors.Wrap(err, "cache: sqlite stats scan")
		}
		st.Namespaces[ns] = n
	}
	return st, errors.Wrap(rows.Err(), "cache: sqlite stats")
}

func (s *SQLiteStore) Close() error {
	var dbErr error
	s.once.Do(func() {
		s.cancel()
		s.waitGroup.Wait()
		dbErr = s.db.Close()
	})
	return dbErr
}

// run deletes expired entries in the background so entries that are written
// once and never read again do not accumulate. expires_at = 0 means the
// entry never expires.
func (s *SQLiteStore) run() {
	defer s.waitGroup.Done()
	ticker := time.NewTicker(s.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UnixNano()
			_, _ = s.db.Exec(`DELETE FROM entries WHERE expires_at > 0 AND expires_at < ?`, now)
		}
	}
}
