package offlinecache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStorage implements Storage on a single table. A global sequence
// column records insertion order.
type SQLiteStorage struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenSQLiteStorage opens (or creates) the cache database at path.
func OpenSQLiteStorage(path string) (*SQLiteStorage, error) {
	logger := slog.Default().With("component", "cache_sqlite")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating cache directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening cache database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	const schema = `
		CREATE TABLE IF NOT EXISTS cache_entries (
			bucket TEXT NOT NULL,
			key TEXT NOT NULL,
			seq INTEGER NOT NULL,
			status INTEGER NOT NULL,
			header BLOB,
			body BLOB,
			stored_at INTEGER NOT NULL,
			PRIMARY KEY (bucket, key)
		);
		CREATE INDEX IF NOT EXISTS idx_cache_entries_seq ON cache_entries(bucket, seq);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Debug("cache storage initialized", "path", path)
	return &SQLiteStorage{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func (s *SQLiteStorage) Put(ctx context.Context, bucket string, e Entry) error {
	header, err := json.Marshal(e.Header)
	if err != nil {
		return fmt.Errorf("encoding header: %w", err)
	}
	storedAt := e.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (bucket, key, seq, status, header, body, stored_at)
		VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM cache_entries), ?, ?, ?, ?)
		ON CONFLICT(bucket, key) DO UPDATE SET
			seq = excluded.seq,
			status = excluded.status,
			header = excluded.header,
			body = excluded.body,
			stored_at = excluded.stored_at`,
		bucket, e.Key, e.Status, header, e.Body, storedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("storing %s in %s: %w", e.Key, bucket, err)
	}
	return nil
}

func (s *SQLiteStorage) Match(ctx context.Context, bucket, key string) (Entry, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key, status, header, body, stored_at FROM cache_entries
		WHERE bucket = ? AND key = ?`, bucket, key)
	return scanEntry(row)
}

func (s *SQLiteStorage) MatchAny(ctx context.Context, key string) (Entry, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT e.key, e.status, e.header, e.body, e.stored_at
		FROM cache_entries e
		JOIN (SELECT bucket, MIN(seq) AS first FROM cache_entries GROUP BY bucket) b ON b.bucket = e.bucket
		WHERE e.key = ?
		ORDER BY b.first
		LIMIT 1`, key)
	return scanEntry(row)
}

func scanEntry(row *sql.Row) (Entry, bool, error) {
	var (
		e        Entry
		header   []byte
		storedAt int64
	)
	err := row.Scan(&e.Key, &e.Status, &header, &e.Body, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("reading cache entry: %w", err)
	}
	e.StoredAt = time.UnixMilli(storedAt).UTC()
	if len(header) > 0 {
		if err := json.Unmarshal(header, &e.Header); err != nil {
			return Entry{}, false, fmt.Errorf("decoding header: %w", err)
		}
	}
	return e, true, nil
}

func (s *SQLiteStorage) Delete(ctx context.Context, bucket, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE bucket = ? AND key = ?`, bucket, key); err != nil {
		return fmt.Errorf("deleting %s from %s: %w", key, bucket, err)
	}
	return nil
}

func (s *SQLiteStorage) Keys(ctx context.Context, bucket string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM cache_entries WHERE bucket = ? ORDER BY seq`, bucket)
	if err != nil {
		return nil, fmt.Errorf("listing keys of %s: %w", bucket, err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

func (s *SQLiteStorage) Buckets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT bucket FROM cache_entries GROUP BY bucket ORDER BY MIN(seq)`)
	if err != nil {
		return nil, fmt.Errorf("listing buckets: %w", err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) DeleteBucket(ctx context.Context, bucket string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE bucket = ?`, bucket); err != nil {
		return fmt.Errorf("deleting bucket %s: %w", bucket, err)
	}
	return nil
}

func (s *SQLiteStorage) Estimate(ctx context.Context) (Usage, error) {
	var u Usage
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(LENGTH(body) + LENGTH(key)), 0) FROM cache_entries`).Scan(&u.Entries, &u.Bytes)
	if err != nil {
		return Usage{}, fmt.Errorf("estimating usage: %w", err)
	}
	return u, nil
}
