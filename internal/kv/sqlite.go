package kv

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pkg/errors"

	"github.com/you/pollcast/internal/core"
)

const schema = `CREATE TABLE IF NOT EXISTS kv (
  key TEXT NOT NULL PRIMARY KEY,
  value TEXT NOT NULL,
  expires_at INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS kv_expires_at ON kv(expires_at) WHERE expires_at > 0;`

// purgeEvery controls how many writes pass between opportunistic purges of expired rows.
const purgeEvery = 256

// SQLiteStore keeps the key space in a single table. expires_at is unix ms,
// 0 means no expiry.
type SQLiteStore struct {
	db     *sql.DB
	clock  core.Clock
	writes atomic.Int64
}

func OpenSQLite(path string, clock core.Clock) (*SQLiteStore, error) {
	if clock == nil {
		clock = core.RealClock{}
	}
	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "apply schema")
	}
	ApplySQLitePragmas(context.Background(), db)
	return &SQLiteStore{db: db, clock: clock}, nil
}

// sqliteDSN sets per-connection pragmas in the DSN so every pooled
// connection gets them; handlers write concurrently.
func sqliteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Ping() error { return s.db.Ping() }

func (s *SQLiteStore) RawDB() *sql.DB { return s.db }

func (s *SQLiteStore) String() string {
	return fmt.Sprintf("SQLiteStore{%p}", s.db)
}

func (s *SQLiteStore) nowMS() int64 { return s.clock.Now().UnixMilli() }

func (s *SQLiteStore) Get(ctx context.Context, key string) (string, bool, error) {
	const q = `SELECT value FROM kv WHERE key = ? AND (expires_at = 0 OR expires_at > ?);`
	var value string
	err := s.db.QueryRowContext(ctx, q, key, s.nowMS()).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "get %s", key)
	}
	return value, true, nil
}

func (s *SQLiteStore) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	const q = `INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at;`
	var expires int64
	if ttl > 0 {
		expires = s.clock.Now().Add(ttl).UnixMilli()
	}
	if _, err := s.db.ExecContext(ctx, q, key, value, expires); err != nil {
		return errors.Wrapf(err, "put %s", key)
	}
	// The row is already written, so a failed purge must not fail the Put.
	if s.writes.Add(1)%purgeEvery == 0 {
		if _, err := s.PurgeExpired(ctx); err != nil {
			log.Printf("kv: purge after put %s: %v", key, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?;`, key)
	return errors.Wrapf(err, "delete %s", key)
}

func (s *SQLiteStore) List(ctx context.Context, prefix string, limit int) ([]string, error) {
	q := `SELECT key FROM kv
WHERE substr(key, 1, ?) = ? AND (expires_at = 0 OR expires_at > ?)
ORDER BY key`
	args := []any{len(prefix), prefix, s.nowMS()}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q+`;`, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "list %s", prefix)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, errors.Wrap(err, "scan key")
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate keys")
	}
	return keys, nil
}

// PurgeExpired deletes rows whose TTL has elapsed and returns how many were removed.
func (s *SQLiteStore) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE expires_at > 0 AND expires_at <= ?;`, s.nowMS())
	if err != nil {
		return 0, errors.Wrap(err, "purge expired")
	}
	n, _ := res.RowsAffected()
	return n, nil
}
