package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// kvSchemaVersion is stamped into PRAGMA user_version once the kv table is current.
const kvSchemaVersion = 1

type kvColumn struct {
	NotNull bool
	Default string
}

// migrateStep is one idempotent change applied to an existing kv table.
type migrateStep struct {
	name string
	run  func(ctx context.Context, db *sql.DB) (int64, error)
}

// migrateSQLitePath opens path on its own connection and migrates it before
// the store applies its schema.
func migrateSQLitePath(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return errors.Wrapf(err, "sqlite: open %s", path)
	}
	defer db.Close()
	return migrateSQLite(ctx, db, time.Now())
}

func migrateSQLite(ctx context.Context, db *sql.DB, now time.Time) error {
	version, err := userVersion(ctx, db)
	if err != nil {
		return errors.Wrap(err, "sqlite: user_version")
	}
	cols, err := kvColumns(ctx, db)
	if err != nil {
		return errors.Wrap(err, "sqlite: describe kv")
	}
	log.Printf("pollcastd: sqlite: file=%s user_version=%d columns=%d", mainFile(ctx, db), version, len(cols))
	if len(cols) == 0 {
		log.Printf("pollcastd: sqlite: no kv table yet, nothing to migrate")
		return nil
	}

	steps := []migrateStep{
		{"add expires_at", func(ctx context.Context, db *sql.DB) (int64, error) {
			if _, ok := cols["expires_at"]; ok {
				return 0, nil
			}
			return execCount(ctx, db, `ALTER TABLE kv ADD COLUMN expires_at INTEGER NOT NULL DEFAULT 0`)
		}},
		{"normalize expires_at", func(ctx context.Context, db *sql.DB) (int64, error) {
			return execCount(ctx, db, `UPDATE kv SET expires_at = 0 WHERE expires_at IS NULL OR expires_at < 0`)
		}},
		{"index expires_at", func(ctx context.Context, db *sql.DB) (int64, error) {
			return execCount(ctx, db, `CREATE INDEX IF NOT EXISTS kv_expires_at ON kv(expires_at) WHERE expires_at > 0`)
		}},
		{"drop expired", func(ctx context.Context, db *sql.DB) (int64, error) {
			return execCount(ctx, db, `DELETE FROM kv WHERE expires_at > 0 AND expires_at <= ?`, now.UnixMilli())
		}},
		{"stamp user_version", func(ctx context.Context, db *sql.DB) (int64, error) {
			if version >= kvSchemaVersion {
				return 0, nil
			}
			return execCount(ctx, db, fmt.Sprintf(`PRAGMA user_version = %d`, kvSchemaVersion))
		}},
	}
	for _, step := range steps {
		n, err := step.run(ctx, db)
		if err != nil {
			return errors.Wrapf(err, "sqlite: %s", step.name)
		}
		if n > 0 {
			log.Printf("pollcastd: sqlite: %s rows=%d", step.name, n)
		}
	}

	var total, expiring int64
	err = db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(expires_at > 0), 0) FROM kv`).Scan(&total, &expiring)
	if err != nil {
		return errors.Wrap(err, "sqlite: count keys")
	}
	log.Printf("pollcastd: sqlite: kv ready keys=%d expiring=%d", total, expiring)
	return nil
}

func execCount(ctx context.Context, db *sql.DB, query string, args ...any) (int64, error) {
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func userVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	err := db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&v)
	return v, err
}

// kvColumns returns the kv table's columns keyed by name; an empty map means
// the table does not exist.
func kvColumns(ctx context.Context, db *sql.DB) (map[string]kvColumn, error) {
	rows, err := db.QueryContext(ctx, `SELECT name, "notnull", COALESCE(dflt_value, '') FROM pragma_table_info('kv')`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols := map[string]kvColumn{}
	for rows.Next() {
		var (
			name    string
			notNull int
			def     string
		)
		if err := rows.Scan(&name, &notNull, &def); err != nil {
			return nil, err
		}
		cols[name] = kvColumn{NotNull: notNull == 1, Default: def}
	}
	return cols, rows.Err()
}

func indexExists(ctx context.Context, db *sql.DB, name string) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = ?`, name).Scan(&n)
	return n > 0, err
}

func mainFile(ctx context.Context, db *sql.DB) string {
	var file sql.NullString
	if err := db.QueryRowContext(ctx, `SELECT file FROM pragma_database_list WHERE name = 'main'`).Scan(&file); err != nil {
		return "(unknown)"
	}
	if !file.Valid || file.String == "" {
		return "(memory)"
	}
	return file.String
}
