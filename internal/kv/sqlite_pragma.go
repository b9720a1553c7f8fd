package kv

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"os"
	"strings"
)

// Applied only with POLLCAST_SQLITE_TUNING=1. The kv table is rebuilt from
// heartbeats within minutes, so losing the tail of the WAL on power loss is acceptable.
var tuningPragmas = []string{
	"PRAGMA synchronous=NORMAL;",
	"PRAGMA wal_autocheckpoint=1000;",
	"PRAGMA temp_store=MEMORY;",
}

// ApplySQLitePragmas applies the tuning set when enabled. It returns each
// pragma's resulting value keyed by pragma name; failures are logged and skipped.
func ApplySQLitePragmas(ctx context.Context, db *sql.DB) map[string]any {
	if os.Getenv("POLLCAST_SQLITE_TUNING") != "1" {
		return nil
	}

	applied := make(map[string]any, len(tuningPragmas))
	for _, pragma := range tuningPragmas {
		value, err := applyPragma(ctx, db, pragma)
		if err != nil {
			log.Printf("kv: sqlite pragma %s failed: %v", pragma, err)
			continue
		}
		applied[pragmaName(pragma)] = value
	}
	log.Printf("kv: sqlite tuning applied %v", applied)
	return applied
}

// pragmaName turns "PRAGMA busy_timeout=5000;" into "busy_timeout".
func pragmaName(pragma string) string {
	name := strings.TrimSuffix(strings.TrimSpace(strings.TrimPrefix(pragma, "PRAGMA ")), ";")
	if i := strings.IndexByte(name, '='); i >= 0 {
		name = name[:i]
	}
	return name
}

func applyPragma(ctx context.Context, db *sql.DB, pragma string) (any, error) {
	var value any
	if err := db.QueryRowContext(ctx, pragma).Scan(&value); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return nil, err
		}
		return "ok", nil
	}
	return value, nil
}
