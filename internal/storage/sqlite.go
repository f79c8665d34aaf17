package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"relaybot/pkg/logx"
)

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage: sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer; claim arbitration leans on SQLite serialising inserts.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, p := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("storage: %s: %w", p, err)
		}
	}

	st := &sqlStore{
		db:  db,
		log: log,
		now: time.Now,
		d: dialect{
			name: "sqlite",
			isUnique: func(err error) bool {
				return strings.Contains(err.Error(), "UNIQUE constraint failed")
			},
			migration: "migrations/sqlite",
		},
	}
	if err := st.migrate(ctx, st.d.migration); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("ledger opened", logx.String("driver", "sqlite"), logx.String("path", path))
	return st, nil
}
