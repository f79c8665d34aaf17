// Package storage is the relay ledger: directory records (admins, companies,
// clients), the append-only message log and claims. SQLite is the default
// driver; postgres is used when a DSN is configured.
package storage

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"relaybot/pkg/logx"
)

// Open connects the configured driver and applies pending migrations.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = "sqlite"
		if strings.TrimSpace(cfg.DSN) != "" {
			driver = "postgres"
		}
	}
	switch driver {
	case "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "postgres", "pgx", "postgresql":
		return openPostgres(ctx, cfg, log)
	case "none":
		return nil, ErrDisabled
	default:
		return nil, fmt.Errorf("storage: unknown driver %q", driver)
	}
}

func itoa(v int64) string { return strconv.FormatInt(v, 10) }
