package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"relaybot/pkg/logx"
)

const pgUniqueViolation = "23505"

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage: postgres dsn is required")
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("storage: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}

	st := &sqlStore{
		db:  stdlib.OpenDBFromPool(pool),
		log: log,
		now: time.Now,
		d: dialect{
			name:     "postgres",
			numbered: true,
			isUnique: func(err error) bool {
				var pgErr *pgconn.PgError
				return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
			},
			migration: "migrations/postgres",
		},
		onClose: pool.Close,
	}
	if err := st.migrate(ctx, st.d.migration); err != nil {
		_ = st.Close()
		return nil, err
	}
	log.Info("ledger opened", logx.String("driver", "postgres"), logx.String("host", pcfg.ConnConfig.Host))
	return st, nil
}
