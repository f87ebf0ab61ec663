package pg

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"

	"wacampaign/internal/config"
)

// NewPool builds a pgx pool from DB_* settings. appName shows up in
// pg_stat_activity so api and worker sessions can be told apart.
func NewPool(ctx context.Context, db config.DBConfig, appName string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(db.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("parse DB_DSN: %w", err)
	}

	if db.DBPoolMaxConns > 0 {
		cfg.MaxConns = db.DBPoolMaxConns
	}
	if db.DBPoolMinConns >= 0 {
		cfg.MinConns = db.DBPoolMinConns
	}
	if db.DBPoolMaxConnLifetime > 0 {
		cfg.MaxConnLifetime = db.DBPoolMaxConnLifetime
	}
	if db.DBPoolMaxConnIdleTime > 0 {
		cfg.MaxConnIdleTime = db.DBPoolMaxConnIdleTime
	}
	if db.DBPoolHealthCheckPeriod > 0 {
		cfg.HealthCheckPeriod = db.DBPoolHealthCheckPeriod
	}

	params := cfg.ConnConfig.RuntimeParams
	if appName != "" {
		params["application_name"] = appName
	}
	// a claim stuck on a lock must not outlive the dispatch budget
	if db.DBStatementTimeout > 0 {
		params["statement_timeout"] = strconv.FormatInt(db.DBStatementTimeout.Milliseconds(), 10)
	}

	return pgxpool.NewWithConfig(ctx, cfg)
}
