package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ApplicationName identifies store sessions in pg_stat_activity.
const ApplicationName = "crd-server"

// StoreOptions configures the pool backing the PlanDefinition store.
type StoreOptions struct {
	URL      string
	Schema   string
	MaxConns int32
	MinConns int32
}

// NewPool connects to the PlanDefinition store and pings it once.
func NewPool(ctx context.Context, opts StoreOptions) (*pgxpool.Pool, error) {
	cfg, err := storeConfig(opts)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("definition store: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("definition store unreachable: %w", err)
	}
	return pool, nil
}

// storeConfig resolves definition tables in opts.Schema before public.
// Zero connection limits keep the pgxpool defaults.
func storeConfig(opts StoreOptions) (*pgxpool.Config, error) {
	if opts.URL == "" {
		return nil, errors.New("definition store: DATABASE_URL is empty")
	}
	cfg, err := pgxpool.ParseConfig(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("definition store: parse DATABASE_URL: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		cfg.MinConns = opts.MinConns
	}
	if cfg.MinConns > cfg.MaxConns {
		return nil, fmt.Errorf("definition store: DB_MIN_CONNS %d exceeds DB_MAX_CONNS %d", cfg.MinConns, cfg.MaxConns)
	}

	params := cfg.ConnConfig.RuntimeParams
	params["application_name"] = ApplicationName
	if opts.Schema != "" {
		params["search_path"] = opts.Schema + ",public"
	}
	return cfg, nil
}
