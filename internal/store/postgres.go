package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresOptions tunes the connection pool of the PostgreSQL store.
type PostgresOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewPostgresStore connects to PostgreSQL through the pgx driver and applies
// the schema.
func NewPostgresStore(ctx context.Context, connURL string, opts PostgresOptions) (*SQLStore, error) {
	if connURL == "" {
		return nil, fmt.Errorf("postgres connection url is required")
	}

	db, err := sql.Open("pgx", connURL)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}

	s := newSQLStore(db, DialectPostgres)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	log.Info().Msg("PostgreSQL store initialized")
	return s, nil
}
