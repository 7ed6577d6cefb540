// Package repository stores rules, entities, the outbox, the processed ledger,
// blocklists and detection logs in one SQL database. SQLite and PostgreSQL share
// every query; placeholders are rebound per driver.
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/opensource-finance/fds/internal/domain"
)

var _ domain.Repository = (*SQLRepository)(nil)

// SQLRepository implements domain.Repository over database/sql.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

var openers = map[string]func(domain.RepositoryConfig) (*sql.DB, error){
	"sqlite":   openSQLite,
	"postgres": openPostgres,
}

// New opens the configured database, sizes its pool and applies the schema.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	open, ok := openers[cfg.Driver]
	if !ok {
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	db, err := open(cfg)
	if err != nil {
		return nil, err
	}
	configurePool(db, cfg)

	repo := NewWithDB(db, cfg.Driver)
	if err := repo.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply %s schema: %w", cfg.Driver, err)
	}
	return repo, nil
}

func configurePool(db *sql.DB, cfg domain.RepositoryConfig) {
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
}

// NewWithDB wraps an already opened database. No migrations are run.
func NewWithDB(db *sql.DB, driver string) *SQLRepository {
	return &SQLRepository{db: db, driver: driver}
}

// migrate applies every DDL statement of the driver. Statements are idempotent.
func (r *SQLRepository) migrate(ctx context.Context) error {
	for i, stmt := range AllSchemas(r.driver) {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("statement %d: %w", i+1, err)
		}
	}
	return nil
}

// Driver returns the configured driver name.
func (r *SQLRepository) Driver() string {
	return r.driver
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind numbers ? placeholders as $1, $2, ... on PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	out := make([]byte, 0, len(query)+8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] != '?' {
			out = append(out, query[i])
			continue
		}
		n++
		out = append(out, '$')
		out = strconv.AppendInt(out, int64(n), 10)
	}
	return string(out)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
