package repository

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/opensource-finance/fds/internal/domain"
)

const pingTimeout = 5 * time.Second

// sqlitePragmas are applied to every pooled connection. WAL lets readers proceed
// during a claim; busy_timeout makes writers queue instead of failing.
var sqlitePragmas = []string{
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"busy_timeout(10000)",
	"foreign_keys(ON)",
}

// sqliteDSN builds the modernc.org/sqlite DSN for path. Transactions begin with
// BEGIN IMMEDIATE so an outbox claim holds the write lock from its first read.
func sqliteDSN(path string) string {
	q := url.Values{}
	for _, p := range sqlitePragmas {
		q.Add("_pragma", p)
	}
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

func openSQLite(cfg domain.RepositoryConfig) (*sql.DB, error) {
	path := orDefault(cfg.SQLitePath, "./fds.db")
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if err := ping(db, "sqlite"); err != nil {
		return nil, err
	}
	return db, nil
}

// ping verifies a freshly opened pool and closes it on failure.
func ping(db *sql.DB, driver string) error {
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("failed to ping %s database: %w", driver, err)
	}
	return nil
}
