package repository

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"

	"github.com/opensource-finance/fds/internal/domain"
)

// postgresDSN builds a lib/pq key/value connection string. Empty settings fall back to
// a local server and the fds database.
func postgresDSN(cfg domain.RepositoryConfig) string {
	host := orDefault(cfg.PostgresHost, "localhost")
	dbname := orDefault(cfg.PostgresDB, "fds")
	sslmode := orDefault(cfg.PostgresSSLMode, "disable")
	port := cfg.PostgresPort
	if port == 0 {
		port = 5432
	}

	params := []string{
		"host=" + pqQuote(host),
		fmt.Sprintf("port=%d", port),
		"dbname=" + pqQuote(dbname),
		"sslmode=" + pqQuote(sslmode),
		"application_name=fds",
	}
	if cfg.PostgresUser != "" {
		params = append(params, "user="+pqQuote(cfg.PostgresUser))
	}
	if cfg.PostgresPassword != "" {
		params = append(params, "password="+pqQuote(cfg.PostgresPassword))
	}
	return strings.Join(params, " ")
}

// pqQuote quotes a connection parameter value when it holds spaces, quotes or backslashes.
func pqQuote(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(v) + "'"
}

func openPostgres(cfg domain.RepositoryConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", postgresDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}
	if err := ping(db, "postgres"); err != nil {
		return nil, err
	}
	return db, nil
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
