// Package sqlite implements the shortener store on SQLite. The sqlite driver
// opens local files and :memory: through the pure-Go modernc driver; the libsql
// driver talks to a remote libSQL server through the Turso client.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/tursodatabase/libsql-client-go/libsql"
	_ "modernc.org/sqlite"

	"github.com/sundayezeilo/urlgroups/internal/shortener"
)

const localPragmas = "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"

const schema = `
CREATE TABLE IF NOT EXISTS link_groups (
	id          TEXT PRIMARY KEY,
	secret_hash TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS links (
	id         TEXT PRIMARY KEY,
	group_id   TEXT REFERENCES link_groups(id),
	target     TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	retired_at INTEGER
);

CREATE INDEX IF NOT EXISTS links_target_idx ON links(target);
CREATE INDEX IF NOT EXISTS links_group_id_idx ON links(group_id);
CREATE UNIQUE INDEX IF NOT EXISTS links_pool_target_unique
	ON links(target) WHERE group_id IS NULL AND retired_at IS NULL;
`

// Store is a shortener.Store backed by database/sql.
type Store struct {
	db     *sql.DB
	driver string
}

var _ shortener.Store = (*Store)(nil)

const (
	DriverSQLite = "sqlite"
	DriverLibSQL = "libsql"
)

// DriverFor guesses the database/sql driver for dsn when none is configured.
func DriverFor(dsn string) string {
	if strings.HasPrefix(dsn, "libsql://") || strings.HasPrefix(dsn, "wss://") ||
		strings.HasPrefix(dsn, "https://") || strings.HasPrefix(dsn, "http://") {
		return DriverLibSQL
	}
	return DriverSQLite
}

// Open connects to dsn with driver and verifies the connection. An empty
// driver is resolved with DriverFor.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	const op = "sqlite.Open"

	if driver == "" {
		driver = DriverFor(dsn)
	}
	switch driver {
	case DriverSQLite:
		dsn = withLocalPragmas(dsn)
	case DriverLibSQL:
	default:
		return nil, fmt.Errorf("%s: unsupported driver %q", op, driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	// SQLite allows one writer at a time, and each :memory: connection is its
	// own database.
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s: ping: %w", op, err)
	}

	return &Store{db: db, driver: driver}, nil
}

// Driver reports the database/sql driver the store was opened with.
func (s *Store) Driver() string {
	return s.driver
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("sqlite.Migrate: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// WithinTx runs fn in a transaction, rolling back on error or panic.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, q shortener.Queries) error) (err error) {
	const op = "sqlite.WithinTx"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(op, err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}

		if err != nil {
			_ = tx.Rollback()
			return
		}

		if commitErr := tx.Commit(); commitErr != nil {
			err = mapError(op, fmt.Errorf("commit: %w", commitErr))
		}
	}()

	err = fn(ctx, &queries{tx: tx})
	return err
}

func withLocalPragmas(dsn string) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + localPragmas
}
