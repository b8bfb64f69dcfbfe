// Package dbmanager opens the database behind the core. PostgreSQL is served by
// pgx through database/sql; SQLite by the pure Go modernc driver. Queries are
// written with "?" placeholders and rebound for the active dialect.
package dbmanager

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Dialect names the SQL flavour of a database.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// PoolConfig holds connection pool settings.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DB is a connection pool bound to a dialect.
type DB struct {
	db      *sql.DB
	dialect Dialect
}

// Open connects to uri ("postgres://..." or "sqlite://path") and pings it.
func Open(ctx context.Context, uri string, pool PoolConfig) (*DB, error) {
	dialect, driver, dsn, err := parseURI(uri)
	if err != nil {
		return nil, err
	}
	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("failed to open db")
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	if pool.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)

	if err := sqlDB.PingContext(ctx); err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("failed to ping db")
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &DB{db: sqlDB, dialect: dialect}, nil
}

func parseURI(uri string) (Dialect, string, string, error) {
	switch {
	case strings.HasPrefix(uri, "postgres://"), strings.HasPrefix(uri, "postgresql://"):
		return Postgres, "pgx", uri, nil
	case strings.HasPrefix(uri, "sqlite://"):
		return SQLite, "sqlite", sqliteDSN("file:" + strings.TrimPrefix(uri, "sqlite://")), nil
	case strings.HasPrefix(uri, "file:"):
		return SQLite, "sqlite", sqliteDSN(uri), nil
	}
	return "", "", "", fmt.Errorf("unsupported database uri %q", uri)
}

func sqliteDSN(dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// SQL returns the underlying pool.
func (d *DB) SQL() *sql.DB {
	return d.db
}

func (d *DB) Dialect() Dialect {
	return d.dialect
}

func (d *DB) Close() error {
	return d.db.Close()
}

// Rebind rewrites "?" placeholders to the dialect's syntax. Quoted literals are left alone.
func (d *DB) Rebind(query string) string {
	return Rebind(d.dialect, query)
}

// Rebind rewrites "?" placeholders to "$n" for PostgreSQL.
func Rebind(dialect Dialect, query string) string {
	if dialect != Postgres || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// QuoteIdentifier quotes name for use as an SQL identifier in either dialect.
func QuoteIdentifier(name string) string {
	return pq.QuoteIdentifier(name)
}

// In expands to "?, ?, ..." for n values.
func In(n int) string {
	if n <= 0 {
		return "NULL"
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
