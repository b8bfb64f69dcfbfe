// Package migrations holds the schema of the core, one goose directory per dialect.
package migrations

import (
	"context"
	"embed"
	"fmt"
	"sync"

	"github.com/pressly/goose/v3"

	"github.com/abilian/abilian-core/internal/db/dbmanager"
)

//go:embed postgres/*.sql sqlite/*.sql
var migrationsFS embed.FS

// goose keeps its dialect and filesystem in package state.
var gooseMu sync.Mutex

func gooseDialect(d dbmanager.Dialect) (string, string) {
	if d == dbmanager.Postgres {
		return "postgres", "postgres"
	}
	return "sqlite3", "sqlite"
}

// Up applies every pending migration.
func Up(ctx context.Context, db *dbmanager.DB) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	dialect, dir := gooseDialect(db.Dialect())
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	goose.SetBaseFS(migrationsFS)
	defer goose.SetBaseFS(nil)
	goose.SetLogger(goose.NopLogger())
	if err := goose.UpContext(ctx, db.SQL(), dir); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Version returns the current schema version.
func Version(ctx context.Context, db *dbmanager.DB) (int64, error) {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	dialect, _ := gooseDialect(db.Dialect())
	if err := goose.SetDialect(dialect); err != nil {
		return 0, err
	}
	return goose.GetDBVersionContext(ctx, db.SQL())
}
