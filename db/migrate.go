package db

import (
	"database/sql"
	"embed"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate applies embedded schema migrations up to the given revision, or
// all pending migrations when revision is zero.
func Migrate(dsn string, revision int64) error {
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("failed to open migration connection: %w", err)
	}
	defer sqlDB.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}

	if revision > 0 {
		if err := goose.UpTo(sqlDB, "migrations", revision); err != nil {
			return fmt.Errorf("failed to migrate to revision %d: %w", revision, err)
		}
		return nil
	}
	if err := goose.Up(sqlDB, "migrations"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// MigrationSQL returns the embedded migration scripts for the --sql flag of
// the migrate command.
func MigrationSQL() (string, error) {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return "", fmt.Errorf("failed to read migrations: %w", err)
	}
	var out string
	for _, e := range entries {
		data, err := migrations.ReadFile("migrations/" + e.Name())
		if err != nil {
			return "", fmt.Errorf("failed to read migration %s: %w", e.Name(), err)
		}
		out += "-- " + e.Name() + "\n" + string(data) + "\n"
	}
	return out, nil
}
