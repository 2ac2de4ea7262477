package store

import (
	"database/sql"
	"embed"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver used by goose
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate applies all pending schema migrations to the database at url.
func Migrate(url string) error {
	return migrate(url, goose.Up)
}

// Rollback reverts the most recent schema migration.
func Rollback(url string) error {
	return migrate(url, goose.Down)
}

// MigrationStatus logs the applied state of every migration.
func MigrationStatus(url string) error {
	return migrate(url, goose.Status)
}

func migrate(url string, run func(db *sql.DB, dir string, opts ...goose.OptionsFunc) error) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}

	db, err := goose.OpenDBWithDriver("postgres", url)
	if err != nil {
		return fmt.Errorf("open db for migration: %w", err)
	}
	defer db.Close()

	if err := run(db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}
