package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/main/*.sql migrations/accounts/*.sql
var migrationsFS embed.FS

// The two migration streams use distinct version tables so they can share a
// database when no accounts split is configured.
func migrateMain(db *sql.DB) error {
	return migrateSQLiteDB(db, "migrations/main", "schema_migrations")
}

func migrateAccounts(db *sql.DB) error {
	return migrateSQLiteDB(db, "migrations/accounts", "schema_migrations_accounts")
}

func migrateSQLiteDB(db *sql.DB, fsPath, migrationsTable string) error {
	sourceDriver, err := iofs.New(migrationsFS, fsPath)
	if err != nil {
		return fmt.Errorf("migrate %s: init source: %w", fsPath, err)
	}

	dbDriver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{
		MigrationsTable: migrationsTable,
	})
	if err != nil {
		return fmt.Errorf("migrate %s: init db driver: %w", fsPath, err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		return fmt.Errorf("migrate %s: init migrator: %w", fsPath, err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate %s: up: %w", fsPath, err)
	}
	return nil
}
