// Package store persists accounts, usage history, request logs, sticky
// sessions and settings in SQLite.
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Store wraps the main database and, when configured, a separate accounts
// database. With no split both handles point at the same *sql.DB.
type Store struct {
	db         *sql.DB
	accountsDB *sql.DB
	split      bool
}

// Open opens the database(s), applies pragmas and runs migrations.
// accountsPath is optional; empty keeps accounts in the main database.
func Open(path, accountsPath string) (*Store, error) {
	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}

	s := &Store{db: db, accountsDB: db}
	if accountsPath != "" && accountsPath != path {
		adb, err := openSQLite(accountsPath)
		if err != nil {
			db.Close()
			return nil, err
		}
		s.accountsDB = adb
		s.split = true
	}

	if err := migrateMain(s.db); err != nil {
		s.Close()
		return nil, fmt.Errorf("migrate main: %w", err)
	}
	if err := migrateAccounts(s.accountsDB); err != nil {
		s.Close()
		return nil, fmt.Errorf("migrate accounts: %w", err)
	}
	return s, nil
}

func openSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return db, nil
}

func (s *Store) Close() error {
	err := s.db.Close()
	if s.split {
		if aerr := s.accountsDB.Close(); err == nil {
			err = aerr
		}
	}
	return err
}
