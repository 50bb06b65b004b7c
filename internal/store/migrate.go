package store

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/matheus3301/parley/internal/store/migrations"
)

// MigrateResult reports the journal schema version before and after Migrate.
// Previous is 0 for a fresh journal.
type MigrateResult struct {
	Previous uint
	Version  uint
	Changed  bool
}

// Migrate brings the journal schema up to date. A schema left dirty by an
// interrupted migration is an error; the journal has to be removed by hand.
func (db *DB) Migrate() (*MigrateResult, error) {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("journal migrations: %w", err)
	}
	driver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("journal migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return nil, fmt.Errorf("journal migrator: %w", err)
	}

	before, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		before = 0
	case err != nil:
		return nil, fmt.Errorf("journal version: %w", err)
	case dirty:
		return nil, fmt.Errorf("journal schema is dirty at version %d", before)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return nil, fmt.Errorf("journal migration: %w", err)
	}

	after, _, err := m.Version()
	if err != nil {
		return nil, fmt.Errorf("journal version: %w", err)
	}
	return &MigrateResult{Previous: before, Version: after, Changed: after != before}, nil
}
