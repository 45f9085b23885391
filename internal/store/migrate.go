package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrate applies all pending migrations. It opens its own connection because
// closing a migrate instance closes the database it was given. MySQL DSNs
// need multiStatements=true.
func Migrate(driver, dsn string) error {
	m, err := newMigrator(driver, dsn)
	if err != nil {
		return err
	}
	defer m.Close()

	err = m.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		slog.Info("No new migrations to apply", "driver", driver)
		return nil
	}
	if err != nil {
		return fmt.Errorf("store: apply migrations: %w", err)
	}

	slog.Info("Migrations applied", "driver", driver)
	return nil
}

// MigrationVersion reports the applied schema version. ok is false on an
// empty database.
func MigrationVersion(driver, dsn string) (version uint, dirty, ok bool, err error) {
	m, err := newMigrator(driver, dsn)
	if err != nil {
		return 0, false, false, err
	}
	defer m.Close()

	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, false, nil
	}
	if err != nil {
		return 0, false, false, fmt.Errorf("store: read migration version: %w", err)
	}
	return version, dirty, true, nil
}

func newMigrator(driver, dsn string) (*migrate.Migrate, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s for migrations: %w", driver, err)
	}

	var target database.Driver
	switch driver {
	case "sqlite3":
		target, err = migratesqlite.WithInstance(db, &migratesqlite.Config{})
	case "postgres":
		target, err = migratepostgres.WithInstance(db, &migratepostgres.Config{})
	case "pgx":
		target, err = migratepgx.WithInstance(db, &migratepgx.Config{})
	case "mysql":
		target, err = migratemysql.WithInstance(db, &migratemysql.Config{})
	default:
		_ = db.Close()
		return nil, configurationError(fmt.Sprintf("no migration driver for %q", driver))
	}
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: init %s migration driver: %w", driver, err)
	}

	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("store: load embedded migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, driver, target)
	if err != nil {
		return nil, fmt.Errorf("store: init migrations: %w", err)
	}
	return m, nil
}
