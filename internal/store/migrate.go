package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations
var migrationsFS embed.FS

// Migrate runs the embedded schema migrations for the dialect.
//   - If targetVersion < 0, it migrates to the latest version.
//   - If targetVersion == 0, it rolls back all migrations.
//   - If targetVersion > 0, it migrates to the specified version.
//
// It opens its own connection so the caller's pool settings are unaffected.
func Migrate(dialect Dialect, dsn string, targetVersion int) error {
	dsn, err := dialect.normalizeDSN(dsn)
	if err != nil {
		return err
	}

	db, err := sql.Open(dialect.driverName(), dsn)
	if err != nil {
		return fmt.Errorf("failed to open %s database for migration: %w", dialect, err)
	}

	m, err := newMigrate(db, dialect)
	if err != nil {
		_ = db.Close()
		return err
	}
	defer func() { _, _ = m.Close() }()

	_, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}
	if dirty {
		return fmt.Errorf("database is in a dirty migration state. Please fix manually or force version")
	}

	switch {
	case targetVersion < 0:
		err = m.Up()
	case targetVersion == 0:
		err = m.Down()
	default:
		err = m.Migrate(uint(targetVersion))
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to migrate %s schema: %w", dialect, err)
	}
	return nil
}

// MigrationVersion reports the applied schema version.
func MigrationVersion(dialect Dialect, dsn string) (version uint, dirty bool, err error) {
	dsn, err = dialect.normalizeDSN(dsn)
	if err != nil {
		return 0, false, err
	}
	db, err := sql.Open(dialect.driverName(), dsn)
	if err != nil {
		return 0, false, fmt.Errorf("failed to open %s database: %w", dialect, err)
	}
	m, err := newMigrate(db, dialect)
	if err != nil {
		_ = db.Close()
		return 0, false, err
	}
	defer func() { _, _ = m.Close() }()

	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func newMigrate(db *sql.DB, dialect Dialect) (*migrate.Migrate, error) {
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to %s database. Check that the server is running and connection parameters are valid: %w", dialect, err)
	}

	var driver database.Driver
	var err error
	switch dialect {
	case SQLite:
		driver, err = migratesqlite.WithInstance(db, &migratesqlite.Config{})
	case Postgres:
		driver, err = migratepgx.WithInstance(db, &migratepgx.Config{})
	case MySQL:
		driver, err = migratemysql.WithInstance(db, &migratemysql.Config{})
	default:
		return nil, fmt.Errorf("unsupported backend: %s", dialect)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s migrate driver: %w", dialect, err)
	}

	sub, err := fs.Sub(migrationsFS, "migrations/"+string(dialect))
	if err != nil {
		return nil, fmt.Errorf("failed to access migrations directory: %w", err)
	}
	source, err := iofs.New(sub, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, string(dialect), driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return m, nil
}
