package db

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/url"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

// MigrationStatus is the schema version reported by golang-migrate.
type MigrationStatus struct {
	Version uint `json:"version"`
	Dirty   bool `json:"dirty"`
}

// SchemaURL scopes a Postgres URL to a tenant schema: both the migration
// tables and the migrated objects land in that schema.
func SchemaURL(databaseURL, schema string) (string, error) {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "", fmt.Errorf("parse database url: %w", err)
	}
	q := u.Query()
	q.Set("search_path", schema)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// NewPostgresMigrator returns a migrate instance for the given tenant schema.
func NewPostgresMigrator(databaseURL, schema string) (*migrate.Migrate, error) {
	source, err := iofs.New(migrationsFS, "migrations/postgres")
	if err != nil {
		return nil, fmt.Errorf("create migration source: %w", err)
	}

	target := databaseURL
	if schema != "" {
		if target, err = SchemaURL(databaseURL, schema); err != nil {
			return nil, err
		}
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, target)
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return m, nil
}

// MigratePostgres applies every pending migration to the tenant schema.
func MigratePostgres(databaseURL, schema string) error {
	m, err := NewPostgresMigrator(databaseURL, schema)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations for %s: %w", schema, err)
	}
	return nil
}

// PostgresStatus reports the current migration version of a tenant schema.
func PostgresStatus(databaseURL, schema string) (*MigrationStatus, error) {
	m, err := NewPostgresMigrator(databaseURL, schema)
	if err != nil {
		return nil, err
	}
	defer m.Close()
	return status(m)
}

// MigrateSQLite applies every pending migration to an open SQLite handle.
// The migrate instance is not closed because that would close conn.
func MigrateSQLite(conn *sql.DB) error {
	source, err := iofs.New(migrationsFS, "migrations/sqlite")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}
	driver, err := sqlite.WithInstance(conn, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("create sqlite migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run sqlite migrations: %w", err)
	}
	return nil
}

func status(m *migrate.Migrate) (*MigrationStatus, error) {
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return &MigrationStatus{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read migration version: %w", err)
	}
	return &MigrationStatus{Version: v, Dirty: dirty}, nil
}
