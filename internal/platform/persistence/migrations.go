package persistence

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// ErrDirtySchema means a previous migration failed halfway and needs a manual `migrate force`
var ErrDirtySchema = errors.New("database schema is dirty")

// schemaMigrator is the subset of *migrate.Migrate used at startup
type schemaMigrator interface {
	Up() error
	Version() (version uint, dirty bool, err error)
	Close() (source error, database error)
}

var newMigrator = func(sourceURL, databaseURL string) (schemaMigrator, error) {
	return migrate.New(sourceURL, databaseURL)
}

// RunMigrations brings the loan schema under migrationsPath up to date.
// migrationsPath may be a plain directory or a file:// URL.
func RunMigrations(logger *slog.Logger, databaseURL, migrationsPath string) error {
	if migrationsPath == "" {
		return errors.New("migrations path cannot be empty")
	}
	if databaseURL == "" {
		return errors.New("database URL cannot be empty")
	}

	sourceURL := migrationsPath
	if !strings.Contains(sourceURL, "://") {
		sourceURL = "file://" + sourceURL
	}

	m, err := newMigrator(sourceURL, databaseURL)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	defer func() {
		if sourceErr, dbErr := m.Close(); sourceErr != nil || dbErr != nil {
			logger.Warn("Failed to close migrator", "source_error", sourceErr, "database_error", dbErr)
		}
	}()

	version, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		logger.Info("Applying migrations to an empty database", "source", sourceURL)
	case err != nil:
		return fmt.Errorf("failed to read schema version: %w", err)
	case dirty:
		return fmt.Errorf("%w at version %d", ErrDirtySchema, version)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info("Database schema is up to date", "version", version)
			return nil
		}
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	if version, _, err = m.Version(); err != nil {
		return fmt.Errorf("failed to read schema version after migrating: %w", err)
	}
	logger.Info("Applied database migrations", "version", version)
	return nil
}
