package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog/log"
)

// sqlFS contains the embedded SQL migration files.
//
//go:embed sql/*.sql
var sqlFS embed.FS

// Version describes the schema version recorded by the migrator.
type Version struct {
	Version uint `json:"version"`
	Dirty   bool `json:"dirty"`
	// Fresh is true when no migration has ever been applied.
	Fresh bool `json:"fresh"`
}

func newMigrator(db *sql.DB) (*migrate.Migrate, error) {
	if db == nil {
		return nil, errors.New("migrations: db cannot be nil")
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("migrations: create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(sqlFS, "sql")
	if err != nil {
		return nil, fmt.Errorf("migrations: open embedded migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("migrations: init migrate instance: %w", err)
	}
	return m, nil
}

// Up applies all pending database migrations. It is safe to call multiple
// times; when the database schema is up to date, the function is a no-op.
func Up(db *sql.DB) error {
	m, err := newMigrator(db)
	if err != nil {
		return err
	}

	currentVersion := uint(0)
	if v, _, verr := m.Version(); verr == nil {
		currentVersion = v
		log.Info().Uint("version", v).Msg("migrations: current database schema version")
	} else if errors.Is(verr, migrate.ErrNilVersion) {
		log.Info().Msg("migrations: no existing migration version (fresh database)")
	} else {
		log.Warn().Err(verr).Msg("migrations: unable to determine current version")
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Info().Uint("version", currentVersion).Msg("migrations: no new migrations to apply; database is up to date")
			return nil
		}
		return fmt.Errorf("migrations: apply: %w", err)
	}

	if v, _, err := m.Version(); err == nil {
		log.Info().Uint("version", v).Msg("migrations: successfully applied migrations")
	} else {
		log.Warn().Err(err).Msg("migrations: applied migrations but failed to read new version")
	}

	return nil
}

// IsDirty reports whether err came from a migration left half-applied.
func IsDirty(err error) bool {
	var dirty migrate.ErrDirty
	return errors.As(err, &dirty)
}

// FixDirtyDatabase clears the dirty flag left by a failed migration by
// forcing the schema back to the last version that completed.
func FixDirtyDatabase(db *sql.DB) error {
	m, err := newMigrator(db)
	if err != nil {
		return err
	}

	v, dirty, err := m.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			log.Info().Msg("migrations: fresh database, nothing to fix")
			return nil
		}
		return fmt.Errorf("migrations: read version: %w", err)
	}
	if !dirty {
		log.Info().Uint("version", v).Msg("migrations: database is clean")
		return nil
	}

	target := int(v) - 1
	if target < 1 {
		target = -1
	}
	log.Warn().Uint("dirty_version", v).Int("target", target).Msg("migrations: forcing dirty database back to last good version")
	if err := m.Force(target); err != nil {
		return fmt.Errorf("migrations: force version %d: %w", target, err)
	}
	return nil
}

// ForceVersion sets the recorded schema version without running migrations.
func ForceVersion(db *sql.DB, version uint) error {
	m, err := newMigrator(db)
	if err != nil {
		return err
	}
	if err := m.Force(int(version)); err != nil {
		return fmt.Errorf("migrations: force version %d: %w", version, err)
	}
	log.Info().Uint("version", version).Msg("migrations: version forced")
	return nil
}

// Status reports the schema version currently recorded in the database.
func Status(db *sql.DB) (Version, error) {
	m, err := newMigrator(db)
	if err != nil {
		return Version{}, err
	}

	v, dirty, err := m.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			return Version{Fresh: true}, nil
		}
		return Version{}, fmt.Errorf("migrations: read version: %w", err)
	}
	return Version{Version: v, Dirty: dirty}, nil
}
