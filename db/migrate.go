package db

import (
	"database/sql"
	"embed"
	"io/fs"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/kulturgut/ingest/errors"
	"github.com/kulturgut/ingest/logger"
)

//go:embed sqlite/migrations/*.sql
var migrations embed.FS

const migrationsDir = "sqlite/migrations"

// migration is one embedded schema step. Version is the numeric file prefix.
type migration struct {
	version string
	file    string
}

// pendingMigrations lists the embedded migrations in file name order.
// fs.Glob returns names sorted, so 000_create_schema_migrations.sql is first.
func pendingMigrations() ([]migration, error) {
	files, err := fs.Glob(migrations, path.Join(migrationsDir, "*.sql"))
	if err != nil {
		return nil, errors.Wrap(err, "list migrations")
	}
	out := make([]migration, 0, len(files))
	for _, f := range files {
		name := path.Base(f)
		version, _, ok := strings.Cut(name, "_")
		if !ok {
			return nil, errors.AssertionFailedf("migration %s has no version prefix", name)
		}
		out = append(out, migration{version: version, file: f})
	}
	return out, nil
}

// Migrate applies every migration not yet recorded in schema_migrations.
// Each migration runs in its own transaction. A nil log operates silently.
func Migrate(db *sql.DB, log *zap.SugaredLogger) error {
	all, err := pendingMigrations()
	if err != nil {
		return err
	}

	applied := 0
	for _, m := range all {
		done, err := isApplied(db, m.version)
		if err != nil {
			return err
		}
		if done {
			continue
		}
		if log != nil {
			log.Infow("Applying migration", logger.FieldFile, path.Base(m.file), "version", m.version)
		}
		if err := apply(db, m); err != nil {
			return err
		}
		applied++
	}

	if log != nil && applied > 0 {
		log.Infow("Migrations complete", "applied", applied, logger.FieldCount, len(all))
	}
	return nil
}

func isApplied(db *sql.DB, version string) (bool, error) {
	var exists bool
	err := db.QueryRow("SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = ?)", version).Scan(&exists)
	if err == nil {
		return exists, nil
	}
	// schema_migrations itself is created by migration 000
	if version == "000" && !IsDatabaseClosed(err) {
		return false, nil
	}
	return false, errors.Wrapf(err, "read schema_migrations before %s", version)
}

func apply(db *sql.DB, m migration) error {
	stmts, err := migrations.ReadFile(m.file)
	if err != nil {
		return errors.Wrapf(err, "read %s", m.file)
	}

	tx, err := db.Begin()
	if err != nil {
		return errors.Wrapf(err, "begin %s", m.file)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(string(stmts)); err != nil {
		return errors.Wrapf(err, "execute %s", m.file)
	}
	if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
		return errors.Wrapf(err, "record %s", m.file)
	}
	return errors.Wrapf(tx.Commit(), "commit %s", m.file)
}
