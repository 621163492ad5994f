package store

import (
	"database/sql"
	"log"
	"path"

	assets "github.com/gantryci/gantry"
	"github.com/gantryci/gantry/internal/settings"
	"github.com/pressly/goose/v3"
)

// RunMigrations applies the embedded migrations for the configured dialect.
// SQLite and PostgreSQL disagree on auto-increment keys, so each dialect
// carries its own migration set under dir.
func RunMigrations(db *sql.DB, dir string) {
	goose.SetBaseFS(assets.MigrationsFS)
	dialect := "sqlite"
	if settings.Settings != nil && settings.Settings.DatabaseDriver == "postgres" {
		dialect = "postgres"
	}
	if err := goose.SetDialect(dialect); err != nil {
		log.Fatal(err)
	}
	if err := goose.Up(db, path.Join(dir, dialect)); err != nil {
		log.Fatal(err)
	}
}
