// Package schema runs the core, per-butler, and per-module migration chains
// against a schema-scoped Postgres connection, and exposes the search_path
// helpers the rest of the core relies on.
package schema

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
)

//go:embed migrations/shared
var sharedMigrations embed.FS

//go:embed migrations/butler
var butlerMigrations embed.FS

// Chain is a named, embedded migration source. The core ships two built-in
// chains (Shared, Butler); any other Chain value may be passed to RunChain.
// Manager keeps no registry of chains.
type Chain struct {
	Name string
	FS   fs.FS
	Path string
}

// Shared is the migration chain applied once, to the shared schema.
func Shared() Chain { return Chain{Name: "shared", FS: sharedMigrations, Path: "migrations/shared"} }

// Butler is the migration chain applied once per butler, to that butler's
// own schema.
func Butler() Chain { return Chain{Name: "butler", FS: butlerMigrations, Path: "migrations/butler"} }

// Manager runs migration chains against a Postgres database, each scoped to
// a single schema via search_path.
type Manager struct {
	dsn    string
	logger *slog.Logger
}

// NewManager creates a Manager for the given pgx-compatible DSN.
func NewManager(dsn string) *Manager {
	return &Manager{dsn: dsn, logger: slog.Default()}
}

// RunChain applies every pending migration in chain against the named
// schema. It creates the schema if it does not already exist.
//
// Callers invoke RunChain once per (chain, schema) pair: NewButler and
// `butlerd migrate` run the shared chain, then the butler chain. No caller
// runs a module chain.
func (m *Manager) RunChain(ctx context.Context, chain Chain, targetSchema string) error {
	db, err := sql.Open("pgx", m.dsn)
	if err != nil {
		return fmt.Errorf("open db for migration: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping db for migration: %w", err)
	}

	if _, err := db.ExecContext(ctx, fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %q`, targetSchema)); err != nil {
		return fmt.Errorf("create schema %s: %w", targetSchema, err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{
		SchemaName:      targetSchema,
		MigrationsTable: fmt.Sprintf("schema_migrations_%s", chain.Name),
	})
	if err != nil {
		return fmt.Errorf("postgres migrate driver: %w", err)
	}

	sourceDriver, err := iofs.New(chain.FS, chain.Path)
	if err != nil {
		return fmt.Errorf("migration source for chain %s: %w", chain.Name, err)
	}
	defer sourceDriver.Close()

	migrator, err := migrate.NewWithInstance("iofs", sourceDriver, targetSchema, driver)
	if err != nil {
		return fmt.Errorf("migrate instance for chain %s/%s: %w", chain.Name, targetSchema, err)
	}

	if err := migrator.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply chain %s to schema %s: %w", chain.Name, targetSchema, err)
	}

	m.logger.Info("migration chain applied", "chain", chain.Name, "schema", targetSchema)
	return nil
}

// SearchPath builds the Postgres search_path value for a butler schema:
// the butler's own schema first, then shared, then public.
func SearchPath(butlerSchema string) string {
	return fmt.Sprintf("%s, shared, public", butlerSchema)
}
