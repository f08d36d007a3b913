// Package daemon implements the Daemon Lifecycle: the ordered startup and
// shutdown sequence that wires every other component into one running
// process, in one of two roles — SwitchboardDaemon or ButlerDaemon.
package daemon

import (
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
)

// openDB opens dsn with searchPath applied to every pooled connection, the
// same convention schema.SearchPath and testutil.AddSearchPath establish
// for migrations and tests.
func openDB(dsn, searchPath string) (*sql.DB, error) {
	separator := "?"
	for _, r := range dsn {
		if r == '?' {
			separator = "&"
			break
		}
	}
	db, err := sql.Open("pgx", fmt.Sprintf("%s%ssearch_path=%s", dsn, separator, searchPath))
	if err != nil {
		return nil, fmt.Errorf("daemon: open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("daemon: ping db: %w", err)
	}
	return db, nil
}
