// Package testutil provides shared Postgres testcontainer helpers for the
// core's store-level integration tests.
package testutil

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	sharedConnStr string
	containerOnce sync.Once
	containerErr  error
)

// SharedPostgresDSN returns a connection string to a Postgres instance shared
// across the package's tests, starting a testcontainer on first use (or
// reusing TEST_DATABASE_URL when set, e.g. in CI).
func SharedPostgresDSN(t *testing.T) string {
	t.Helper()
	containerOnce.Do(func() {
		if external := envDatabaseURL(); external != "" {
			sharedConnStr = external
			return
		}

		ctx := context.Background()
		pgContainer, err := postgres.Run(ctx,
			"postgres:17-alpine",
			postgres.WithDatabase("butlers_test"),
			postgres.WithUsername("butlers_test"),
			postgres.WithPassword("butlers_test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			containerErr = fmt.Errorf("start postgres testcontainer: %w", err)
			return
		}

		connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			containerErr = fmt.Errorf("get testcontainer connection string: %w", err)
			return
		}
		sharedConnStr = connStr
	})

	require.NoError(t, containerErr, "failed to set up shared postgres test container")
	return sharedConnStr
}

// NewSchema creates a fresh, uniquely-named schema on the shared test
// database and registers a cleanup to drop it.
func NewSchema(t *testing.T, dsn string) string {
	t.Helper()
	name := uniqueSchemaName(t)

	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.ExecContext(context.Background(), fmt.Sprintf(`CREATE SCHEMA %q`, name))
	require.NoError(t, err)

	t.Cleanup(func() {
		_, _ = db.ExecContext(context.Background(), fmt.Sprintf(`DROP SCHEMA IF EXISTS %q CASCADE`, name))
	})

	return name
}

func uniqueSchemaName(t *testing.T) string {
	clean := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, strings.ToLower(t.Name()))
	if len(clean) > 32 {
		clean = clean[:32]
	}
	buf := make([]byte, 4)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("test_%s_%s", clean, hex.EncodeToString(buf))
}

func envDatabaseURL() string {
	return lookupEnv("TEST_DATABASE_URL")
}

// AddSearchPath appends a search_path query parameter to a Postgres
// connection string so every pooled connection resolves unqualified table
// names against schemaName first.
func AddSearchPath(dsn, schemaName string) string {
	separator := "?"
	if strings.Contains(dsn, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%ssearch_path=%s", dsn, separator, schemaName)
}
