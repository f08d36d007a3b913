package schema

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"

	"github.com/tzeusy/butlers/internal/testutil"
)

func TestRunChainAppliesSharedAndButlerChains(t *testing.T) {
	dsn := testutil.SharedPostgresDSN(t)
	sharedSchema := testutil.NewSchema(t, dsn)
	butlerSchema := testutil.NewSchema(t, dsn)

	mgr := NewManager(dsn)
	ctx := context.Background()

	require.NoError(t, mgr.RunChain(ctx, Shared(), sharedSchema))
	require.NoError(t, mgr.RunChain(ctx, Butler(), butlerSchema))

	// Re-running is idempotent (ErrNoChange swallowed).
	require.NoError(t, mgr.RunChain(ctx, Shared(), sharedSchema))

	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	defer db.Close()

	var exists bool
	err = db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.tables
			WHERE table_schema = $1 AND table_name = 'message_inbox'
		)`, sharedSchema).Scan(&exists)
	require.NoError(t, err)
	require.True(t, exists)

	err = db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.tables
			WHERE table_schema = $1 AND table_name = 'sessions'
		)`, butlerSchema).Scan(&exists)
	require.NoError(t, err)
	require.True(t, exists)
}

func TestSearchPath(t *testing.T) {
	require.Equal(t, "health, shared, public", SearchPath("health"))
}
