package migrate_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"promptline/internal/db"
	"promptline/internal/migrate"
)

func TestMigrateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()

	applied, err := migrate.Migrate(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, []string{"0001_init.sql"}, applied)

	applied, err = migrate.Migrate(ctx, conn)
	require.NoError(t, err)
	assert.Empty(t, applied)

	var n int
	require.NoError(t, conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n))
	assert.Zero(t, n)
}
