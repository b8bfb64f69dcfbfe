package migrations

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abilian/abilian-core/internal/db/dbmanager"
)

func TestUpSQLite(t *testing.T) {
	ctx := context.Background()
	db, err := dbmanager.Open(ctx, "sqlite://"+filepath.Join(t.TempDir(), "m.db"), dbmanager.PoolConfig{})
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, Up(ctx, db))
	require.NoError(t, Up(ctx, db))

	v, err := Version(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	var name string
	require.NoError(t, db.SQL().QueryRowContext(ctx, "SELECT name FROM entities WHERE id = 0").Scan(&name))
	assert.Equal(t, "system", name)

	// role assignments are unique even with NULL columns
	_, err = db.SQL().ExecContext(ctx, "INSERT INTO role_assignments (role, user_id) VALUES ('admin', 0)")
	require.NoError(t, err)
	_, err = db.SQL().ExecContext(ctx, "INSERT INTO role_assignments (role, user_id) VALUES ('admin', 0)")
	assert.Error(t, err)
}
