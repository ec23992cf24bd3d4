package migrate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kecupro/SoftwareManage-sub001/internal/db"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	steps, err := Steps()
	require.NoError(t, err)
	require.NotEmpty(t, steps)

	require.NoError(t, Migrate(conn, db.DriverSQLite))
	require.NoError(t, Migrate(conn, db.DriverSQLite))

	v, err := Version(conn)
	require.NoError(t, err)
	assert.Equal(t, steps[len(steps)-1].Version, v)

	var applied int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&applied))
	assert.Equal(t, len(steps), applied)

	for _, table := range []string{"partners", "users", "api_keys", "projects", "module_requests", "modules", "tasks", "user_stories", "history", "notifications", "attachments"} {
		var n int
		assert.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM `+table).Scan(&n), table)
	}
}
