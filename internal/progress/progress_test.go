package progress_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kecupro/SoftwareManage-sub001/internal/db"
	"github.com/Kecupro/SoftwareManage-sub001/internal/migrate"
	"github.com/Kecupro/SoftwareManage-sub001/internal/progress"
)

func TestRatio(t *testing.T) {
	cases := []struct {
		done, total, want int
		ok                bool
	}{
		{0, 0, 0, false},
		{0, 3, 0, true},
		{1, 3, 33, true},
		{2, 3, 67, true},
		{3, 4, 75, true},
		{1, 8, 13, true},
		{5, 5, 100, true},
	}
	for _, c := range cases {
		got, ok := progress.Ratio(c.done, c.total)
		assert.Equal(t, c.ok, ok, "%d/%d", c.done, c.total)
		assert.Equal(t, c.want, got, "%d/%d", c.done, c.total)
	}
}

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, db.DriverSQLite))
	return conn
}

func exec(t *testing.T, conn *sql.DB, query string, args ...any) {
	t.Helper()
	_, err := conn.Exec(query, args...)
	require.NoError(t, err)
}

func TestModuleAndTaskDerivation(t *testing.T) {
	conn := openDB(t)
	ts := "2024-01-01T00:00:00Z"
	exec(t, conn, `INSERT INTO projects(id, code, name, status, created_at) VALUES ('p1','PRJ','Platform','active',?)`, ts)
	exec(t, conn, `INSERT INTO modules(id, code, name, project_id, status, priority, delivery_source, delivery_status, created_at, updated_at) VALUES ('m1','PRJ_X_1','X','p1','planning','medium','internal','',?,?)`, ts, ts)
	for _, row := range [][]any{
		{"t1", nil, "done"},
		{"t2", nil, "todo"},
		{"t3", nil, "done"},
		{"t1a", "t1", "done"},
		{"t1b", "t1", "in-progress"},
	} {
		exec(t, conn, `INSERT INTO tasks(id, project_id, module_id, parent_id, title, status, created_at, updated_at) VALUES (?, 'p1', 'm1', ?, 'work', ?, ?, ?)`, row[0], row[1], row[2], ts, ts)
	}
	exec(t, conn, `INSERT INTO user_stories(id, module_id, title, status, created_at, updated_at) VALUES ('s1','m1','story','todo',?,?)`, ts, ts)

	d := progress.Deriver{Driver: db.DriverSQLite}
	ctx := context.Background()

	pct, ok, err := d.Module(ctx, conn, "m1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 50, pct) // t1, t3 done of t1..t3 and s1

	pct, ok, err = d.Task(ctx, conn, "t1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 50, pct)

	_, ok, err = d.Task(ctx, conn, "t2")
	require.NoError(t, err)
	assert.False(t, ok)
}
