package audit_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kecupro/SoftwareManage-sub001/internal/audit"
	"github.com/Kecupro/SoftwareManage-sub001/internal/db"
	"github.com/Kecupro/SoftwareManage-sub001/internal/domain"
	"github.com/Kecupro/SoftwareManage-sub001/internal/migrate"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, db.DriverSQLite))
	return conn
}

func appendEntry(t *testing.T, conn *sql.DB, w audit.Writer, kind, id string, e audit.Entry) error {
	t.Helper()
	ctx := context.Background()
	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	if err := w.Append(ctx, tx, kind, id, e); err != nil {
		return err
	}
	return tx.Commit()
}

func TestAppendNumbersEntriesPerEntity(t *testing.T) {
	conn := openDB(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	w := audit.Writer{Driver: db.DriverSQLite, Now: func() time.Time { return now }}

	require.NoError(t, appendEntry(t, conn, w, domain.KindModule, "m1", audit.Entry{Actor: "pm", Action: audit.ActionCreated}))
	require.NoError(t, appendEntry(t, conn, w, domain.KindModule, "m1", audit.Entry{
		Actor:   "dev",
		Action:  audit.ActionUpdated,
		Note:    "rename",
		Changes: audit.Changes{}.Add("name", "Old", "New"),
	}))
	require.NoError(t, appendEntry(t, conn, w, domain.KindModule, "m2", audit.Entry{Actor: "pm", Action: audit.ActionCreated}))

	rows, err := conn.Query(`SELECT entity_id, seq, actor_id, action, ts, COALESCE(note,''), COALESCE(changes_json,'') FROM history ORDER BY entity_id, seq`)
	require.NoError(t, err)
	defer rows.Close()
	type row struct {
		id, actor, action, ts, note, changes string
		seq                                  int
	}
	var got []row
	for rows.Next() {
		var r row
		require.NoError(t, rows.Scan(&r.id, &r.seq, &r.actor, &r.action, &r.ts, &r.note, &r.changes))
		got = append(got, r)
	}
	require.NoError(t, rows.Err())
	require.Len(t, got, 3)

	assert.Equal(t, 1, got[0].seq)
	assert.Equal(t, 2, got[1].seq)
	assert.Equal(t, "m2", got[2].id)
	assert.Equal(t, 1, got[2].seq)
	assert.Equal(t, "2026-03-01T10:00:00Z", got[0].ts)
	assert.Empty(t, got[0].changes)
	assert.Equal(t, "rename", got[1].note)
	assert.JSONEq(t, `[{"field":"name","old_value":"Old","new_value":"New"}]`, got[1].changes)
}

func TestAppendRequiresActorAndAction(t *testing.T) {
	conn := openDB(t)
	w := audit.Writer{Driver: db.DriverSQLite}

	err := appendEntry(t, conn, w, domain.KindModule, "m1", audit.Entry{Action: audit.ActionCreated})
	assert.Error(t, err)
	err = appendEntry(t, conn, w, domain.KindModule, "m1", audit.Entry{Actor: "pm"})
	assert.Error(t, err)
	err = appendEntry(t, conn, w, "", "m1", audit.Entry{Actor: "pm", Action: audit.ActionCreated})
	assert.Error(t, err)

	var n int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM history`).Scan(&n))
	assert.Zero(t, n)
}

func TestRolledBackEntryLeavesNoTrace(t *testing.T) {
	conn := openDB(t)
	w := audit.Writer{Driver: db.DriverSQLite}
	ctx := context.Background()

	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, w.Append(ctx, tx, domain.KindRequest, "r1", audit.Entry{Actor: "pm", Action: audit.ActionApproved}))
	require.NoError(t, tx.Rollback())

	var n int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM history`).Scan(&n))
	assert.Zero(t, n)
}

func TestChangesSkipsEqualValues(t *testing.T) {
	c := audit.Changes{}.
		Add("name", "a", "a").
		Add("priority", "low", "high").
		Add("risks", []string{"x"}, []string{"x"}).
		Add("hours", 1.5, 2.0)
	require.Len(t, c, 2)
	assert.Equal(t, "priority", c[0].Field)
	assert.Equal(t, "hours", c[1].Field)
	assert.Equal(t, 1.5, c[1].OldValue)
}
