// Package progress derives a parent's completion percentage from the status of
// its direct children. It only reads; persisting the value is left to the
// caller's save path so a derivation never triggers another save.
package progress

import (
	"context"
	"database/sql"
	"math"

	"github.com/Kecupro/SoftwareManage-sub001/internal/db"
	"github.com/Kecupro/SoftwareManage-sub001/internal/domain"
)

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Deriver struct {
	Driver string
}

// Module counts top-level tasks and user stories of moduleID. ok is false when
// the module has no children, in which case its progress must stay unchanged.
func (d Deriver) Module(ctx context.Context, q Querier, moduleID string) (pct int, ok bool, err error) {
	var tasksTotal, tasksDone, storiesTotal, storiesDone int
	err = q.QueryRowContext(ctx, db.Rebind(d.Driver, `SELECT COUNT(*), COALESCE(SUM(CASE WHEN status IN (?,?) THEN 1 ELSE 0 END),0)
FROM tasks WHERE module_id=? AND parent_id IS NULL`), domain.TaskDone, "completed", moduleID).Scan(&tasksTotal, &tasksDone)
	if err != nil {
		return 0, false, err
	}
	err = q.QueryRowContext(ctx, db.Rebind(d.Driver, `SELECT COUNT(*), COALESCE(SUM(CASE WHEN status IN (?,?) THEN 1 ELSE 0 END),0)
FROM user_stories WHERE module_id=?`), domain.StoryCompleted, "done", moduleID).Scan(&storiesTotal, &storiesDone)
	if err != nil {
		return 0, false, err
	}
	pct, ok = Ratio(tasksDone+storiesDone, tasksTotal+storiesTotal)
	return pct, ok, nil
}

// Task derives a task's progress from its direct sub-tasks.
func (d Deriver) Task(ctx context.Context, q Querier, taskID string) (pct int, ok bool, err error) {
	var total, done int
	err = q.QueryRowContext(ctx, db.Rebind(d.Driver, `SELECT COUNT(*), COALESCE(SUM(CASE WHEN status IN (?,?) THEN 1 ELSE 0 END),0)
FROM tasks WHERE parent_id=?`), domain.TaskDone, "completed", taskID).Scan(&total, &done)
	if err != nil {
		return 0, false, err
	}
	pct, ok = Ratio(done, total)
	return pct, ok, nil
}

// Ratio returns round(100*done/total); ok is false for total == 0.
func Ratio(done, total int) (int, bool) {
	if total <= 0 {
		return 0, false
	}
	return int(math.Round(100 * float64(done) / float64(total))), true
}
