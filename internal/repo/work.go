package repo

import (
	"context"
	"database/sql"

	"github.com/Kecupro/SoftwareManage-sub001/internal/domain"
)

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := r.q(tx).ExecContext(ctx, r.bind(`INSERT INTO tasks(id,project_id,module_id,parent_id,title,description,status,assignee_id,progress,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`),
		t.ID, t.ProjectID, nullable(t.ModuleID), nullable(t.ParentID), t.Title, nullable(t.Description), t.Status,
		nullable(t.AssigneeID), t.Progress, t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return r.getTask(ctx, r.DB, id)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return r.getTask(ctx, tx, id)
}

func (r Repo) getTask(ctx context.Context, q Querier, id string) (domain.Task, error) {
	var t domain.Task
	err := q.QueryRowContext(ctx, r.bind(`SELECT id,project_id,COALESCE(module_id,''),COALESCE(parent_id,''),title,COALESCE(description,''),
status,COALESCE(assignee_id,''),progress,created_at,updated_at FROM tasks WHERE id=?`), id).Scan(
		&t.ID, &t.ProjectID, &t.ModuleID, &t.ParentID, &t.Title, &t.Description,
		&t.Status, &t.AssigneeID, &t.Progress, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) PatchTask(ctx context.Context, tx *sql.Tx, id string, p Patch) error {
	return r.apply(ctx, r.q(tx), "tasks", id, p, nil)
}

func (r Repo) InsertStory(ctx context.Context, tx *sql.Tx, s domain.UserStory) error {
	_, err := r.q(tx).ExecContext(ctx, r.bind(`INSERT INTO user_stories(id,module_id,title,description,status,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`),
		s.ID, s.ModuleID, s.Title, nullable(s.Description), s.Status, s.CreatedAt, s.UpdatedAt)
	return err
}

func (r Repo) GetStory(ctx context.Context, id string) (domain.UserStory, error) {
	var s domain.UserStory
	err := r.DB.QueryRowContext(ctx, r.bind(`SELECT id,module_id,title,COALESCE(description,''),status,created_at,updated_at FROM user_stories WHERE id=?`), id).
		Scan(&s.ID, &s.ModuleID, &s.Title, &s.Description, &s.Status, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

func (r Repo) PatchStory(ctx context.Context, tx *sql.Tx, id string, p Patch) error {
	return r.apply(ctx, r.q(tx), "user_stories", id, p, nil)
}
