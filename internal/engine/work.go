package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/Kecupro/SoftwareManage-sub001/internal/audit"
	"github.com/Kecupro/SoftwareManage-sub001/internal/domain"
	"github.com/Kecupro/SoftwareManage-sub001/internal/engine/auth"
	"github.com/Kecupro/SoftwareManage-sub001/internal/repo"
)

type TaskInput struct {
	ProjectID   string
	ModuleID    string
	ParentID    string
	Title       string
	Description string
	Status      string
	AssigneeID  string
}

// TaskUpdate holds the editable task fields. Nil fields are left unchanged.
type TaskUpdate struct {
	Title       *string
	Description *string
	Status      *string
	AssigneeID  *string
}

type StoryInput struct {
	ModuleID    string
	Title       string
	Description string
	Status      string
}

type StoryUpdate struct {
	Title       *string
	Description *string
	Status      *string
}

func (e Engine) workActor(ctx context.Context, actorID string) (domain.User, error) {
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return actor, err
	}
	return actor, e.authorize(actor, auth.ActionWorkItemWrite, auth.Target{})
}

// touchParents re-persists the parents of a task so their derived progress
// follows the change. Each parent is saved once; saving never cascades
// further up.
func (e Engine) touchParents(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	if t.ParentID != "" {
		if err := e.saveTask(ctx, tx, t.ParentID, repo.Patch{}); err != nil {
			return err
		}
	}
	if t.ModuleID != "" {
		return e.saveModule(ctx, tx, t.ModuleID, repo.Patch{}, nil)
	}
	return nil
}

func (e Engine) CreateTask(ctx context.Context, in TaskInput, actorID string) (t domain.Task, err error) {
	defer func() { e.observe(domain.KindTask, "create", err) }()
	actor, err := e.workActor(ctx, actorID)
	if err != nil {
		return t, err
	}
	in.Title = strings.TrimSpace(in.Title)
	if err := checkLength("title", in.Title, 1, 200); err != nil {
		return t, err
	}
	if in.Status == "" {
		in.Status = domain.TaskTodo
	}
	if err := checkEnum("status", in.Status, domain.TaskStatuses); err != nil {
		return t, err
	}
	if err := e.checkInternalUser(ctx, "assignee_id", in.AssigneeID); err != nil {
		return t, err
	}
	if in.ParentID != "" {
		parent, err := e.Repo.GetTask(ctx, in.ParentID)
		if errors.Is(err, repo.ErrNotFound) {
			return t, ValidationError{Field: "parent_id", Reason: "unknown task " + in.ParentID}
		}
		if err != nil {
			return t, err
		}
		if in.ProjectID == "" {
			in.ProjectID = parent.ProjectID
		}
		if in.ModuleID == "" {
			in.ModuleID = parent.ModuleID
		}
		if parent.ProjectID != in.ProjectID || parent.ModuleID != in.ModuleID {
			return t, ValidationError{Field: "parent_id", Reason: "parent belongs to another project or module"}
		}
	}
	if in.ModuleID != "" {
		m, err := e.Repo.GetModule(ctx, in.ModuleID)
		if errors.Is(err, repo.ErrNotFound) {
			return t, ValidationError{Field: "module_id", Reason: "unknown module " + in.ModuleID}
		}
		if err != nil {
			return t, err
		}
		if in.ProjectID == "" {
			in.ProjectID = m.ProjectID
		}
		if m.ProjectID != in.ProjectID {
			return t, ValidationError{Field: "module_id", Reason: "module belongs to another project"}
		}
	}
	if in.ProjectID == "" {
		return t, ValidationError{Field: "project_id", Reason: "required"}
	}
	if _, err := e.Repo.GetProject(ctx, in.ProjectID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return t, ValidationError{Field: "project_id", Reason: "unknown project " + in.ProjectID}
		}
		return t, err
	}

	ts := e.ts()
	t = domain.Task{
		ID:          uuid.NewString(),
		ProjectID:   in.ProjectID,
		ModuleID:    in.ModuleID,
		ParentID:    in.ParentID,
		Title:       in.Title,
		Description: strings.TrimSpace(in.Description),
		Status:      in.Status,
		AssigneeID:  in.AssigneeID,
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.history(ctx, tx, domain.KindTask, t.ID, audit.Entry{Actor: actor.ID, Action: audit.ActionCreated}); err != nil {
		return t, err
	}
	if err := e.touchParents(ctx, tx, t); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return e.GetTask(ctx, t.ID, actorID)
}

func (e Engine) UpdateTask(ctx context.Context, id string, in TaskUpdate, actorID string) (t domain.Task, err error) {
	defer func() { e.observe(domain.KindTask, "update", err) }()
	actor, err := e.workActor(ctx, actorID)
	if err != nil {
		return t, err
	}
	cur, err := e.Repo.GetTask(ctx, id)
	if err != nil {
		return t, err
	}
	next := cur
	if in.Title != nil {
		next.Title = strings.TrimSpace(*in.Title)
	}
	if in.Description != nil {
		next.Description = strings.TrimSpace(*in.Description)
	}
	if in.Status != nil {
		next.Status = strings.TrimSpace(*in.Status)
	}
	if in.AssigneeID != nil {
		next.AssigneeID = strings.TrimSpace(*in.AssigneeID)
	}
	if err := checkLength("title", next.Title, 1, 200); err != nil {
		return t, err
	}
	if err := checkEnum("status", next.Status, domain.TaskStatuses); err != nil {
		return t, err
	}
	if next.AssigneeID != cur.AssigneeID {
		if err := e.checkInternalUser(ctx, "assignee_id", next.AssigneeID); err != nil {
			return t, err
		}
	}

	changes := audit.Changes{}.
		Add("title", cur.Title, next.Title).
		Add("description", cur.Description, next.Description).
		Add("status", cur.Status, next.Status).
		Add("assignee_id", cur.AssigneeID, next.AssigneeID)
	var p repo.Patch
	for _, c := range changes {
		p.Set(c.Field, c.NewValue)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := e.saveTask(ctx, tx, id, p); err != nil {
		return t, err
	}
	if len(changes) > 0 {
		action := audit.ActionUpdated
		if len(changes) == 1 && changes[0].Field == "status" {
			action = audit.ActionStatusChanged
		}
		if err := e.history(ctx, tx, domain.KindTask, id, audit.Entry{Actor: actor.ID, Action: action, Changes: changes}); err != nil {
			return t, err
		}
	}
	if err := e.touchParents(ctx, tx, cur); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return e.GetTask(ctx, id, actorID)
}

// GetTask returns a task with its history. Tasks are internal.
func (e Engine) GetTask(ctx context.Context, id, actorID string) (domain.Task, error) {
	if _, err := e.workActor(ctx, actorID); err != nil {
		return domain.Task{}, err
	}
	t, err := e.Repo.GetTask(ctx, id)
	if err != nil {
		return t, err
	}
	t.History, err = e.Repo.History(ctx, domain.KindTask, id)
	return t, err
}

func (e Engine) CreateStory(ctx context.Context, in StoryInput, actorID string) (s domain.UserStory, err error) {
	defer func() { e.observe("user_story", "create", err) }()
	if _, err := e.workActor(ctx, actorID); err != nil {
		return s, err
	}
	in.Title = strings.TrimSpace(in.Title)
	if err := checkLength("title", in.Title, 1, 200); err != nil {
		return s, err
	}
	if in.Status == "" {
		in.Status = domain.StoryTodo
	}
	if err := checkEnum("status", in.Status, domain.StoryStatuses); err != nil {
		return s, err
	}
	if in.ModuleID == "" {
		return s, ValidationError{Field: "module_id", Reason: "required"}
	}
	if _, err := e.Repo.GetModule(ctx, in.ModuleID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return s, ValidationError{Field: "module_id", Reason: "unknown module " + in.ModuleID}
		}
		return s, err
	}

	ts := e.ts()
	s = domain.UserStory{
		ID:          uuid.NewString(),
		ModuleID:    in.ModuleID,
		Title:       in.Title,
		Description: strings.TrimSpace(in.Description),
		Status:      in.Status,
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertStory(ctx, tx, s); err != nil {
		return s, err
	}
	if err := e.saveModule(ctx, tx, s.ModuleID, repo.Patch{}, nil); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	return s, nil
}

func (e Engine) UpdateStory(ctx context.Context, id string, in StoryUpdate, actorID string) (s domain.UserStory, err error) {
	defer func() { e.observe("user_story", "update", err) }()
	if _, err := e.workActor(ctx, actorID); err != nil {
		return s, err
	}
	cur, err := e.Repo.GetStory(ctx, id)
	if err != nil {
		return s, err
	}
	next := cur
	if in.Title != nil {
		next.Title = strings.TrimSpace(*in.Title)
	}
	if in.Description != nil {
		next.Description = strings.TrimSpace(*in.Description)
	}
	if in.Status != nil {
		next.Status = strings.TrimSpace(*in.Status)
	}
	if err := checkLength("title", next.Title, 1, 200); err != nil {
		return s, err
	}
	if err := checkEnum("status", next.Status, domain.StoryStatuses); err != nil {
		return s, err
	}
	changes := audit.Changes{}.
		Add("title", cur.Title, next.Title).
		Add("description", cur.Description, next.Description).
		Add("status", cur.Status, next.Status)
	var p repo.Patch
	for _, c := range changes {
		p.Set(c.Field, c.NewValue)
	}
	next.UpdatedAt = e.ts()
	p.Set("updated_at", next.UpdatedAt)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()
	if err := e.Repo.PatchStory(ctx, tx, id, p); err != nil {
		return s, err
	}
	if err := e.saveModule(ctx, tx, cur.ModuleID, repo.Patch{}, nil); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	return next, nil
}
