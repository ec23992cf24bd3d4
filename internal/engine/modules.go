package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/Kecupro/SoftwareManage-sub001/internal/audit"
	"github.com/Kecupro/SoftwareManage-sub001/internal/domain"
	"github.com/Kecupro/SoftwareManage-sub001/internal/engine/auth"
	"github.com/Kecupro/SoftwareManage-sub001/internal/repo"
)

// statusLane lists the primary-lane moves. accepted and rejected are only
// reachable through the delivery lane and have no exits here.
var statusLane = map[string][]string{
	domain.ModulePlanning:      {domain.ModuleInDevelopment},
	domain.ModuleInDevelopment: {domain.ModuleTesting, domain.ModulePlanning},
	domain.ModuleTesting:       {domain.ModuleCompleted, domain.ModuleInDevelopment},
	domain.ModuleCompleted:     {domain.ModuleDelivered, domain.ModuleMaintenance},
	domain.ModuleDelivered:     {domain.ModuleMaintenance},
	domain.ModuleMaintenance:   {domain.ModuleInDevelopment},
}

// CanMoveStatus reports whether the primary lane allows from -> to.
func CanMoveStatus(from, to string) bool {
	return domain.Contains(statusLane[from], to)
}

type ModuleInput struct {
	Name        string
	Description string
	ProjectID   string
	Priority    string
	StartDate   string
	EndDate     string
	PartnerID   string
	AssignedTo  string
	QA          string
	Reviewer    string
	DevOps      string
}

// ModuleUpdate holds the generic editable fields. Nil fields are left
// unchanged; an empty string clears an assignment.
type ModuleUpdate struct {
	Name        *string
	Description *string
	Priority    *string
	StartDate   *string
	EndDate     *string
	AssignedTo  *string
	QA          *string
	Reviewer    *string
	DevOps      *string
}

func (e Engine) checkAssignments(ctx context.Context, assigned, qa, reviewer, devops string) error {
	for _, f := range []struct{ field, id string }{
		{"assigned_to", assigned}, {"qa", qa}, {"reviewer", reviewer}, {"dev_ops", devops},
	} {
		if err := e.checkInternalUser(ctx, f.field, f.id); err != nil {
			return err
		}
	}
	return nil
}

// CreateModule adds a module directly under a project, outside the request
// flow.
func (e Engine) CreateModule(ctx context.Context, in ModuleInput, actorID string) (m domain.Module, err error) {
	defer func() { e.observe(domain.KindModule, "create", err) }()
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return m, err
	}
	if in.ProjectID == "" {
		return m, ValidationError{Field: "project_id", Reason: "required"}
	}
	project, err := e.Repo.GetProject(ctx, in.ProjectID)
	if errors.Is(err, repo.ErrNotFound) {
		return m, ValidationError{Field: "project_id", Reason: "unknown project " + in.ProjectID}
	}
	if err != nil {
		return m, err
	}
	if err := e.authorize(actor, auth.ActionModuleCreate, auth.Target{Project: &project}); err != nil {
		return m, err
	}
	in.Name = strings.TrimSpace(in.Name)
	in.Priority = priorityOrDefault(in.Priority)
	if err := checkLength("name", in.Name, 2, 100); err != nil {
		return m, err
	}
	if err := checkLength("description", in.Description, 0, 1000); err != nil {
		return m, err
	}
	if err := checkEnum("priority", in.Priority, domain.Priorities); err != nil {
		return m, err
	}
	dates, err := normalizeTimeline("dates", domain.Timeline{Start: in.StartDate, End: in.EndDate})
	if err != nil {
		return m, err
	}
	if err := e.checkAssignments(ctx, in.AssignedTo, in.QA, in.Reviewer, in.DevOps); err != nil {
		return m, err
	}
	if in.PartnerID != "" {
		if _, err := e.Repo.GetPartner(ctx, in.PartnerID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return m, ValidationError{Field: "partner_id", Reason: "unknown partner " + in.PartnerID}
			}
			return m, err
		}
	}

	ts := e.ts()
	m = domain.Module{
		ID:          uuid.NewString(),
		Name:        in.Name,
		Description: strings.TrimSpace(in.Description),
		ProjectID:   project.ID,
		Status:      domain.ModulePlanning,
		Priority:    in.Priority,
		StartDate:   dates.Start,
		EndDate:     dates.End,
		Delivery: domain.Delivery{
			Source:    domain.SourceInternal,
			PartnerID: in.PartnerID,
			Files:     []domain.AttachmentRef{},
		},
		DeliveryStatus: domain.DeliveryPending,
		AssignedTo:     in.AssignedTo,
		QA:             in.QA,
		Reviewer:       in.Reviewer,
		DevOps:         in.DevOps,
		Version:        1,
		CreatedAt:      ts,
		UpdatedAt:      ts,
	}
	for attempt := 0; ; attempt++ {
		m.Code = e.Codes.Generate(project.Code, m.Name)
		err = e.insertModule(ctx, m, actor.ID)
		if !errors.Is(err, repo.ErrDuplicateCode) {
			break
		}
		if attempt == 1 {
			return m, DuplicateCodeError{Code: m.Code}
		}
	}
	if err != nil {
		return m, err
	}
	return e.loadModule(ctx, m.ID)
}

func (e Engine) insertModule(ctx context.Context, m domain.Module, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertModule(ctx, tx, m); err != nil {
		return err
	}
	if err := e.history(ctx, tx, domain.KindModule, m.ID, audit.Entry{Actor: actorID, Action: audit.ActionCreated}); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateModule edits the generic fields of a module. Every call persists the
// module, so progress is re-derived even when nothing else changed.
func (e Engine) UpdateModule(ctx context.Context, id string, in ModuleUpdate, actorID string) (m domain.Module, err error) {
	defer func() { e.observe(domain.KindModule, "update", err) }()
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return m, err
	}
	cur, err := e.Repo.GetModule(ctx, id)
	if err != nil {
		return m, err
	}
	project, err := e.Repo.GetProject(ctx, cur.ProjectID)
	if err != nil {
		return m, err
	}
	if err := e.authorize(actor, auth.ActionModuleUpdate, auth.Target{Project: &project, Module: &cur}); err != nil {
		return m, err
	}

	next := cur
	apply := func(dst *string, v *string) {
		if v != nil {
			*dst = strings.TrimSpace(*v)
		}
	}
	apply(&next.Name, in.Name)
	apply(&next.Description, in.Description)
	apply(&next.Priority, in.Priority)
	apply(&next.StartDate, in.StartDate)
	apply(&next.EndDate, in.EndDate)
	apply(&next.AssignedTo, in.AssignedTo)
	apply(&next.QA, in.QA)
	apply(&next.Reviewer, in.Reviewer)
	apply(&next.DevOps, in.DevOps)
	if in.Priority != nil {
		next.Priority = priorityOrDefault(next.Priority)
	}
	if err := checkLength("name", next.Name, 2, 100); err != nil {
		return m, err
	}
	if err := checkLength("description", next.Description, 0, 1000); err != nil {
		return m, err
	}
	if err := checkEnum("priority", next.Priority, domain.Priorities); err != nil {
		return m, err
	}
	dates, err := normalizeTimeline("dates", domain.Timeline{Start: next.StartDate, End: next.EndDate})
	if err != nil {
		return m, err
	}
	next.StartDate, next.EndDate = dates.Start, dates.End
	if err := e.checkAssignments(ctx, next.AssignedTo, next.QA, next.Reviewer, next.DevOps); err != nil {
		return m, err
	}

	changes := audit.Changes{}.
		Add("name", cur.Name, next.Name).
		Add("description", cur.Description, next.Description).
		Add("priority", cur.Priority, next.Priority).
		Add("start_date", cur.StartDate, next.StartDate).
		Add("end_date", cur.EndDate, next.EndDate).
		Add("assigned_to", cur.AssignedTo, next.AssignedTo).
		Add("qa", cur.QA, next.QA).
		Add("reviewer", cur.Reviewer, next.Reviewer).
		Add("dev_ops", cur.DevOps, next.DevOps)
	var p repo.Patch
	for _, c := range changes {
		p.Set(c.Field, c.NewValue)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return m, err
	}
	defer tx.Rollback()
	if err := e.saveModule(ctx, tx, id, p, nil); err != nil {
		return m, err
	}
	if len(changes) > 0 {
		if err := e.history(ctx, tx, domain.KindModule, id, audit.Entry{Actor: actor.ID, Action: audit.ActionUpdated, Changes: changes}); err != nil {
			return m, err
		}
	}
	if err := tx.Commit(); err != nil {
		return m, err
	}
	return e.loadModule(ctx, id)
}

// UpdateModuleStatus moves a module along the primary lane.
func (e Engine) UpdateModuleStatus(ctx context.Context, id, status, note, actorID string) (m domain.Module, err error) {
	defer func() { e.observe(domain.KindModule, "status", err) }()
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return m, err
	}
	status = strings.TrimSpace(status)
	if err := checkEnum("status", status, domain.ModuleStatuses); err != nil {
		return m, err
	}
	cur, err := e.Repo.GetModule(ctx, id)
	if err != nil {
		return m, err
	}
	if err := e.authorize(actor, auth.ActionModuleStatus, auth.Target{Module: &cur}); err != nil {
		return m, err
	}
	if !CanMoveStatus(cur.Status, status) {
		return m, InvalidTransitionError{Entity: domain.KindModule, ID: id, Field: "status", Current: cur.Status, Target: status}
	}

	var p repo.Patch
	p.Set("status", status)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return m, err
	}
	defer tx.Rollback()
	if err := e.saveModule(ctx, tx, id, p, &repo.Guard{Column: "status", Equals: cur.Status}); err != nil {
		if errors.Is(err, repo.ErrConditionFailed) {
			return m, e.lostModuleRace(ctx, cur, "status", status)
		}
		return m, err
	}
	if err := e.history(ctx, tx, domain.KindModule, id, audit.Entry{
		Actor:   actor.ID,
		Action:  audit.ActionStatusChanged,
		Note:    strings.TrimSpace(note),
		Changes: audit.Changes{}.Add("status", cur.Status, status),
	}); err != nil {
		return m, err
	}
	if err := tx.Commit(); err != nil {
		return m, err
	}
	return e.loadModule(ctx, id)
}

// GetModule returns a module with its history if actorID may see it.
func (e Engine) GetModule(ctx context.Context, id, actorID string) (domain.Module, error) {
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return domain.Module{}, err
	}
	m, err := e.loadModule(ctx, id)
	if err != nil {
		return m, err
	}
	if !auth.CanAccess(actor, auth.Target{Module: &m}) {
		return domain.Module{}, repo.ErrNotFound
	}
	return m, nil
}

// lostModuleRace re-reads the module after a failed guard on field.
func (e Engine) lostModuleRace(ctx context.Context, m domain.Module, field, target string) error {
	e.Metrics.CASConflict(domain.KindModule)
	current := m.Status
	if field == "delivery_status" {
		current = m.DeliveryStatus
	}
	if fresh, err := e.Repo.GetModule(ctx, m.ID); err == nil {
		current = fresh.Status
		if field == "delivery_status" {
			current = fresh.DeliveryStatus
		}
	}
	return InvalidTransitionError{
		Entity:  domain.KindModule,
		ID:      m.ID,
		Field:   field,
		Current: current,
		Target:  target,
		Err:     ErrAlreadyProcessed,
	}
}
