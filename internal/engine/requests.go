package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Kecupro/SoftwareManage-sub001/internal/audit"
	"github.com/Kecupro/SoftwareManage-sub001/internal/domain"
	"github.com/Kecupro/SoftwareManage-sub001/internal/engine/auth"
	"github.com/Kecupro/SoftwareManage-sub001/internal/notify"
	"github.com/Kecupro/SoftwareManage-sub001/internal/repo"
)

type RequestInput struct {
	Name           string
	Description    string
	PartnerID      string
	ProjectID      string
	Priority       string
	EstimatedHours float64
	Timeline       domain.Timeline
	Requirements   domain.Requirements
	Attachments    []domain.AttachmentRef
}

// RequestUpdate holds the editable fields of a pending request. Nil fields
// are left unchanged.
type RequestUpdate struct {
	Name           *string
	Description    *string
	Priority       *string
	EstimatedHours *float64
	Timeline       *domain.Timeline
	Requirements   *domain.Requirements
	Attachments    *[]domain.AttachmentRef
}

// ApprovalInput carries the reviewer's assessment recorded on approval.
type ApprovalInput struct {
	ReviewNote              string
	EstimatedEffort         string
	TechnicalFeasibility    string
	RecommendedTechnologies []string
	Risks                   []string
	Suggestions             string
	AssignedTo              string
}

// ApprovalResult is the approved request together with the module it created.
type ApprovalResult struct {
	Request domain.ModuleRequest `json:"request"`
	Module  domain.Module        `json:"module"`
}

func validateRequestFields(name, description, priority string, hours float64) error {
	if err := checkLength("name", name, 2, 100); err != nil {
		return err
	}
	if err := checkLength("description", description, 10, 1000); err != nil {
		return err
	}
	if err := checkEnum("priority", priority, domain.Priorities); err != nil {
		return err
	}
	if hours < 0 {
		return ValidationError{Field: "estimated_hours", Reason: "must not be negative"}
	}
	return nil
}

// CreateRequest files a new module request in pending state.
func (e Engine) CreateRequest(ctx context.Context, in RequestInput, actorID string) (req domain.ModuleRequest, err error) {
	defer func() { e.observe(domain.KindRequest, "create", err) }()
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return req, err
	}
	if in.PartnerID == "" && actor.Role == domain.RolePartner {
		in.PartnerID = actor.PartnerID
	}
	in.Name = strings.TrimSpace(in.Name)
	in.Description = strings.TrimSpace(in.Description)
	in.Priority = priorityOrDefault(in.Priority)
	if err := validateRequestFields(in.Name, in.Description, in.Priority, in.EstimatedHours); err != nil {
		return req, err
	}
	if in.PartnerID == "" {
		return req, ValidationError{Field: "partner_id", Reason: "required"}
	}
	if in.ProjectID == "" {
		return req, ValidationError{Field: "project_id", Reason: "required"}
	}
	timeline, err := normalizeTimeline("requested_timeline", in.Timeline)
	if err != nil {
		return req, err
	}
	if err := checkAttachments("attachments", in.Attachments); err != nil {
		return req, err
	}
	if err := e.authorize(actor, auth.ActionRequestCreate, auth.Target{PartnerID: in.PartnerID}); err != nil {
		return req, err
	}
	if _, err := e.Repo.GetPartner(ctx, in.PartnerID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return req, ValidationError{Field: "partner_id", Reason: "unknown partner " + in.PartnerID}
		}
		return req, err
	}
	if _, err := e.Repo.GetProject(ctx, in.ProjectID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return req, ValidationError{Field: "project_id", Reason: "unknown project " + in.ProjectID}
		}
		return req, err
	}

	ts := e.ts()
	req = domain.ModuleRequest{
		ID:                uuid.NewString(),
		Name:              in.Name,
		Description:       in.Description,
		PartnerID:         in.PartnerID,
		ProjectID:         in.ProjectID,
		Priority:          in.Priority,
		EstimatedHours:    in.EstimatedHours,
		RequestedTimeline: timeline,
		Requirements:      in.Requirements,
		Attachments:       nonNil(in.Attachments),
		Status:            domain.RequestPending,
		RequestedBy:       actor.ID,
		CreatedAt:         ts,
		UpdatedAt:         ts,
	}
	for attempt := 0; ; attempt++ {
		req.Code = e.Codes.Generate(requestCodePrefix, "")
		err = e.insertRequest(ctx, req, actor.ID)
		if !errors.Is(err, repo.ErrDuplicateCode) {
			break
		}
		if attempt == 1 {
			return req, DuplicateCodeError{Code: req.Code}
		}
	}
	if err != nil {
		return req, err
	}

	e.fanout(ctx, notify.Event{
		Type:      notify.RequestCreated,
		ActorID:   actor.ID,
		PartnerID: req.PartnerID,
		Title:     "New module request",
		Message:   fmt.Sprintf("Module request %s (%s) is waiting for review", req.Code, req.Name),
		Refs:      domain.EntityRefs{ProjectID: req.ProjectID, PartnerID: req.PartnerID, RequestID: req.ID},
	})
	return e.loadRequest(ctx, req.ID)
}

func (e Engine) insertRequest(ctx context.Context, req domain.ModuleRequest, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertRequest(ctx, tx, req); err != nil {
		return err
	}
	if err := e.history(ctx, tx, domain.KindRequest, req.ID, audit.Entry{Actor: actorID, Action: audit.ActionCreated}); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateRequest edits a request while it is still pending.
func (e Engine) UpdateRequest(ctx context.Context, id string, in RequestUpdate, actorID string) (req domain.ModuleRequest, err error) {
	defer func() { e.observe(domain.KindRequest, "update", err) }()
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return req, err
	}
	cur, err := e.Repo.GetRequest(ctx, id)
	if err != nil {
		return req, err
	}
	if err := e.authorize(actor, auth.ActionRequestUpdate, auth.Target{Request: &cur}); err != nil {
		return req, err
	}
	if cur.Status != domain.RequestPending {
		return req, e.requestConflict(cur, "updated", nil)
	}

	next := cur
	if in.Name != nil {
		next.Name = strings.TrimSpace(*in.Name)
	}
	if in.Description != nil {
		next.Description = strings.TrimSpace(*in.Description)
	}
	if in.Priority != nil {
		next.Priority = priorityOrDefault(*in.Priority)
	}
	if in.EstimatedHours != nil {
		next.EstimatedHours = *in.EstimatedHours
	}
	if in.Timeline != nil {
		if next.RequestedTimeline, err = normalizeTimeline("requested_timeline", *in.Timeline); err != nil {
			return req, err
		}
	}
	if in.Requirements != nil {
		next.Requirements = *in.Requirements
	}
	if in.Attachments != nil {
		if err := checkAttachments("attachments", *in.Attachments); err != nil {
			return req, err
		}
		next.Attachments = nonNil(*in.Attachments)
	}
	if err := validateRequestFields(next.Name, next.Description, next.Priority, next.EstimatedHours); err != nil {
		return req, err
	}

	changes := audit.Changes{}.
		Add("name", cur.Name, next.Name).
		Add("description", cur.Description, next.Description).
		Add("priority", cur.Priority, next.Priority).
		Add("estimated_hours", cur.EstimatedHours, next.EstimatedHours).
		Add("requested_timeline", cur.RequestedTimeline, next.RequestedTimeline).
		Add("requirements", cur.Requirements, next.Requirements).
		Add("attachments", cur.Attachments, next.Attachments)
	if len(changes) == 0 {
		return e.loadRequest(ctx, id)
	}

	var p repo.Patch
	for _, c := range changes {
		switch c.Field {
		case "requested_timeline":
			p.Set("timeline_start", next.RequestedTimeline.Start)
			p.Set("timeline_end", next.RequestedTimeline.End)
		case "requirements", "attachments":
			raw, err := repo.EncodeJSON(c.NewValue)
			if err != nil {
				return req, err
			}
			p.Set(c.Field+"_json", raw)
		default:
			p.Set(c.Field, c.NewValue)
		}
	}
	p.Set("updated_at", e.ts())

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return req, err
	}
	defer tx.Rollback()
	if err := e.Repo.PatchPendingRequest(ctx, tx, id, p); err != nil {
		if errors.Is(err, repo.ErrConditionFailed) {
			return req, e.lostRequestRace(ctx, cur, "updated")
		}
		return req, err
	}
	if err := e.history(ctx, tx, domain.KindRequest, id, audit.Entry{Actor: actor.ID, Action: audit.ActionUpdated, Changes: changes}); err != nil {
		return req, err
	}
	if err := tx.Commit(); err != nil {
		return req, err
	}
	return e.loadRequest(ctx, id)
}

// ApproveRequest turns a pending request into a planning module. The module
// insert and the guarded request update commit together or not at all.
func (e Engine) ApproveRequest(ctx context.Context, id string, in ApprovalInput, actorID string) (res ApprovalResult, err error) {
	defer func() { e.observe(domain.KindRequest, "approve", err) }()
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return res, err
	}
	req, err := e.Repo.GetRequest(ctx, id)
	if err != nil {
		return res, err
	}
	if err := e.authorize(actor, auth.ActionRequestApprove, auth.Target{Request: &req}); err != nil {
		return res, err
	}
	if req.Status != domain.RequestPending {
		return res, e.requestConflict(req, domain.RequestApproved, ErrAlreadyProcessed)
	}
	if err := e.checkInternalUser(ctx, "assigned_to", in.AssignedTo); err != nil {
		return res, err
	}
	project, err := e.Repo.GetProject(ctx, req.ProjectID)
	if err != nil {
		return res, err
	}

	module := e.moduleFromRequest(req, in.AssignedTo)
	for attempt := 0; ; attempt++ {
		module.Code = e.Codes.Generate(project.Code, req.Name)
		err = e.commitApproval(ctx, req, module, in, actor.ID)
		if !errors.Is(err, repo.ErrDuplicateCode) {
			break
		}
		if attempt == 1 {
			return res, DuplicateCodeError{Code: module.Code}
		}
	}
	if err != nil {
		return res, err
	}

	e.fanout(ctx, notify.Event{
		Type:      notify.RequestApproved,
		ActorID:   actor.ID,
		PartnerID: req.PartnerID,
		Title:     "Module request approved",
		Message:   fmt.Sprintf("Your request %s (%s) was approved as module %s", req.Code, req.Name, module.Code),
		Refs:      domain.EntityRefs{ModuleID: module.ID, ProjectID: req.ProjectID, PartnerID: req.PartnerID, RequestID: req.ID},
	})
	if res.Request, err = e.loadRequest(ctx, id); err != nil {
		return res, err
	}
	res.Module, err = e.loadModule(ctx, module.ID)
	return res, err
}

func (e Engine) moduleFromRequest(req domain.ModuleRequest, assignee string) domain.Module {
	now := e.now().UTC()
	start, end := req.RequestedTimeline.Start, req.RequestedTimeline.End
	if start == "" {
		start = now.Format(time.RFC3339)
	}
	if end == "" {
		days := 30
		if e.Config != nil && e.Config.Approval.DefaultTimelineDays > 0 {
			days = e.Config.Approval.DefaultTimelineDays
		}
		end = now.AddDate(0, 0, days).Format(time.RFC3339)
	}
	ts := now.Format(time.RFC3339)
	return domain.Module{
		ID:          uuid.NewString(),
		Name:        req.Name,
		Description: req.Description,
		ProjectID:   req.ProjectID,
		RequestID:   req.ID,
		Status:      domain.ModulePlanning,
		Priority:    req.Priority,
		StartDate:   start,
		EndDate:     end,
		Delivery: domain.Delivery{
			Source:    domain.SourceRequest,
			PartnerID: req.PartnerID,
			Files:     []domain.AttachmentRef{},
		},
		DeliveryStatus: domain.DeliveryPending,
		AssignedTo:     assignee,
		Version:        1,
		CreatedAt:      ts,
		UpdatedAt:      ts,
	}
}

func (e Engine) commitApproval(ctx context.Context, req domain.ModuleRequest, module domain.Module, in ApprovalInput, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertModule(ctx, tx, module); err != nil {
		return err
	}
	if err := e.history(ctx, tx, domain.KindModule, module.ID, audit.Entry{
		Actor:  actorID,
		Action: audit.ActionCreated,
		Note:   "created from module request " + req.Code,
	}); err != nil {
		return err
	}

	response, err := repo.EncodeJSON(domain.InternalResponse{
		EstimatedEffort:         in.EstimatedEffort,
		TechnicalFeasibility:    in.TechnicalFeasibility,
		RecommendedTechnologies: in.RecommendedTechnologies,
		Risks:                   in.Risks,
		Suggestions:             in.Suggestions,
	})
	if err != nil {
		return err
	}
	ts := e.ts()
	var p repo.Patch
	p.Set("status", domain.RequestApproved)
	p.Set("reviewed_by", actorID)
	p.Set("reviewed_at", ts)
	p.Set("review_note", in.ReviewNote)
	p.Set("internal_response_json", response)
	p.Set("approved_module_id", module.ID)
	p.Set("updated_at", ts)
	if err := e.Repo.PatchPendingRequest(ctx, tx, req.ID, p); err != nil {
		if errors.Is(err, repo.ErrConditionFailed) {
			return e.lostRequestRace(ctx, req, domain.RequestApproved)
		}
		return err
	}
	if err := e.history(ctx, tx, domain.KindRequest, req.ID, audit.Entry{
		Actor:   actorID,
		Action:  audit.ActionApproved,
		Note:    in.ReviewNote,
		Changes: audit.Changes{}.Add("status", req.Status, domain.RequestApproved).Add("approved_module_id", "", module.ID),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// RejectRequest closes a pending request without creating a module.
func (e Engine) RejectRequest(ctx context.Context, id, reviewNote, actorID string) (req domain.ModuleRequest, err error) {
	defer func() { e.observe(domain.KindRequest, "reject", err) }()
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return req, err
	}
	reviewNote = strings.TrimSpace(reviewNote)
	if reviewNote == "" {
		return req, ValidationError{Field: "review_note", Reason: "required when rejecting"}
	}
	cur, err := e.Repo.GetRequest(ctx, id)
	if err != nil {
		return req, err
	}
	if err := e.authorize(actor, auth.ActionRequestReject, auth.Target{Request: &cur}); err != nil {
		return req, err
	}
	if cur.Status != domain.RequestPending {
		return req, e.requestConflict(cur, domain.RequestRejected, ErrAlreadyProcessed)
	}

	ts := e.ts()
	var p repo.Patch
	p.Set("status", domain.RequestRejected)
	p.Set("reviewed_by", actor.ID)
	p.Set("reviewed_at", ts)
	p.Set("review_note", reviewNote)
	p.Set("updated_at", ts)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return req, err
	}
	defer tx.Rollback()
	if err := e.Repo.PatchPendingRequest(ctx, tx, id, p); err != nil {
		if errors.Is(err, repo.ErrConditionFailed) {
			return req, e.lostRequestRace(ctx, cur, domain.RequestRejected)
		}
		return req, err
	}
	if err := e.history(ctx, tx, domain.KindRequest, id, audit.Entry{
		Actor:   actor.ID,
		Action:  audit.ActionRejected,
		Note:    reviewNote,
		Changes: audit.Changes{}.Add("status", cur.Status, domain.RequestRejected),
	}); err != nil {
		return req, err
	}
	if err := tx.Commit(); err != nil {
		return req, err
	}

	e.fanout(ctx, notify.Event{
		Type:      notify.RequestRejected,
		ActorID:   actor.ID,
		PartnerID: cur.PartnerID,
		Title:     "Module request rejected",
		Message:   fmt.Sprintf("Your request %s (%s) was rejected: %s", cur.Code, cur.Name, reviewNote),
		Refs:      domain.EntityRefs{ProjectID: cur.ProjectID, PartnerID: cur.PartnerID, RequestID: cur.ID},
	})
	return e.loadRequest(ctx, id)
}

// GetRequest returns a request with its history if actorID may see it.
func (e Engine) GetRequest(ctx context.Context, id, actorID string) (domain.ModuleRequest, error) {
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return domain.ModuleRequest{}, err
	}
	req, err := e.loadRequest(ctx, id)
	if err != nil {
		return req, err
	}
	if !auth.CanAccess(actor, auth.Target{Request: &req}) {
		// Hidden entities look missing to partners of other organisations.
		return domain.ModuleRequest{}, repo.ErrNotFound
	}
	return req, nil
}

func (e Engine) requestConflict(req domain.ModuleRequest, target string, cause error) error {
	return InvalidTransitionError{
		Entity:  domain.KindRequest,
		ID:      req.ID,
		Field:   "status",
		Current: req.Status,
		Target:  target,
		Err:     cause,
	}
}

// lostRequestRace re-reads the request after a failed guard so the error
// carries the state the winner left behind.
func (e Engine) lostRequestRace(ctx context.Context, req domain.ModuleRequest, target string) error {
	e.Metrics.CASConflict(domain.KindRequest)
	current := req.Status
	if fresh, err := e.Repo.GetRequest(ctx, req.ID); err == nil {
		current = fresh.Status
	}
	return InvalidTransitionError{
		Entity:  domain.KindRequest,
		ID:      req.ID,
		Field:   "status",
		Current: current,
		Target:  target,
		Err:     ErrAlreadyProcessed,
	}
}
