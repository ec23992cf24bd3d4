package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Kecupro/SoftwareManage-sub001/internal/audit"
	"github.com/Kecupro/SoftwareManage-sub001/internal/domain"
	"github.com/Kecupro/SoftwareManage-sub001/internal/engine/auth"
	"github.com/Kecupro/SoftwareManage-sub001/internal/notify"
	"github.com/Kecupro/SoftwareManage-sub001/internal/repo"
)

type DeliveryInput struct {
	Files  []domain.AttachmentRef
	Commit string
	Note   string
}

// SubmitDelivery opens a new delivery cycle. It may be called in any
// delivery state; the previous decision stays in history only.
func (e Engine) SubmitDelivery(ctx context.Context, id string, in DeliveryInput, actorID string) (m domain.Module, err error) {
	defer func() { e.observe(domain.KindModule, "deliver", err) }()
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return m, err
	}
	cur, err := e.Repo.GetModule(ctx, id)
	if err != nil {
		return m, err
	}
	if err := e.authorize(actor, auth.ActionDeliverySubmit, auth.Target{Module: &cur}); err != nil {
		return m, err
	}
	in.Commit = strings.TrimSpace(in.Commit)
	if in.Commit == "" && len(in.Files) == 0 {
		return m, ValidationError{Field: "delivery", Reason: "commit or at least one file required"}
	}
	if err := checkAttachments("files", in.Files); err != nil {
		return m, err
	}
	files, err := repo.EncodeJSON(nonNil(in.Files))
	if err != nil {
		return m, err
	}

	ts := e.ts()
	var p repo.Patch
	p.Set("delivery_files_json", files)
	p.Set("delivery_commit", in.Commit)
	p.Set("delivery_note", strings.TrimSpace(in.Note))
	p.Set("delivery_time", ts)
	p.Set("delivered_by", actor.ID)
	p.Set("delivery_status", domain.DeliveryPending)
	p.Raw("delivery_cycle", "delivery_cycle+1")
	for _, col := range []string{
		"acceptance_date", "accepted_by", "rejection_date", "rejected_by", "rejection_reason",
		"approved_by", "approved_at", "approval_note",
	} {
		p.Set(col, "")
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return m, err
	}
	defer tx.Rollback()
	if err := e.saveModule(ctx, tx, id, p, nil); err != nil {
		return m, err
	}
	if err := e.history(ctx, tx, domain.KindModule, id, audit.Entry{
		Actor:  actor.ID,
		Action: audit.ActionDelivered,
		Note:   strings.TrimSpace(in.Note),
		Changes: audit.Changes{}.
			Add("delivery_status", cur.DeliveryStatus, domain.DeliveryPending).
			Add("delivery_cycle", cur.Delivery.Cycle, cur.Delivery.Cycle+1).
			Add("delivery_commit", cur.Delivery.Commit, in.Commit),
	}); err != nil {
		return m, err
	}
	if err := tx.Commit(); err != nil {
		return m, err
	}
	return e.loadModule(ctx, id)
}

// ReviewDelivery records the internal reviewer's decision on the pending
// delivery. The module status is left alone.
func (e Engine) ReviewDelivery(ctx context.Context, id, decision, note, actorID string) (m domain.Module, err error) {
	defer func() { e.observe(domain.KindModule, "review", err) }()
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return m, err
	}
	decision = strings.TrimSpace(decision)
	if err := checkEnum("decision", decision, []string{domain.DeliveryAccepted, domain.DeliveryRejected}); err != nil {
		return m, err
	}
	cur, err := e.Repo.GetModule(ctx, id)
	if err != nil {
		return m, err
	}
	if err := e.authorize(actor, auth.ActionDeliveryReview, auth.Target{Module: &cur}); err != nil {
		return m, err
	}
	if err := requireDelivery(cur, decision); err != nil {
		return m, err
	}

	note = strings.TrimSpace(note)
	var p repo.Patch
	p.Set("approved_by", actor.ID)
	p.Set("approved_at", e.ts())
	p.Set("approval_note", note)
	action := audit.ActionApproved
	if decision == domain.DeliveryRejected {
		action = audit.ActionRejected
	}
	return e.decide(ctx, cur, decision, p, audit.Entry{Actor: actor.ID, Action: action, Note: note}, nil)
}

// RejectModule is the project manager's explicit rejection. It ends the
// module, not only the delivery.
func (e Engine) RejectModule(ctx context.Context, id, note, actorID string) (m domain.Module, err error) {
	defer func() { e.observe(domain.KindModule, "reject", err) }()
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
	if err := e.authorize(actor, auth.ActionModuleReject, auth.Target{Project: &project, Module: &cur}); err != nil {
		return m, err
	}

	note = strings.TrimSpace(note)
	var p repo.Patch
	p.Set("status", domain.ModuleRejected)
	p.Set("approved_by", actor.ID)
	p.Set("approved_at", e.ts())
	p.Set("approval_note", note)
	entry := audit.Entry{
		Actor:   actor.ID,
		Action:  audit.ActionRejected,
		Note:    note,
		Changes: audit.Changes{}.Add("status", cur.Status, domain.ModuleRejected),
	}
	ev := notify.Event{
		Type:      notify.ModuleRejected,
		ActorID:   actor.ID,
		PartnerID: cur.Delivery.PartnerID,
		Title:     "Module rejected",
		Message:   withNote(fmt.Sprintf("Module %s (%s) was rejected", cur.Code, cur.Name), note),
		Refs:      moduleRefs(cur),
	}
	return e.decide(ctx, cur, domain.DeliveryRejected, p, entry, &ev)
}

// AcceptDelivery is the partner's acceptance of the pending delivery.
func (e Engine) AcceptDelivery(ctx context.Context, id, note, actorID string) (m domain.Module, err error) {
	defer func() { e.observe(domain.KindModule, "accept", err) }()
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return m, err
	}
	cur, err := e.Repo.GetModule(ctx, id)
	if err != nil {
		return m, err
	}
	if err := e.authorize(actor, auth.ActionDeliveryAccept, auth.Target{Module: &cur}); err != nil {
		return m, err
	}
	if err := requireDelivery(cur, domain.DeliveryAccepted); err != nil {
		return m, err
	}

	note = strings.TrimSpace(note)
	var p repo.Patch
	p.Set("status", domain.ModuleAccepted)
	p.Set("acceptance_date", e.ts())
	p.Set("accepted_by", actor.ID)
	entry := audit.Entry{
		Actor:   actor.ID,
		Action:  audit.ActionAccepted,
		Note:    note,
		Changes: audit.Changes{}.Add("status", cur.Status, domain.ModuleAccepted),
	}
	ev := notify.Event{
		Type:      notify.ModuleDeliveryAccepted,
		ActorID:   actor.ID,
		PartnerID: cur.Delivery.PartnerID,
		Title:     "Delivery accepted",
		Message:   withNote(fmt.Sprintf("The partner accepted the delivery of module %s (%s)", cur.Code, cur.Name), note),
		Refs:      moduleRefs(cur),
	}
	return e.decide(ctx, cur, domain.DeliveryAccepted, p, entry, &ev)
}

// PartnerRejectDelivery is the partner's rejection of the pending delivery.
func (e Engine) PartnerRejectDelivery(ctx context.Context, id, reason, actorID string) (m domain.Module, err error) {
	defer func() { e.observe(domain.KindModule, "partner_reject", err) }()
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return m, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return m, ValidationError{Field: "rejection_reason", Reason: "required"}
	}
	cur, err := e.Repo.GetModule(ctx, id)
	if err != nil {
		return m, err
	}
	if err := e.authorize(actor, auth.ActionDeliveryPartnerDeny, auth.Target{Module: &cur}); err != nil {
		return m, err
	}
	if err := requireDelivery(cur, domain.DeliveryRejected); err != nil {
		return m, err
	}

	var p repo.Patch
	p.Set("status", domain.ModuleRejected)
	p.Set("rejection_date", e.ts())
	p.Set("rejected_by", actor.ID)
	p.Set("rejection_reason", reason)
	entry := audit.Entry{
		Actor:   actor.ID,
		Action:  audit.ActionRejected,
		Note:    reason,
		Changes: audit.Changes{}.Add("status", cur.Status, domain.ModuleRejected),
	}
	ev := notify.Event{
		Type:      notify.ModuleDeliveryRejected,
		ActorID:   actor.ID,
		PartnerID: cur.Delivery.PartnerID,
		Title:     "Delivery rejected",
		Message:   fmt.Sprintf("The partner rejected the delivery of module %s (%s): %s", cur.Code, cur.Name, reason),
		Refs:      moduleRefs(cur),
	}
	return e.decide(ctx, cur, domain.DeliveryRejected, p, entry, &ev)
}

// requireDelivery rejects review and partner decisions on a module whose
// pending status is only the default of a module never delivered.
func requireDelivery(cur domain.Module, target string) error {
	if cur.Delivery.Cycle > 0 {
		return nil
	}
	return InvalidTransitionError{
		Entity:  domain.KindModule,
		ID:      cur.ID,
		Field:   "delivery_status",
		Current: cur.DeliveryStatus,
		Target:  target,
		Err:     ErrNotDelivered,
	}
}

// decide moves deliveryStatus from pending to target in one guarded update.
// When several deciders race, exactly one update matches; the others get
// InvalidTransitionError wrapping ErrAlreadyProcessed. ev, when set, is
// emitted after commit.
func (e Engine) decide(ctx context.Context, cur domain.Module, target string, p repo.Patch, entry audit.Entry, ev *notify.Event) (domain.Module, error) {
	if cur.DeliveryStatus != domain.DeliveryPending {
		return domain.Module{}, InvalidTransitionError{
			Entity:  domain.KindModule,
			ID:      cur.ID,
			Field:   "delivery_status",
			Current: cur.DeliveryStatus,
			Target:  target,
			Err:     ErrAlreadyProcessed,
		}
	}
	p.Set("delivery_status", target)
	entry.Changes = append(audit.Changes{}.Add("delivery_status", cur.DeliveryStatus, target), entry.Changes...)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Module{}, err
	}
	defer tx.Rollback()
	guard := &repo.Guard{Column: "delivery_status", Equals: domain.DeliveryPending}
	if err := e.saveModule(ctx, tx, cur.ID, p, guard); err != nil {
		if errors.Is(err, repo.ErrConditionFailed) {
			return domain.Module{}, e.lostModuleRace(ctx, cur, "delivery_status", target)
		}
		return domain.Module{}, err
	}
	if err := e.history(ctx, tx, domain.KindModule, cur.ID, entry); err != nil {
		return domain.Module{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Module{}, err
	}
	if ev != nil {
		e.fanout(ctx, *ev)
	}
	return e.loadModule(ctx, cur.ID)
}

func moduleRefs(m domain.Module) domain.EntityRefs {
	return domain.EntityRefs{ModuleID: m.ID, ProjectID: m.ProjectID, PartnerID: m.Delivery.PartnerID, RequestID: m.RequestID}
}

func withNote(msg, note string) string {
	if note == "" {
		return msg
	}
	return msg + ": " + note
}
