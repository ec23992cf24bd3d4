package repo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Kecupro/SoftwareManage-sub001/internal/domain"
)

const moduleColumns = `id,code,name,COALESCE(description,''),project_id,COALESCE(request_id,''),status,priority,
COALESCE(start_date,''),COALESCE(end_date,''),delivery_source,COALESCE(delivery_partner_id,''),delivery_cycle,delivery_files_json,
COALESCE(delivery_commit,''),COALESCE(delivery_note,''),COALESCE(delivery_time,''),COALESCE(delivered_by,''),
COALESCE(acceptance_date,''),COALESCE(accepted_by,''),COALESCE(rejection_date,''),COALESCE(rejected_by,''),COALESCE(rejection_reason,''),
delivery_status,COALESCE(approved_by,''),COALESCE(approved_at,''),COALESCE(approval_note,''),
COALESCE(assigned_to,''),COALESCE(qa,''),COALESCE(reviewer,''),COALESCE(dev_ops,''),progress,version,created_at,updated_at`

func (r Repo) InsertModule(ctx context.Context, tx *sql.Tx, m domain.Module) error {
	files, err := encodeJSON(m.Delivery.Files)
	if err != nil {
		return err
	}
	d := m.Delivery
	_, err = r.q(tx).ExecContext(ctx, r.bind(`INSERT INTO modules(id,code,name,description,project_id,request_id,status,priority,
start_date,end_date,delivery_source,delivery_partner_id,delivery_cycle,delivery_files_json,delivery_commit,delivery_note,delivery_time,delivered_by,
acceptance_date,accepted_by,rejection_date,rejected_by,rejection_reason,delivery_status,approved_by,approved_at,approval_note,
assigned_to,qa,reviewer,dev_ops,progress,version,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		m.ID, m.Code, m.Name, nullable(m.Description), m.ProjectID, nullable(m.RequestID), m.Status, m.Priority,
		nullable(m.StartDate), nullable(m.EndDate), d.Source, nullable(d.PartnerID), d.Cycle, files,
		nullable(d.Commit), nullable(d.Note), nullable(d.DeliveryTime), nullable(d.DeliveredBy),
		nullable(d.AcceptanceDate), nullable(d.AcceptedBy), nullable(d.RejectionDate), nullable(d.RejectedBy), nullable(d.RejectionReason),
		m.DeliveryStatus, nullable(m.ApprovedBy), nullable(m.ApprovedAt), nullable(m.ApprovalNote),
		nullable(m.AssignedTo), nullable(m.QA), nullable(m.Reviewer), nullable(m.DevOps), m.Progress, m.Version, m.CreatedAt, m.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateCode
	}
	return err
}

func (r Repo) GetModule(ctx context.Context, id string) (domain.Module, error) {
	return r.getModule(ctx, r.DB, id)
}

func (r Repo) GetModuleTx(ctx context.Context, tx *sql.Tx, id string) (domain.Module, error) {
	return r.getModule(ctx, tx, id)
}

func (r Repo) getModule(ctx context.Context, q Querier, id string) (domain.Module, error) {
	var (
		m     domain.Module
		files sql.NullString
	)
	d := &m.Delivery
	err := q.QueryRowContext(ctx, r.bind(`SELECT `+moduleColumns+` FROM modules WHERE id=?`), id).Scan(
		&m.ID, &m.Code, &m.Name, &m.Description, &m.ProjectID, &m.RequestID, &m.Status, &m.Priority,
		&m.StartDate, &m.EndDate, &d.Source, &d.PartnerID, &d.Cycle, &files,
		&d.Commit, &d.Note, &d.DeliveryTime, &d.DeliveredBy,
		&d.AcceptanceDate, &d.AcceptedBy, &d.RejectionDate, &d.RejectedBy, &d.RejectionReason,
		&m.DeliveryStatus, &m.ApprovedBy, &m.ApprovedAt, &m.ApprovalNote,
		&m.AssignedTo, &m.QA, &m.Reviewer, &m.DevOps, &m.Progress, &m.Version, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	if err := decodeJSON(files, &d.Files); err != nil {
		return m, fmt.Errorf("decode delivery files: %w", err)
	}
	if d.Files == nil {
		d.Files = []domain.AttachmentRef{}
	}
	return m, nil
}

// PatchModule applies p and bumps the row version. With a guard the update is
// a single compare-and-set: ErrConditionFailed means another writer changed
// the guarded column first.
func (r Repo) PatchModule(ctx context.Context, tx *sql.Tx, id string, p Patch, guard *Guard) error {
	if p.Empty() {
		return nil
	}
	p.Raw("version", "version+1")
	return r.apply(ctx, r.q(tx), "modules", id, p, guard)
}
