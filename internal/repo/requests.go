package repo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Kecupro/SoftwareManage-sub001/internal/domain"
)

const requestColumns = `id,code,name,description,partner_id,project_id,priority,estimated_hours,
COALESCE(timeline_start,''),COALESCE(timeline_end,''),requirements_json,attachments_json,status,requested_by,
COALESCE(reviewed_by,''),COALESCE(reviewed_at,''),COALESCE(review_note,''),internal_response_json,
COALESCE(approved_module_id,''),created_at,updated_at`

func (r Repo) InsertRequest(ctx context.Context, tx *sql.Tx, m domain.ModuleRequest) error {
	requirements, err := encodeJSON(m.Requirements)
	if err != nil {
		return err
	}
	attachments, err := encodeJSON(m.Attachments)
	if err != nil {
		return err
	}
	response, err := encodeJSON(m.InternalResponse)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, r.bind(`INSERT INTO module_requests(id,code,name,description,partner_id,project_id,priority,estimated_hours,
timeline_start,timeline_end,requirements_json,attachments_json,status,requested_by,reviewed_by,reviewed_at,review_note,internal_response_json,
approved_module_id,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		m.ID, m.Code, m.Name, m.Description, m.PartnerID, m.ProjectID, m.Priority, m.EstimatedHours,
		nullable(m.RequestedTimeline.Start), nullable(m.RequestedTimeline.End), requirements, attachments, m.Status, m.RequestedBy,
		nullable(m.ReviewedBy), nullable(m.ReviewedAt), nullable(m.ReviewNote), response,
		nullable(m.ApprovedModuleID), m.CreatedAt, m.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateCode
	}
	return err
}

func (r Repo) GetRequest(ctx context.Context, id string) (domain.ModuleRequest, error) {
	return r.getRequest(ctx, r.DB, id)
}

func (r Repo) GetRequestTx(ctx context.Context, tx *sql.Tx, id string) (domain.ModuleRequest, error) {
	return r.getRequest(ctx, tx, id)
}

func (r Repo) getRequest(ctx context.Context, q Querier, id string) (domain.ModuleRequest, error) {
	var (
		m                                  domain.ModuleRequest
		requirements, attachments, respRaw sql.NullString
	)
	err := q.QueryRowContext(ctx, r.bind(`SELECT `+requestColumns+` FROM module_requests WHERE id=?`), id).Scan(
		&m.ID, &m.Code, &m.Name, &m.Description, &m.PartnerID, &m.ProjectID, &m.Priority, &m.EstimatedHours,
		&m.RequestedTimeline.Start, &m.RequestedTimeline.End, &requirements, &attachments, &m.Status, &m.RequestedBy,
		&m.ReviewedBy, &m.ReviewedAt, &m.ReviewNote, &respRaw,
		&m.ApprovedModuleID, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	if err := decodeJSON(requirements, &m.Requirements); err != nil {
		return m, fmt.Errorf("decode requirements: %w", err)
	}
	if err := decodeJSON(attachments, &m.Attachments); err != nil {
		return m, fmt.Errorf("decode attachments: %w", err)
	}
	if respRaw.Valid {
		m.InternalResponse = &domain.InternalResponse{}
		if err := decodeJSON(respRaw, m.InternalResponse); err != nil {
			return m, fmt.Errorf("decode internal response: %w", err)
		}
	}
	if m.Attachments == nil {
		m.Attachments = []domain.AttachmentRef{}
	}
	return m, nil
}

// PatchPendingRequest applies p only while the request is still pending.
// Both request transitions and edits go through this guard, which keeps a
// decided request immutable.
func (r Repo) PatchPendingRequest(ctx context.Context, tx *sql.Tx, id string, p Patch) error {
	return r.apply(ctx, r.q(tx), "module_requests", id, p, &Guard{Column: "status", Equals: domain.RequestPending})
}
