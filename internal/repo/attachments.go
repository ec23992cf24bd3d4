package repo

import (
	"context"
	"database/sql"

	"github.com/Kecupro/SoftwareManage-sub001/internal/domain"
)

func (r Repo) InsertAttachment(ctx context.Context, a domain.AttachmentRecord) error {
	_, err := r.DB.ExecContext(ctx, r.bind(`INSERT INTO attachments(id,name,content_type,size,uploaded_by,uploader_partner_id,created_at) VALUES (?,?,?,?,?,?,?)`),
		a.ID, a.Name, nullable(a.ContentType), a.Size, a.UploadedBy, nullable(a.UploaderPartnerID), a.CreatedAt)
	return err
}

func (r Repo) GetAttachment(ctx context.Context, id string) (domain.AttachmentRecord, error) {
	var a domain.AttachmentRecord
	err := r.DB.QueryRowContext(ctx, r.bind(`SELECT id,name,COALESCE(content_type,''),size,uploaded_by,COALESCE(uploader_partner_id,''),created_at
FROM attachments WHERE id=?`), id).
		Scan(&a.ID, &a.Name, &a.ContentType, &a.Size, &a.UploadedBy, &a.UploaderPartnerID, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

// DeliveredToPartner reports whether attachment id is among the delivery
// files of a module delivered to partnerID. id must be a plain uuid.
func (r Repo) DeliveredToPartner(ctx context.Context, id, partnerID string) (bool, error) {
	var one int
	err := r.DB.QueryRowContext(ctx, r.bind(`SELECT 1 FROM modules WHERE delivery_partner_id=? AND delivery_files_json LIKE ? LIMIT 1`),
		partnerID, `%"id":"`+id+`"%`).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}
