package repo

import (
	"context"
	"database/sql"

	"github.com/Kecupro/SoftwareManage-sub001/internal/domain"
)

func (r Repo) InsertNotification(ctx context.Context, n domain.Notification) error {
	read := 0
	if n.IsRead {
		read = 1
	}
	_, err := r.DB.ExecContext(ctx, r.bind(`INSERT INTO notifications(id,recipient_user_id,title,message,type,module_id,project_id,partner_id,request_id,is_read,created_at,read_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`),
		n.ID, n.RecipientUserID, n.Title, n.Message, n.Type,
		nullable(n.Refs.ModuleID), nullable(n.Refs.ProjectID), nullable(n.Refs.PartnerID), nullable(n.Refs.RequestID),
		read, n.CreatedAt, nullable(n.ReadAt))
	return err
}

// ListNotifications returns the newest notifications of userID first.
func (r Repo) ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]domain.Notification, error) {
	query := `SELECT id,recipient_user_id,title,message,type,COALESCE(module_id,''),COALESCE(project_id,''),COALESCE(partner_id,''),
COALESCE(request_id,''),is_read,created_at,COALESCE(read_at,'') FROM notifications WHERE recipient_user_id=?`
	args := []any{userID}
	if unreadOnly {
		query += ` AND is_read=0`
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, r.bind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []domain.Notification{}
	for rows.Next() {
		var (
			n    domain.Notification
			read int
		)
		if err := rows.Scan(&n.ID, &n.RecipientUserID, &n.Title, &n.Message, &n.Type,
			&n.Refs.ModuleID, &n.Refs.ProjectID, &n.Refs.PartnerID, &n.Refs.RequestID,
			&read, &n.CreatedAt, &n.ReadAt); err != nil {
			return nil, err
		}
		n.IsRead = read != 0
		items = append(items, n)
	}
	return items, rows.Err()
}

// MarkNotificationRead marks one notification of userID as read.
func (r Repo) MarkNotificationRead(ctx context.Context, id, userID, ts string) error {
	res, err := r.DB.ExecContext(ctx, r.bind(`UPDATE notifications SET is_read=1, read_at=COALESCE(read_at,?) WHERE id=? AND recipient_user_id=?`), ts, id, userID)
	return affectedOrNotFound(res, err)
}

// MarkAllNotificationsRead marks every unread notification of userID and
// returns how many changed.
func (r Repo) MarkAllNotificationsRead(ctx context.Context, userID, ts string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, r.bind(`UPDATE notifications SET is_read=1, read_at=? WHERE recipient_user_id=? AND is_read=0`), ts, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r Repo) DeleteNotification(ctx context.Context, id, userID string) error {
	res, err := r.DB.ExecContext(ctx, r.bind(`DELETE FROM notifications WHERE id=? AND recipient_user_id=?`), id, userID)
	return affectedOrNotFound(res, err)
}

func affectedOrNotFound(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
