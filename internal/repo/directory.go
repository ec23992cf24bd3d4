package repo

import (
	"context"
	"database/sql"
	"strings"

	"github.com/Kecupro/SoftwareManage-sub001/internal/domain"
)

func (r Repo) InsertPartner(ctx context.Context, tx *sql.Tx, p domain.Partner) error {
	_, err := r.q(tx).ExecContext(ctx, r.bind(`INSERT INTO partners(id,code,name,contact_email,created_at) VALUES (?,?,?,?,?)`),
		p.ID, p.Code, p.Name, nullable(p.ContactEmail), p.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateCode
	}
	return err
}

func (r Repo) GetPartner(ctx context.Context, id string) (domain.Partner, error) {
	var p domain.Partner
	err := r.DB.QueryRowContext(ctx, r.bind(`SELECT id,code,name,COALESCE(contact_email,''),created_at FROM partners WHERE id=?`), id).
		Scan(&p.ID, &p.Code, &p.Name, &p.ContactEmail, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) InsertUser(ctx context.Context, tx *sql.Tx, u domain.User) error {
	_, err := r.q(tx).ExecContext(ctx, r.bind(`INSERT INTO users(id,name,email,role,partner_id,created_at) VALUES (?,?,?,?,?,?)`),
		u.ID, u.Name, nullable(u.Email), u.Role, nullable(u.PartnerID), u.CreatedAt)
	return err
}

const userColumns = `id,name,COALESCE(email,''),role,COALESCE(partner_id,''),created_at`

func scanUser(row interface{ Scan(...any) error }) (domain.User, error) {
	var u domain.User
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.Role, &u.PartnerID, &u.CreatedAt)
	return u, err
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	u, err := scanUser(r.DB.QueryRowContext(ctx, r.bind(`SELECT `+userColumns+` FROM users WHERE id=?`), id))
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}

// ListUsers returns users, optionally restricted to roles.
func (r Repo) ListUsers(ctx context.Context, roles ...string) ([]domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users`
	var args []any
	if len(roles) > 0 {
		query += ` WHERE role IN (` + strings.TrimSuffix(strings.Repeat("?,", len(roles)), ",") + `)`
		for _, role := range roles {
			args = append(args, role)
		}
	}
	query += ` ORDER BY id`
	return r.queryUsers(ctx, query, args...)
}

// UsersForPartner returns the partner-role users bound to partnerID.
func (r Repo) UsersForPartner(ctx context.Context, partnerID string) ([]domain.User, error) {
	return r.queryUsers(ctx, `SELECT `+userColumns+` FROM users WHERE partner_id=? AND role=? ORDER BY id`, partnerID, domain.RolePartner)
}

func (r Repo) queryUsers(ctx context.Context, query string, args ...any) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, r.bind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := r.q(tx).ExecContext(ctx, r.bind(`INSERT INTO projects(id,code,name,description,manager_id,status,created_at) VALUES (?,?,?,?,?,?,?)`),
		p.ID, p.Code, p.Name, nullable(p.Description), nullable(p.ManagerID), p.Status, p.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateCode
	}
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	var p domain.Project
	err := r.DB.QueryRowContext(ctx, r.bind(`SELECT id,code,name,COALESCE(description,''),COALESCE(manager_id,''),status,created_at FROM projects WHERE id=?`), id).
		Scan(&p.ID, &p.Code, &p.Name, &p.Description, &p.ManagerID, &p.Status, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}
