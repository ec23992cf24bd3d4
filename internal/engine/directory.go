package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/Kecupro/SoftwareManage-sub001/internal/audit"
	"github.com/Kecupro/SoftwareManage-sub001/internal/codegen"
	"github.com/Kecupro/SoftwareManage-sub001/internal/domain"
	"github.com/Kecupro/SoftwareManage-sub001/internal/engine/auth"
	"github.com/Kecupro/SoftwareManage-sub001/internal/repo"
)

// OperatorActor is recorded in history for writes made by the local
// operator through the CLI, where no actor id is given.
const OperatorActor = "operator"

var codePattern = regexp.MustCompile(`^[A-Z0-9]{2,12}$`)

// authorizeSetup resolves actorID for directory writes. An empty actorID is
// the local operator and is always allowed; the HTTP layer never passes one.
func (e Engine) authorizeSetup(ctx context.Context, actorID string, action auth.Action) (string, error) {
	if actorID == "" {
		return OperatorActor, nil
	}
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return "", err
	}
	if err := e.authorize(actor, action, auth.Target{}); err != nil {
		return "", err
	}
	return actor.ID, nil
}

// setupCode upper-cases code, or derives one from name when empty.
func setupCode(code, name string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		code = codegen.Hint(name)
	}
	if !codePattern.MatchString(code) {
		return "", ValidationError{Field: "code", Reason: "must be 2-12 upper-case letters or digits"}
	}
	return code, nil
}

type PartnerInput struct {
	Code         string
	Name         string
	ContactEmail string
}

func (e Engine) CreatePartner(ctx context.Context, in PartnerInput, actorID string) (domain.Partner, error) {
	var p domain.Partner
	if _, err := e.authorizeSetup(ctx, actorID, auth.ActionPartnerCreate); err != nil {
		return p, err
	}
	in.Name = strings.TrimSpace(in.Name)
	if err := checkLength("name", in.Name, 2, 100); err != nil {
		return p, err
	}
	code, err := setupCode(in.Code, in.Name)
	if err != nil {
		return p, err
	}
	p = domain.Partner{
		ID:           uuid.NewString(),
		Code:         code,
		Name:         in.Name,
		ContactEmail: strings.TrimSpace(in.ContactEmail),
		CreatedAt:    e.ts(),
	}
	if err := e.Repo.InsertPartner(ctx, nil, p); err != nil {
		if errors.Is(err, repo.ErrDuplicateCode) {
			return p, DuplicateCodeError{Code: code}
		}
		return p, err
	}
	return p, nil
}

func (e Engine) GetPartner(ctx context.Context, id, actorID string) (domain.Partner, error) {
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return domain.Partner{}, err
	}
	if !auth.CanAccess(actor, auth.Target{PartnerID: id}) {
		return domain.Partner{}, repo.ErrNotFound
	}
	return e.Repo.GetPartner(ctx, id)
}

type UserInput struct {
	ID        string
	Name      string
	Email     string
	Role      string
	PartnerID string
}

// CreateUser registers an actor. Partner users must name their partner and
// internal users must not.
func (e Engine) CreateUser(ctx context.Context, in UserInput, actorID string) (domain.User, error) {
	var u domain.User
	if _, err := e.authorizeSetup(ctx, actorID, auth.ActionUserManage); err != nil {
		return u, err
	}
	in.Name = strings.TrimSpace(in.Name)
	if err := checkLength("name", in.Name, 1, 100); err != nil {
		return u, err
	}
	if err := checkEnum("role", in.Role, domain.Roles); err != nil {
		return u, err
	}
	switch {
	case in.Role == domain.RolePartner && in.PartnerID == "":
		return u, ValidationError{Field: "partner_id", Reason: "required for partner users"}
	case in.Role != domain.RolePartner && in.PartnerID != "":
		return u, ValidationError{Field: "partner_id", Reason: "only partner users belong to a partner"}
	}
	if in.PartnerID != "" {
		if _, err := e.Repo.GetPartner(ctx, in.PartnerID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return u, ValidationError{Field: "partner_id", Reason: "unknown partner " + in.PartnerID}
			}
			return u, err
		}
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if strings.TrimSpace(in.ID) == OperatorActor {
		return u, ValidationError{Field: "id", Reason: OperatorActor + " is reserved"}
	}
	u = domain.User{
		ID:        strings.TrimSpace(in.ID),
		Name:      in.Name,
		Email:     strings.TrimSpace(in.Email),
		Role:      in.Role,
		PartnerID: in.PartnerID,
		CreatedAt: e.ts(),
	}
	if _, err := e.Repo.GetUser(ctx, u.ID); err == nil {
		return u, ValidationError{Field: "id", Reason: "user " + u.ID + " already exists"}
	}
	return u, e.Repo.InsertUser(ctx, nil, u)
}

func (e Engine) ListUsers(ctx context.Context, actorID string, roles ...string) ([]domain.User, error) {
	if _, err := e.authorizeSetup(ctx, actorID, auth.ActionUserManage); err != nil {
		return nil, err
	}
	return e.Repo.ListUsers(ctx, roles...)
}

// CreateAPIKey issues a key for userID. Only the hash is stored; the
// returned secret is shown once.
func (e Engine) CreateAPIKey(ctx context.Context, userID, name, actorID string) (string, domain.APIKey, error) {
	var key domain.APIKey
	if actorID != userID {
		if _, err := e.authorizeSetup(ctx, actorID, auth.ActionUserManage); err != nil {
			return "", key, err
		}
	}
	if _, err := e.Repo.GetUser(ctx, userID); err != nil {
		return "", key, err
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", key, err
	}
	secret := "sm_" + hex.EncodeToString(buf)
	key = domain.APIKey{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      strings.TrimSpace(name),
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: e.ts(),
	}
	if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
		return "", key, err
	}
	return secret, key, nil
}

// ListAPIKeys returns the keys of userID without their secrets.
func (e Engine) ListAPIKeys(ctx context.Context, userID, actorID string) ([]domain.APIKey, error) {
	if actorID != userID {
		if _, err := e.authorizeSetup(ctx, actorID, auth.ActionUserManage); err != nil {
			return nil, err
		}
	}
	if _, err := e.Repo.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	return e.Repo.ListAPIKeys(ctx, userID)
}

func (e Engine) RevokeAPIKey(ctx context.Context, id, actorID string) error {
	if _, err := e.authorizeSetup(ctx, actorID, auth.ActionUserManage); err != nil {
		return err
	}
	return e.Repo.DeleteAPIKey(ctx, id)
}

type ProjectInput struct {
	Code        string
	Name        string
	Description string
	ManagerID   string
}

func (e Engine) CreateProject(ctx context.Context, in ProjectInput, actorID string) (domain.Project, error) {
	var p domain.Project
	by, err := e.authorizeSetup(ctx, actorID, auth.ActionProjectCreate)
	if err != nil {
		return p, err
	}
	in.Name = strings.TrimSpace(in.Name)
	if err := checkLength("name", in.Name, 2, 100); err != nil {
		return p, err
	}
	code, err := setupCode(in.Code, in.Name)
	if err != nil {
		return p, err
	}
	if in.ManagerID != "" {
		u, err := e.Repo.GetUser(ctx, in.ManagerID)
		if errors.Is(err, repo.ErrNotFound) {
			return p, ValidationError{Field: "manager_id", Reason: "unknown user " + in.ManagerID}
		}
		if err != nil {
			return p, err
		}
		if u.Role != domain.RolePM && u.Role != domain.RoleAdmin {
			return p, ValidationError{Field: "manager_id", Reason: "must be a pm or admin"}
		}
	}
	p = domain.Project{
		ID:          uuid.NewString(),
		Code:        code,
		Name:        in.Name,
		Description: strings.TrimSpace(in.Description),
		ManagerID:   in.ManagerID,
		Status:      domain.ProjectActive,
		CreatedAt:   e.ts(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		if errors.Is(err, repo.ErrDuplicateCode) {
			return p, DuplicateCodeError{Code: code}
		}
		return p, err
	}
	if err := e.history(ctx, tx, domain.KindProject, p.ID, audit.Entry{Actor: by, Action: audit.ActionCreated}); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	return e.GetProject(ctx, p.ID, actorID)
}

// GetProject returns a project with its history. Projects are internal.
func (e Engine) GetProject(ctx context.Context, id, actorID string) (domain.Project, error) {
	if actorID != "" {
		actor, err := e.actor(ctx, actorID)
		if err != nil {
			return domain.Project{}, err
		}
		if !actor.Internal() {
			return domain.Project{}, repo.ErrNotFound
		}
	}
	p, err := e.Repo.GetProject(ctx, id)
	if err != nil {
		return p, err
	}
	p.History, err = e.Repo.History(ctx, domain.KindProject, id)
	return p, err
}
