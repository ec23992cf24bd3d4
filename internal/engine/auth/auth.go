package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/Kecupro/SoftwareManage-sub001/internal/domain"
	"github.com/Kecupro/SoftwareManage-sub001/internal/repo"
)

// ForbiddenError indicates the actor may not perform Action on the target.
type ForbiddenError struct {
	Action Action
	Reason string
}

func (e ForbiddenError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("not allowed to %s: %s", e.Action, e.Reason)
	}
	return fmt.Sprintf("not allowed to %s", e.Action)
}

// Directory resolves actors and recipient sets from the users table.
type Directory struct {
	Repo repo.Repo
}

// Actor returns the user behind actorID. Unknown actors are reported as
// ForbiddenError so callers never learn whether an id exists.
func (d Directory) Actor(ctx context.Context, actorID string) (domain.User, error) {
	if actorID == "" {
		return domain.User{}, ForbiddenError{Action: "act", Reason: "actor required"}
	}
	u, err := d.Repo.GetUser(ctx, actorID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.User{}, ForbiddenError{Action: "act", Reason: "unknown actor"}
	}
	return u, err
}

func (d Directory) ActorRole(ctx context.Context, actorID string) (string, error) {
	u, err := d.Actor(ctx, actorID)
	return u.Role, err
}

// ActorPartnerID returns the partner of a partner-role actor, or "".
func (d Directory) ActorPartnerID(ctx context.Context, actorID string) (string, error) {
	u, err := d.Actor(ctx, actorID)
	return u.PartnerID, err
}

func (d Directory) UsersWithRoles(ctx context.Context, roles ...string) ([]domain.User, error) {
	return d.Repo.ListUsers(ctx, roles...)
}

func (d Directory) UsersForPartner(ctx context.Context, partnerID string) ([]domain.User, error) {
	return d.Repo.UsersForPartner(ctx, partnerID)
}
