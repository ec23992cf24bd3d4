package notify

import (
	"context"
	"fmt"

	"github.com/Kecupro/SoftwareManage-sub001/internal/domain"
)

// recipients applies the routing rules of each event type and returns user ids.
func (n *Notifier) recipients(ctx context.Context, ev Event) ([]string, error) {
	if n.Directory == nil {
		return nil, fmt.Errorf("no recipient directory")
	}
	switch ev.Type {
	case RequestCreated, ModuleDeliveryAccepted, ModuleDeliveryRejected:
		users, err := n.Directory.UsersWithRoles(ctx, domain.RoleAdmin, domain.RolePM)
		if err != nil {
			return nil, err
		}
		ids := make([]string, 0, len(users))
		for _, u := range users {
			ids = append(ids, u.ID)
		}
		return ids, nil
	case RequestApproved, RequestRejected, ModuleRejected:
		return n.partnerRecipient(ctx, ev)
	default:
		return nil, fmt.Errorf("unknown event type %q", ev.Type)
	}
}

// partnerRecipient resolves zero or one partner user. Ambiguity is logged and
// skipped rather than guessed.
func (n *Notifier) partnerRecipient(ctx context.Context, ev Event) ([]string, error) {
	if ev.PartnerID == "" {
		n.logger().Info("notification skipped: no partner on event", "event", ev.Type)
		return nil, nil
	}
	users, err := n.Directory.UsersForPartner(ctx, ev.PartnerID)
	if err != nil {
		return nil, err
	}
	switch len(users) {
	case 1:
		return []string{users[0].ID}, nil
	case 0:
		n.logger().Info("notification skipped: partner has no user", "event", ev.Type, "partner", ev.PartnerID)
	default:
		n.logger().Warn("notification skipped: partner has several users", "event", ev.Type, "partner", ev.PartnerID, "users", len(users))
	}
	return nil, nil
}
