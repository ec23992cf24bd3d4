package engine

import (
	"context"

	"github.com/Kecupro/SoftwareManage-sub001/internal/domain"
)

const defaultNotificationLimit = 50

// ListNotifications returns the actor's own notifications, newest first.
func (e Engine) ListNotifications(ctx context.Context, actorID string, unreadOnly bool, limit int) ([]domain.Notification, error) {
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultNotificationLimit
	}
	return e.Repo.ListNotifications(ctx, actor.ID, unreadOnly, limit)
}

// MarkNotificationRead marks one of the actor's notifications as read.
// Notifications of other users are reported as not found.
func (e Engine) MarkNotificationRead(ctx context.Context, id, actorID string) error {
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return err
	}
	return e.Repo.MarkNotificationRead(ctx, id, actor.ID, e.ts())
}

func (e Engine) MarkAllNotificationsRead(ctx context.Context, actorID string) (int64, error) {
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return 0, err
	}
	return e.Repo.MarkAllNotificationsRead(ctx, actor.ID, e.ts())
}

func (e Engine) DeleteNotification(ctx context.Context, id, actorID string) error {
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return err
	}
	return e.Repo.DeleteNotification(ctx, id, actor.ID)
}
