// Package notify fans workflow events out to per-user notifications.
//
// Fanout is best effort. It runs after the triggering transaction committed,
// and every failure (recipient lookup, persistence, relay) is logged and
// counted but never returned to the caller.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Kecupro/SoftwareManage-sub001/internal/domain"
	"github.com/Kecupro/SoftwareManage-sub001/internal/metrics"
)

// Event types.
const (
	RequestCreated         = "request-created"
	RequestApproved        = "request-approved"
	RequestRejected        = "request-rejected"
	ModuleDeliveryAccepted = "module-delivery-accepted"
	ModuleDeliveryRejected = "module-delivery-rejected"
	ModuleRejected         = "module-rejected"
)

// Event describes a committed workflow transition.
type Event struct {
	Type      string
	ActorID   string
	PartnerID string
	Title     string
	Message   string
	Refs      domain.EntityRefs
}

// Directory resolves recipients.
type Directory interface {
	UsersWithRoles(ctx context.Context, roles ...string) ([]domain.User, error)
	UsersForPartner(ctx context.Context, partnerID string) ([]domain.User, error)
}

// Sink persists notifications.
type Sink interface {
	InsertNotification(ctx context.Context, n domain.Notification) error
}

// Relay forwards a persisted notification to an external transport.
type Relay interface {
	Publish(ctx context.Context, n domain.Notification) error
	Close() error
}

// FanoutError wraps a failure while notifying one recipient, or while
// resolving recipients when Recipient is empty.
type FanoutError struct {
	Event     string
	Recipient string
	Err       error
}

func (e *FanoutError) Error() string {
	if e.Recipient == "" {
		return fmt.Sprintf("notify %s: %v", e.Event, e.Err)
	}
	return fmt.Sprintf("notify %s -> %s: %v", e.Event, e.Recipient, e.Err)
}

func (e *FanoutError) Unwrap() error { return e.Err }

type Notifier struct {
	Directory Directory
	Sink      Sink
	Relay     Relay
	Log       *slog.Logger
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

func (n *Notifier) logger() *slog.Logger {
	if n.Log != nil {
		return n.Log
	}
	return slog.Default()
}

func (n *Notifier) now() time.Time {
	if n.Now != nil {
		return n.Now()
	}
	return time.Now()
}

// Notify emits one notification per resolved recipient of ev.
func (n *Notifier) Notify(ctx context.Context, ev Event) {
	if n == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			n.fail(&FanoutError{Event: ev.Type, Err: fmt.Errorf("panic: %v", r)})
		}
	}()
	recipients, err := n.recipients(ctx, ev)
	if err != nil {
		n.fail(&FanoutError{Event: ev.Type, Err: err})
		return
	}
	if len(recipients) == 0 {
		n.Metrics.Notification(ev.Type, metrics.OutcomeSkipped)
		return
	}
	createdAt := n.now().UTC().Format(time.RFC3339)
	for _, userID := range recipients {
		note := domain.Notification{
			ID:              uuid.NewString(),
			RecipientUserID: userID,
			Title:           ev.Title,
			Message:         ev.Message,
			Type:            ev.Type,
			Refs:            ev.Refs,
			CreatedAt:       createdAt,
		}
		if err := n.Sink.InsertNotification(ctx, note); err != nil {
			n.fail(&FanoutError{Event: ev.Type, Recipient: userID, Err: err})
			continue
		}
		n.Metrics.Notification(ev.Type, metrics.OutcomeOK)
		if n.Relay == nil {
			continue
		}
		if err := n.Relay.Publish(ctx, note); err != nil {
			n.logger().Warn("notification relay failed", "event", ev.Type, "recipient", userID, "notification", note.ID, "error", err)
		}
	}
}

func (n *Notifier) fail(err *FanoutError) {
	n.Metrics.Notification(err.Event, metrics.OutcomeError)
	n.logger().Warn("notification fanout failed", "event", err.Event, "recipient", err.Recipient, "error", err.Err)
}
