// Package audit appends entries to the per-entity history. Entries are never
// edited or removed; the writer has no update path.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Kecupro/SoftwareManage-sub001/internal/db"
	"github.com/Kecupro/SoftwareManage-sub001/internal/domain"
)

// Actions recorded in history.
const (
	ActionCreated       = "created"
	ActionUpdated       = "updated"
	ActionApproved      = "approved"
	ActionRejected      = "rejected"
	ActionStatusChanged = "status_changed"
	ActionDelivered     = "delivered"
	ActionAccepted      = "accepted"
)

// Entry is one history record as supplied by the caller. Changes must be
// computed by the caller before it mutates the entity.
type Entry struct {
	Actor   string
	Action  string
	Note    string
	Changes []domain.Change
}

type Writer struct {
	Driver string
	Now    func() time.Time
}

// Append adds entry to the history of (kind, id) inside tx.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, kind, id string, entry Entry) error {
	if kind == "" || id == "" {
		return errors.New("audit: entity kind and id required")
	}
	if entry.Actor == "" || entry.Action == "" {
		return errors.New("audit: actor and action required")
	}
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	var changes any
	if len(entry.Changes) > 0 {
		data, err := json.Marshal(entry.Changes)
		if err != nil {
			return fmt.Errorf("marshal history changes: %w", err)
		}
		changes = string(data)
	}
	_, err := tx.ExecContext(ctx, db.Rebind(w.Driver, `INSERT INTO history(entity_kind,entity_id,seq,actor_id,action,ts,note,changes_json)
SELECT ?,?,COALESCE(MAX(seq),0)+1,?,?,?,?,? FROM history WHERE entity_kind=? AND entity_id=?`),
		kind, id, entry.Actor, entry.Action, ts, nullable(entry.Note), changes, kind, id)
	if err != nil {
		return fmt.Errorf("append %s history: %w", kind, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
