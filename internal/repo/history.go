package repo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Kecupro/SoftwareManage-sub001/internal/domain"
)

// History returns the audit trail of an entity in append order.
func (r Repo) History(ctx context.Context, kind, id string) ([]domain.HistoryEvent, error) {
	rows, err := r.DB.QueryContext(ctx, r.bind(`SELECT seq,actor_id,action,ts,COALESCE(note,''),changes_json FROM history
WHERE entity_kind=? AND entity_id=? ORDER BY seq`), kind, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	events := []domain.HistoryEvent{}
	for rows.Next() {
		var (
			ev      domain.HistoryEvent
			changes sql.NullString
		)
		if err := rows.Scan(&ev.Seq, &ev.Actor, &ev.Action, &ev.Timestamp, &ev.Note, &changes); err != nil {
			return nil, err
		}
		if err := decodeJSON(changes, &ev.Changes); err != nil {
			return nil, fmt.Errorf("decode history changes: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
