package postgres

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/mlsds/delivery-service/internal/domain/event"
)

// EventRepo persists the durable tail of the Event Stream (§4.6):
// the in-memory ring buffer is the hot path, this table is the cold
// fallback for a subscriber whose cursor has aged out of the buffer but is
// still newer than what a full mailbox-poll restart would require.
type EventRepo struct {
	store *Store
}

func NewEventRepo(store *Store) *EventRepo {
	return &EventRepo{store: store}
}

func (r *EventRepo) Append(ctx context.Context, e *event.StreamEvent) error {
	payload, err := json.Marshal(e.GetPayload())
	if err != nil {
		return err
	}

	var recipient any
	if e.RecipientDevice != uuid.Nil {
		recipient = e.RecipientDevice
	}

	_, err = r.store.pool.Exec(ctx, `
		INSERT INTO events (cursor, conversation_id, recipient_device, kind, priority, payload, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, to_timestamp($7::double precision / 1000))
		ON CONFLICT (cursor) DO NOTHING`,
		e.Cursor, e.ConversationID, recipient, e.Kind, e.Priority, payload, e.OccurredAtMilli,
	)
	return err
}

// Since returns persisted events for a conversation with cursor > since,
// oldest first, used when the ring buffer has already evicted the
// requested resume point.
func (r *EventRepo) Since(ctx context.Context, convID uuid.UUID, since string, limit int) ([]*event.StreamEvent, error) {
	rows, err := r.store.pool.Query(ctx, `
		SELECT cursor, conversation_id, recipient_device, kind, priority, payload,
			(extract(epoch from occurred_at) * 1000)::bigint
		FROM events
		WHERE conversation_id = $1 AND cursor > $2
		ORDER BY cursor ASC LIMIT $3`,
		convID, since, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows pgx.Rows) ([]*event.StreamEvent, error) {
	var out []*event.StreamEvent
	for rows.Next() {
		e := &event.StreamEvent{}
		var recipient *uuid.UUID
		var payload []byte
		if err := rows.Scan(&e.Cursor, &e.ConversationID, &recipient, &e.Kind, &e.Priority, &payload, &e.OccurredAtMilli); err != nil {
			return nil, err
		}
		if recipient != nil {
			e.RecipientDevice = *recipient
		}
		var v any
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, err
		}
		e.Payload = v
		out = append(out, e)
	}
	return out, rows.Err()
}

// PruneOrphaned deletes events whose conversation row no longer exists.
// Events of live conversations are not pruned: they carry no expires_at of
// their own.
func (r *EventRepo) PruneOrphaned(ctx context.Context) (int64, error) {
	tag, err := r.store.pool.Exec(ctx, `
		DELETE FROM events e
		WHERE NOT EXISTS (SELECT 1 FROM conversations c WHERE c.id = e.conversation_id)`,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
