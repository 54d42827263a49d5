package postgres

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/mlsds/delivery-service/internal/domain/model"
)

// EnvelopeRepo backs the Envelope Fan-out component (§4.5): one row
// per (message, recipient device), inserted at-least-once and deduplicated
// on the (message_id, recipient_device) unique constraint.
type EnvelopeRepo struct {
	store *Store
}

func NewEnvelopeRepo(store *Store) *EnvelopeRepo {
	return &EnvelopeRepo{store: store}
}

// FanOut inserts one envelope per recipient device, skipping duplicates.
// Called from the background fan-out task after the message transaction
// commits — never inside the epoch transaction itself, so a slow fan-out
// never holds the conversation row lock.
func (r *EnvelopeRepo) FanOut(ctx context.Context, messageID uuid.UUID, recipients []uuid.UUID) error {
	if len(recipients) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, dev := range recipients {
		batch.Queue(`
			INSERT INTO envelopes (message_id, recipient_device)
			VALUES ($1, $2)
			ON CONFLICT (message_id, recipient_device) DO NOTHING`,
			messageID, dev,
		)
	}
	br := r.store.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range recipients {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// MarkDelivered records that recipientDevice has fetched messageID.
func (r *EnvelopeRepo) MarkDelivered(ctx context.Context, messageID, recipientDevice uuid.UUID) error {
	_, err := r.store.pool.Exec(ctx, `
		UPDATE envelopes SET delivered_at = now()
		WHERE message_id = $1 AND recipient_device = $2 AND delivered_at IS NULL`,
		messageID, recipientDevice,
	)
	return err
}

// MarkRead records that recipientDevice has consumed messageID, relieving
// mailbox pressure (§4.5).
func (r *EnvelopeRepo) MarkRead(ctx context.Context, messageID, recipientDevice uuid.UUID) error {
	_, err := r.store.pool.Exec(ctx, `
		UPDATE envelopes SET read_at = now()
		WHERE message_id = $1 AND recipient_device = $2 AND read_at IS NULL`,
		messageID, recipientDevice,
	)
	return err
}

// Pending returns undelivered envelopes for a device, newest-last, for
// clients that fell back to mailbox polling (§4.6).
func (r *EnvelopeRepo) Pending(ctx context.Context, recipientDevice uuid.UUID, limit int) ([]*model.Envelope, error) {
	rows, err := r.store.pool.Query(ctx, `
		SELECT e.message_id, e.recipient_device, e.delivered_at, e.read_at
		FROM envelopes e
		JOIN messages m ON m.id = e.message_id
		WHERE e.recipient_device = $1 AND e.delivered_at IS NULL
		ORDER BY m.created_at ASC LIMIT $2`,
		recipientDevice, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Envelope
	for rows.Next() {
		e := &model.Envelope{}
		if err := rows.Scan(&e.MessageID, &e.RecipientDevice, &e.DeliveredAt, &e.ReadAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UnderFanned finds messages whose envelope count is short of the number
// of active-in-sync recipients expected at insert time, the reconciler's
// query for crash-between-commit-and-fanout recovery (§4.5).
func (r *EnvelopeRepo) UnderFanned(ctx context.Context, limit int) ([]uuid.UUID, error) {
	rows, err := r.store.pool.Query(ctx, `
		SELECT m.id
		FROM messages m
		JOIN members mem ON mem.conversation_id = m.conversation_id
			AND mem.left_at IS NULL AND NOT mem.needs_rejoin AND mem.device_id <> m.sender_device
		LEFT JOIN envelopes e ON e.message_id = m.id AND e.recipient_device = mem.device_id
		WHERE e.message_id IS NULL
		GROUP BY m.id
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ExpectedRecipients returns the active-in-sync member devices (excluding
// sender) for a message's conversation, used by both FanOut callers and the
// reconciler to recompute the recipient set for an under-fanned message.
func (r *EnvelopeRepo) ExpectedRecipients(ctx context.Context, messageID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.store.pool.Query(ctx, `
		SELECT mem.device_id
		FROM messages m
		JOIN members mem ON mem.conversation_id = m.conversation_id
			AND mem.left_at IS NULL AND NOT mem.needs_rejoin AND mem.device_id <> m.sender_device
		WHERE m.id = $1`,
		messageID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var dev uuid.UUID
		if err := rows.Scan(&dev); err != nil {
			return nil, err
		}
		out = append(out, dev)
	}
	return out, rows.Err()
}
