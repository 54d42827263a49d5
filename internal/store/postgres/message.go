package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/mlsds/delivery-service/internal/domain/model"
)

// MessageRepo backs the Message Log component (§4.4): a single
// append-only table keyed by (conversation_id, seq), gapless per
// conversation via row-locked MAX(seq)+1 allocation.
type MessageRepo struct {
	store *Store
}

func NewMessageRepo(store *Store) *MessageRepo {
	return &MessageRepo{store: store}
}

// AppendTx allocates the next seq for conversationID under row lock and
// inserts msg in the same statement set. Must run inside the conversation's
// epoch transaction (§5 step (c)/(d)), whose conversation row lock is what
// serializes the MAX(seq)+1 read. msg.Seq is populated on return.
func (r *MessageRepo) AppendTx(ctx context.Context, tx pgx.Tx, msg *model.Message) error {
	row := tx.QueryRow(ctx, `
		SELECT coalesce(max(seq), 0) + 1 FROM messages WHERE conversation_id = $1`,
		msg.ConversationID,
	)
	var seq int64
	if err := row.Scan(&seq); err != nil {
		return err
	}
	msg.Seq = seq

	_, err := tx.Exec(ctx, `
		INSERT INTO messages
			(id, conversation_id, sender_device, message_type, epoch, seq,
			 ciphertext, created_at, expires_at, embed_type, embed_uri)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		msg.ID, msg.ConversationID, msg.SenderDevice, msg.Type, msg.Epoch, msg.Seq,
		msg.Ciphertext, msg.CreatedAt, msg.ExpiresAt, msg.EmbedType, msg.EmbedURI,
	)
	return err
}

// GetMessages returns rows with seq > cursor, oldest first, capped at
// limit, optionally restricted to the given message types (§4.4,
// open-question #5).
func (r *MessageRepo) GetMessages(ctx context.Context, convID uuid.UUID, sinceSeq int64, limit int, types []model.MessageType) ([]*model.Message, error) {
	var rows pgx.Rows
	var err error
	if len(types) > 0 {
		rows, err = r.store.pool.Query(ctx, `
			SELECT id, conversation_id, sender_device, message_type, epoch, seq,
				ciphertext, created_at, expires_at, embed_type, embed_uri
			FROM messages
			WHERE conversation_id = $1 AND seq > $2 AND message_type = ANY($4)
				AND expires_at > now()
			ORDER BY seq ASC LIMIT $3`,
			convID, sinceSeq, limit, types,
		)
	} else {
		rows, err = r.store.pool.Query(ctx, `
			SELECT id, conversation_id, sender_device, message_type, epoch, seq,
				ciphertext, created_at, expires_at, embed_type, embed_uri
			FROM messages
			WHERE conversation_id = $1 AND seq > $2 AND expires_at > now()
			ORDER BY seq ASC LIMIT $3`,
			convID, sinceSeq, limit,
		)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

// GetCommits returns only commit-type rows with epoch >= sinceEpoch, used
// by clients catching up on group operations without replaying application
// traffic.
func (r *MessageRepo) GetCommits(ctx context.Context, convID uuid.UUID, sinceEpoch uint64) ([]*model.Message, error) {
	rows, err := r.store.pool.Query(ctx, `
		SELECT id, conversation_id, sender_device, message_type, epoch, seq,
			ciphertext, created_at, expires_at, embed_type, embed_uri
		FROM messages
		WHERE conversation_id = $1 AND message_type = $2 AND epoch >= $3
		ORDER BY seq ASC`,
		convID, model.MessageCommit, sinceEpoch,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

// DeleteExpired hard-deletes rows past retention (open-question
// #1: hard delete with cascade, no tombstones).
func (r *MessageRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.store.pool.Exec(ctx, `DELETE FROM messages WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanMessages(rows pgx.Rows) ([]*model.Message, error) {
	var out []*model.Message
	for rows.Next() {
		m := &model.Message{}
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderDevice, &m.Type, &m.Epoch, &m.Seq,
			&m.Ciphertext, &m.CreatedAt, &m.ExpiresAt, &m.EmbedType, &m.EmbedURI); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
