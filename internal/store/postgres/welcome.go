package postgres

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/mlsds/delivery-service/internal/apperr"
	"github.com/mlsds/delivery-service/internal/domain/model"
)

// WelcomeRepo backs the Welcome mailbox: one staged Welcome per invitee,
// keyed to the key-package hash the inviter's commit consumed (§4.3/§4.7).
type WelcomeRepo struct {
	store *Store
}

func NewWelcomeRepo(store *Store) *WelcomeRepo {
	return &WelcomeRepo{store: store}
}

// StageTx records a Welcome for recipientDevice as part of the same
// transaction that appends the commit consuming their key package.
func (r *WelcomeRepo) StageTx(ctx context.Context, tx pgx.Tx, w *model.WelcomeMailbox) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO welcome_mailbox
			(conversation_id, recipient_device, welcome_blob, key_package_hash, created_at, consumed)
		VALUES ($1, $2, $3, $4, $5, false)`,
		w.ConversationID, w.RecipientDevice, w.WelcomeBlob, w.KeyPackageHash, w.CreatedAt,
	)
	return err
}

// Stage records a Welcome outside any existing transaction — the
// deliverWelcome route (§6), where an already-joined member manually hands a
// fresh Welcome to a recovering device, independent of any commit append.
func (r *WelcomeRepo) Stage(ctx context.Context, w *model.WelcomeMailbox) error {
	_, err := r.store.pool.Exec(ctx, `
		INSERT INTO welcome_mailbox
			(conversation_id, recipient_device, welcome_blob, key_package_hash, created_at, consumed)
		VALUES ($1, $2, $3, $4, $5, false)`,
		w.ConversationID, w.RecipientDevice, w.WelcomeBlob, w.KeyPackageHash, w.CreatedAt,
	)
	return err
}

// GetWelcome returns the oldest unconsumed Welcome staged for a device whose
// referenced key package is still available (getWelcome, the legacy
// flag-based rejoin path's poll endpoint). A welcome whose key package was
// consumed or expired elsewhere is stale — it is marked consumed inline
// here rather than left for the janitor's async sweep, so it is never
// handed out even in the window before InvalidateStaleForHashes next runs.
func (r *WelcomeRepo) GetWelcome(ctx context.Context, recipientDevice uuid.UUID) (*model.WelcomeMailbox, error) {
	w := &model.WelcomeMailbox{}
	err := r.store.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			UPDATE welcome_mailbox w SET consumed = true
			WHERE w.recipient_device = $1 AND NOT w.consumed
			AND EXISTS (
				SELECT 1 FROM key_packages kp
				WHERE kp.hash = w.key_package_hash AND kp.state != $2
			)`,
			recipientDevice, model.KeyPackageAvailable,
		); err != nil {
			return err
		}

		row := tx.QueryRow(ctx, `
			SELECT w.conversation_id, w.recipient_device, w.welcome_blob, w.key_package_hash, w.created_at, w.consumed
			FROM welcome_mailbox w
			JOIN key_packages kp ON kp.hash = w.key_package_hash
			WHERE w.recipient_device = $1 AND NOT w.consumed AND kp.state = $2
			ORDER BY w.created_at ASC LIMIT 1`,
			recipientDevice, model.KeyPackageAvailable,
		)
		return row.Scan(&w.ConversationID, &w.RecipientDevice, &w.WelcomeBlob, &w.KeyPackageHash, &w.CreatedAt, &w.Consumed)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "no pending welcome for device")
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

// Consume marks a staged Welcome as delivered, terminal per the state
// machine — a consumed welcome is never replayed.
func (r *WelcomeRepo) Consume(ctx context.Context, conversationID, recipientDevice uuid.UUID) error {
	tag, err := r.store.pool.Exec(ctx, `
		UPDATE welcome_mailbox SET consumed = true
		WHERE conversation_id = $1 AND recipient_device = $2 AND NOT consumed`,
		conversationID, recipientDevice,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.AlreadyConsumed, "welcome already consumed or unknown")
	}
	return nil
}

// InvalidateStaleForHashes deletes unconsumed welcomes referencing
// already-consumed or expired key packages — the janitor's proactive
// stale-welcome cleanup (open-question #3).
func (r *WelcomeRepo) InvalidateStaleForHashes(ctx context.Context) (int64, error) {
	tag, err := r.store.pool.Exec(ctx, `
		DELETE FROM welcome_mailbox w
		WHERE NOT w.consumed
		AND EXISTS (
			SELECT 1 FROM key_packages kp
			WHERE kp.hash = w.key_package_hash
			AND kp.state IN ($1, $2)
		)`,
		model.KeyPackageConsumed, model.KeyPackageExpired,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
