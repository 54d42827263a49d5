package postgres

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/mlsds/delivery-service/internal/domain/model"
)

// AdminActionRepo is an append-only audit trail for promoteAdmin/
// demoteAdmin/removeMember. It grants no authority of its own — see
// model.AdminAction's doc comment and open-question #4.
type AdminActionRepo struct {
	store *Store
}

func NewAdminActionRepo(store *Store) *AdminActionRepo {
	return &AdminActionRepo{store: store}
}

// RecordTx appends an audit row inside the same transaction as the policy
// change it documents, so the audit trail can never diverge from what
// actually happened.
func (r *AdminActionRepo) RecordTx(ctx context.Context, tx pgx.Tx, a *model.AdminAction) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO admin_actions
			(id, conversation_id, actor_principal, target_principal, action,
			 reason, server_view_is_admin, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.ConversationID, a.ActorPrincipal, a.TargetPrincipal, a.Action,
		a.Reason, a.ServerViewIsAdmin, a.CreatedAt,
	)
	return err
}

func (r *AdminActionRepo) ListForConversation(ctx context.Context, convID uuid.UUID, limit int) ([]*model.AdminAction, error) {
	rows, err := r.store.pool.Query(ctx, `
		SELECT id, conversation_id, actor_principal, target_principal, action,
			reason, server_view_is_admin, created_at
		FROM admin_actions WHERE conversation_id = $1 ORDER BY created_at DESC LIMIT $2`,
		convID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.AdminAction
	for rows.Next() {
		a := &model.AdminAction{}
		if err := rows.Scan(&a.ID, &a.ConversationID, &a.ActorPrincipal, &a.TargetPrincipal,
			&a.Action, &a.Reason, &a.ServerViewIsAdmin, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
