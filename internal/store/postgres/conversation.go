package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/mlsds/delivery-service/internal/apperr"
	"github.com/mlsds/delivery-service/internal/domain/model"
)

// ConversationRepo backs the Conversation Registry component (§4.3).
// Every method that advances current_epoch is expected to be called from
// inside a Store.Serializable transaction obtained by the caller — this
// repo never opens its own transaction for those paths, it only issues
// statements against the Querier handed to it.
type ConversationRepo struct {
	store *Store
}

func NewConversationRepo(store *Store) *ConversationRepo {
	return &ConversationRepo{store: store}
}

// LockForUpdate row-locks the conversation and returns its current state,
// the first step of every epoch-advancing transaction (§5).
func (r *ConversationRepo) LockForUpdate(ctx context.Context, tx pgx.Tx, convID uuid.UUID) (*model.Conversation, error) {
	row := tx.QueryRow(ctx, `
		SELECT id, creator_principal, ciphersuite, current_epoch, group_info_blob,
			group_info_epoch, group_info_updated_at, created_at, status
		FROM conversations WHERE id = $1 FOR UPDATE`, convID)

	c := &model.Conversation{}
	err := row.Scan(&c.ID, &c.CreatorPrincipal, &c.Ciphersuite, &c.CurrentEpoch, &c.GroupInfoBlob,
		&c.GroupInfoEpoch, &c.GroupInfoUpdatedAt, &c.CreatedAt, &c.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "conversation not found: "+convID.String())
	}
	return c, err
}

// CreateTx inserts a brand new conversation row plus the creator's member
// row (as admin) inside tx. Used by createConvo at epoch 0 (or whatever
// epoch the supplied initial commit implies).
func (r *ConversationRepo) CreateTx(ctx context.Context, tx pgx.Tx, c *model.Conversation, creatorDevice uuid.UUID) error {
	if _, err := tx.Exec(ctx, `
		INSERT INTO conversations
			(id, creator_principal, ciphersuite, current_epoch, group_info_blob,
			 group_info_epoch, group_info_updated_at, created_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		c.ID, c.CreatorPrincipal, c.Ciphersuite, c.CurrentEpoch, c.GroupInfoBlob,
		c.GroupInfoEpoch, c.GroupInfoUpdatedAt, c.CreatedAt, model.ConversationActive,
	); err != nil {
		return err
	}

	now := time.Now().UTC()
	_, err := tx.Exec(ctx, `
		INSERT INTO members
			(conversation_id, principal_id, device_id, joined_at, is_admin, promoted_at, promoted_by)
		VALUES ($1, $2, $3, $4, true, $4, $2)`,
		c.ID, c.CreatorPrincipal, creatorDevice, now,
	)
	return err
}

// AdvanceEpochTx bumps current_epoch by delta and refreshes the cached
// GroupInfo, the last step ((g)/(h) in §5) of every commit-append sequence.
func (r *ConversationRepo) AdvanceEpochTx(ctx context.Context, tx pgx.Tx, convID uuid.UUID, delta uint64, groupInfo []byte, newEpoch uint64) error {
	_, err := tx.Exec(ctx, `
		UPDATE conversations
		SET current_epoch = current_epoch + $2,
			group_info_blob = $3, group_info_epoch = $4, group_info_updated_at = now()
		WHERE id = $1`,
		convID, delta, groupInfo, newEpoch,
	)
	return err
}

// CheckEpoch is the linearization check of §4.3: the caller must have
// already locked the row (LockForUpdate) and now compares the
// client-supplied epoch against the authoritative one.
func CheckEpoch(current, supplied uint64) error {
	if current != supplied {
		return apperr.WithHint(apperr.EpochMismatch, "commit epoch does not match conversation epoch",
			map[string]any{"current_epoch": current})
	}
	return nil
}

// AddMemberTx inserts a new member row as part of addMembers. A device that
// previously departed (left_at set) keeps that row immutable per §3's
// invariant — a genuine re-add is a distinct social action the caller must
// perform explicitly, not an implicit revival here.
func (r *ConversationRepo) AddMemberTx(ctx context.Context, tx pgx.Tx, convID uuid.UUID, principal string, device uuid.UUID) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO members (conversation_id, principal_id, device_id, joined_at)
		VALUES ($1, $2, $3, now())`,
		convID, principal, device,
	)
	if err != nil && isUniqueViolation(err) {
		return apperr.New(apperr.Conflict, "device already a member of this conversation")
	}
	return err
}

// RemoveMemberTx soft-deletes the departing member and clears any pending
// rejoin flag (§4.3 removeMember/leaveConvo).
func (r *ConversationRepo) RemoveMemberTx(ctx context.Context, tx pgx.Tx, convID uuid.UUID, principal string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE members
		SET left_at = now(), needs_rejoin = false, rejoin_requested_at = NULL
		WHERE conversation_id = $1 AND principal_id = $2 AND left_at IS NULL`,
		convID, principal,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.NotFound, "member not active in conversation")
	}
	return nil
}

// MemberTx fetches a single member row for policy checks (admin gate,
// active-membership gate) inside the epoch transaction.
func (r *ConversationRepo) MemberTx(ctx context.Context, tx pgx.Tx, convID uuid.UUID, principal string) (*model.Member, error) {
	row := tx.QueryRow(ctx, `
		SELECT conversation_id, principal_id, device_id, joined_at, left_at,
			is_admin, promoted_at, promoted_by, needs_rejoin, rejoin_requested_at
		FROM members WHERE conversation_id = $1 AND principal_id = $2
		ORDER BY joined_at DESC LIMIT 1`, convID, principal)
	m := &model.Member{}
	err := row.Scan(&m.ConversationID, &m.Principal, &m.DeviceID, &m.JoinedAt, &m.LeftAt,
		&m.IsAdmin, &m.PromotedAt, &m.PromotedBy, &m.NeedsRejoin, &m.RejoinRequestedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.Forbidden, "not a member of this conversation")
	}
	return m, err
}

// ActiveMembers lists every currently-active member, used to compute the
// fan-out recipient set in Envelope Fan-out.
func (r *ConversationRepo) ActiveMembers(ctx context.Context, tx pgx.Tx, convID uuid.UUID) ([]*model.Member, error) {
	rows, err := tx.Query(ctx, `
		SELECT conversation_id, principal_id, device_id, joined_at, left_at,
			is_admin, promoted_at, promoted_by, needs_rejoin, rejoin_requested_at
		FROM members WHERE conversation_id = $1 AND left_at IS NULL`, convID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Member
	for rows.Next() {
		m := &model.Member{}
		if err := rows.Scan(&m.ConversationID, &m.Principal, &m.DeviceID, &m.JoinedAt, &m.LeftAt,
			&m.IsAdmin, &m.PromotedAt, &m.PromotedBy, &m.NeedsRejoin, &m.RejoinRequestedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SetAdminTx applies promoteAdmin/demoteAdmin's server-side safety-belt gate.
// Policy (creator immunity, last-admin protection) is validated by the
// caller before invoking this — this just flips the bit.
func (r *ConversationRepo) SetAdminTx(ctx context.Context, tx pgx.Tx, convID uuid.UUID, principal string, isAdmin bool, actor string) error {
	_, err := tx.Exec(ctx, `
		UPDATE members SET is_admin = $3, promoted_at = now(), promoted_by = $4
		WHERE conversation_id = $1 AND principal_id = $2 AND left_at IS NULL`,
		convID, principal, isAdmin, actor,
	)
	return err
}

// CountAdmins reports the number of active admins, used to enforce the
// last-admin-cannot-be-demoted rule.
func (r *ConversationRepo) CountAdmins(ctx context.Context, tx pgx.Tx, convID uuid.UUID) (int, error) {
	var n int
	err := tx.QueryRow(ctx, `
		SELECT count(*) FROM members WHERE conversation_id = $1 AND left_at IS NULL AND is_admin`,
		convID,
	).Scan(&n)
	return n, err
}

// MarkNeedsRejoinTx flags a device as out-of-sync (§4.7 Recovery Orchestrator).
func (r *ConversationRepo) MarkNeedsRejoinTx(ctx context.Context, tx pgx.Tx, convID uuid.UUID, principal string) error {
	_, err := tx.Exec(ctx, `
		UPDATE members SET needs_rejoin = true, rejoin_requested_at = now()
		WHERE conversation_id = $1 AND principal_id = $2 AND left_at IS NULL`,
		convID, principal,
	)
	return err
}

// ClearNeedsRejoinTx clears the flag on successful external-commit rejoin.
func (r *ConversationRepo) ClearNeedsRejoinTx(ctx context.Context, tx pgx.Tx, convID uuid.UUID, principal string) error {
	_, err := tx.Exec(ctx, `
		UPDATE members SET needs_rejoin = false, rejoin_requested_at = NULL
		WHERE conversation_id = $1 AND principal_id = $2`,
		convID, principal,
	)
	return err
}

// GroupInfo returns the conversation's cached GroupInfo blob and epoch for
// getGroupInfo, outside of any transaction.
func (r *ConversationRepo) GroupInfo(ctx context.Context, convID uuid.UUID) ([]byte, uint64, error) {
	var blob []byte
	var epoch uint64
	err := r.store.pool.QueryRow(ctx, `
		SELECT group_info_blob, group_info_epoch FROM conversations WHERE id = $1`, convID,
	).Scan(&blob, &epoch)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, apperr.New(apperr.NotFound, "conversation not found: "+convID.String())
	}
	return blob, epoch, err
}

// ListForPrincipal implements getConvos (§6): every conversation the
// principal currently has an active member row in.
func (r *ConversationRepo) ListForPrincipal(ctx context.Context, principal string) ([]*model.Conversation, error) {
	rows, err := r.store.pool.Query(ctx, `
		SELECT c.id, c.creator_principal, c.ciphersuite, c.current_epoch, c.group_info_blob,
			c.group_info_epoch, c.group_info_updated_at, c.created_at, c.status
		FROM conversations c
		JOIN members m ON m.conversation_id = c.id
		WHERE m.principal_id = $1 AND m.left_at IS NULL
		ORDER BY c.created_at DESC`, principal)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Conversation
	for rows.Next() {
		c := &model.Conversation{}
		if err := rows.Scan(&c.ID, &c.CreatorPrincipal, &c.Ciphersuite, &c.CurrentEpoch, &c.GroupInfoBlob,
			&c.GroupInfoEpoch, &c.GroupInfoUpdatedAt, &c.CreatedAt, &c.Status); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
