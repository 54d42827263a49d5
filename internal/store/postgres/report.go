package postgres

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/mlsds/delivery-service/internal/apperr"
	"github.com/mlsds/delivery-service/internal/domain/model"
)

// ReportRepo backs abuse/safety reporting — a report references an
// encrypted-content blob the server cannot read, only route to a moderator.
type ReportRepo struct {
	store *Store
}

func NewReportRepo(store *Store) *ReportRepo {
	return &ReportRepo{store: store}
}

func (r *ReportRepo) Create(ctx context.Context, rep *model.Report) error {
	_, err := r.store.pool.Exec(ctx, `
		INSERT INTO reports
			(id, conversation_id, reporter_principal, reported_principal,
			 encrypted_content, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rep.ID, rep.ConversationID, rep.ReporterPrincipal, rep.ReportedPrincipal,
		rep.EncryptedContent, model.ReportPending, rep.CreatedAt,
	)
	return err
}

func (r *ReportRepo) Resolve(ctx context.Context, id uuid.UUID, resolver string, status model.ReportStatus, notes string) error {
	tag, err := r.store.pool.Exec(ctx, `
		UPDATE reports SET status = $2, resolved_by = $3, resolved_at = now(), notes = $4
		WHERE id = $1 AND status = $5`,
		id, status, resolver, notes, model.ReportPending,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.Conflict, "report already resolved or unknown")
	}
	return nil
}

func (r *ReportRepo) Get(ctx context.Context, id uuid.UUID) (*model.Report, error) {
	row := r.store.pool.QueryRow(ctx, `
		SELECT id, conversation_id, reporter_principal, reported_principal,
			encrypted_content, status, resolved_by, resolved_at, notes, created_at
		FROM reports WHERE id = $1`, id)
	rep := &model.Report{}
	err := row.Scan(&rep.ID, &rep.ConversationID, &rep.ReporterPrincipal, &rep.ReportedPrincipal,
		&rep.EncryptedContent, &rep.Status, &rep.ResolvedBy, &rep.ResolvedAt, &rep.Notes, &rep.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "report not found")
	}
	return rep, err
}

func (r *ReportRepo) ListPending(ctx context.Context, limit int) ([]*model.Report, error) {
	rows, err := r.store.pool.Query(ctx, `
		SELECT id, conversation_id, reporter_principal, reported_principal,
			encrypted_content, status, resolved_by, resolved_at, notes, created_at
		FROM reports WHERE status = $1 ORDER BY created_at ASC LIMIT $2`,
		model.ReportPending, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Report
	for rows.Next() {
		rep := &model.Report{}
		if err := rows.Scan(&rep.ID, &rep.ConversationID, &rep.ReporterPrincipal, &rep.ReportedPrincipal,
			&rep.EncryptedContent, &rep.Status, &rep.ResolvedBy, &rep.ResolvedAt, &rep.Notes, &rep.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rep)
	}
	return out, rows.Err()
}
