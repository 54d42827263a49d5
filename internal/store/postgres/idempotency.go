package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/mlsds/delivery-service/internal/apperr"
	"github.com/mlsds/delivery-service/internal/domain/model"
)

// IdempotencyRepo is the durable half of the idempotency layer (§4.7 / §9):
// the singleflight group in internal/service collapses
// concurrent in-process duplicates, this repo collapses duplicates across
// process restarts and instances.
type IdempotencyRepo struct {
	store *Store
}

func NewIdempotencyRepo(store *Store) *IdempotencyRepo {
	return &IdempotencyRepo{store: store}
}

// Claim attempts to insert a placeholder row for (principal, route, key).
// If it succeeds, the caller owns execution and must call Complete. If a
// row already exists with a different fingerprint, Claim returns
// apperr.Conflict; with the same fingerprint it returns the row, and the
// caller returns the cached response (or, if ResponseBlob is nil, another
// execution is still in flight and the caller should wait and retry the
// lookup).
func (r *IdempotencyRepo) Claim(ctx context.Context, principal, route, key, fingerprint string, now time.Time) (record *model.IdempotencyRecord, owns bool, err error) {
	_, err = r.store.pool.Exec(ctx, `
		INSERT INTO idempotency_records
			(key, principal, route, request_fingerprint, response_blob, created_at, expires_at)
		VALUES ($1, $2, $3, $4, NULL, $5, $5)`,
		key, principal, route, fingerprint, now,
	)
	if err == nil {
		return nil, true, nil
	}
	if !isUniqueViolation(err) {
		return nil, false, err
	}

	existing, getErr := r.Get(ctx, principal, route, key)
	if getErr != nil {
		return nil, false, getErr
	}
	if existing.RequestFingerprint != fingerprint {
		return nil, false, apperr.New(apperr.Conflict, "idempotency key reused with a different request body")
	}
	return existing, false, nil
}

// Complete stores the winning execution's response and sets the real TTL.
func (r *IdempotencyRepo) Complete(ctx context.Context, principal, route, key string, response []byte, expiresAt time.Time) error {
	_, err := r.store.pool.Exec(ctx, `
		UPDATE idempotency_records SET response_blob = $4, expires_at = $5
		WHERE principal = $1 AND route = $2 AND key = $3`,
		principal, route, key, response, expiresAt,
	)
	return err
}

// Abandon removes a claimed-but-failed placeholder so a retried request is
// free to execute again instead of waiting out the full TTL.
func (r *IdempotencyRepo) Abandon(ctx context.Context, principal, route, key string) error {
	_, err := r.store.pool.Exec(ctx, `
		DELETE FROM idempotency_records WHERE principal = $1 AND route = $2 AND key = $3 AND response_blob IS NULL`,
		principal, route, key,
	)
	return err
}

func (r *IdempotencyRepo) Get(ctx context.Context, principal, route, key string) (*model.IdempotencyRecord, error) {
	row := r.store.pool.QueryRow(ctx, `
		SELECT key, principal, route, request_fingerprint, response_blob, created_at, expires_at
		FROM idempotency_records WHERE principal = $1 AND route = $2 AND key = $3`,
		principal, route, key,
	)
	rec := &model.IdempotencyRecord{}
	err := row.Scan(&rec.Key, &rec.Principal, &rec.Route, &rec.RequestFingerprint,
		&rec.ResponseBlob, &rec.CreatedAt, &rec.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "no idempotency record")
	}
	return rec, err
}

// Sweep deletes expired records, run by the janitor.
func (r *IdempotencyRepo) Sweep(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.store.pool.Exec(ctx, `DELETE FROM idempotency_records WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
