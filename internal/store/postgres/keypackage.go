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

// KeyPackageRepo backs the Key-Package Mailbox component (§4.2).
type KeyPackageRepo struct {
	store *Store
}

func NewKeyPackageRepo(store *Store) *KeyPackageRepo {
	return &KeyPackageRepo{store: store}
}

// Insert publishes a new available key package. Hash collisions for the same
// device surface as apperr.Conflict per §4.2.
func (r *KeyPackageRepo) Insert(ctx context.Context, kp *model.KeyPackage) error {
	_, err := r.store.pool.Exec(ctx, `
		INSERT INTO key_packages
			(id, owner_principal, owner_device, hash, ciphersuite, blob, expires_at, state, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		kp.ID, kp.OwnerPrincipal, kp.OwnerDevice, kp.Hash, kp.Ciphersuite, kp.Blob,
		kp.ExpiresAt, model.KeyPackageAvailable, kp.CreatedAt,
	)
	if err != nil && isUniqueViolation(err) {
		return apperr.New(apperr.Conflict, "key package hash already published for this device")
	}
	return err
}

// CountActive returns the number of non-expired, non-consumed key packages
// for a device, used to enforce max_key_packages_per_device.
func (r *KeyPackageRepo) CountActive(ctx context.Context, device uuid.UUID) (int, error) {
	var n int
	err := r.store.pool.QueryRow(ctx, `
		SELECT count(*) FROM key_packages
		WHERE owner_device = $1 AND state = $2 AND expires_at > now()`,
		device, model.KeyPackageAvailable,
	).Scan(&n)
	return n, err
}

// FetchForDevices returns up to maxPerDevice available key packages per
// device, one row set per device across every device of the target
// principals — never a consumed one.
func (r *KeyPackageRepo) FetchForDevices(ctx context.Context, devices []uuid.UUID, maxPerDevice int) (map[uuid.UUID][]*model.KeyPackage, error) {
	out := make(map[uuid.UUID][]*model.KeyPackage, len(devices))
	if len(devices) == 0 {
		return out, nil
	}

	rows, err := r.store.pool.Query(ctx, `
		SELECT id, owner_principal, owner_device, hash, ciphersuite, blob, expires_at, state, created_at
		FROM (
			SELECT *, row_number() OVER (PARTITION BY owner_device ORDER BY created_at) AS rn
			FROM key_packages
			WHERE owner_device = ANY($1) AND state = $2 AND expires_at > now()
		) ranked
		WHERE rn <= $3`,
		devices, model.KeyPackageAvailable, maxPerDevice,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		kp := &model.KeyPackage{}
		if err := rows.Scan(&kp.ID, &kp.OwnerPrincipal, &kp.OwnerDevice, &kp.Hash,
			&kp.Ciphersuite, &kp.Blob, &kp.ExpiresAt, &kp.State, &kp.CreatedAt); err != nil {
			return nil, err
		}
		out[kp.OwnerDevice] = append(out[kp.OwnerDevice], kp)
	}
	return out, rows.Err()
}

// ConsumeTx atomically flips available->consumed inside tx, binding the
// consumer conversation. Returns apperr.AlreadyConsumed if the CAS misses.
func (r *KeyPackageRepo) ConsumeTx(ctx context.Context, tx pgx.Tx, hash string, conversationID uuid.UUID) (*model.KeyPackage, error) {
	row := tx.QueryRow(ctx, `
		UPDATE key_packages
		SET state = $1, consumed_at = now(), reserved_conversation = $2
		WHERE hash = $3 AND state = $4
		RETURNING id, owner_principal, owner_device, hash, ciphersuite, blob, expires_at, state, created_at`,
		model.KeyPackageConsumed, conversationID, hash, model.KeyPackageAvailable,
	)

	kp := &model.KeyPackage{}
	err := row.Scan(&kp.ID, &kp.OwnerPrincipal, &kp.OwnerDevice, &kp.Hash,
		&kp.Ciphersuite, &kp.Blob, &kp.ExpiresAt, &kp.State, &kp.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.AlreadyConsumed, "key package already consumed, expired, or unknown: "+hash)
	}
	if err != nil {
		return nil, err
	}
	return kp, nil
}

// ExpireOlderThan flips available key packages past their TTL to expired;
// used by the janitor (§4.7 / retention open question #1).
func (r *KeyPackageRepo) ExpireOlderThan(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.store.pool.Exec(ctx, `
		UPDATE key_packages SET state = $1
		WHERE state = $2 AND expires_at <= $3`,
		model.KeyPackageExpired, model.KeyPackageAvailable, now,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
