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

// DeviceRepo backs device registration and the Auth Gate's device-binding
// lookup (§3/§4.1). A principal's device roster is capped at
// max_devices_per_principal (open-question #2).
type DeviceRepo struct {
	store *Store
}

func NewDeviceRepo(store *Store) *DeviceRepo {
	return &DeviceRepo{store: store}
}

// Register inserts a new device, enforcing the per-principal device cap
// inside the same statement via a correlated count subquery so a race
// between two concurrent registrations cannot both slip past the cap.
func (r *DeviceRepo) Register(ctx context.Context, d *model.Device, maxDevices int) error {
	tag, err := r.store.pool.Exec(ctx, `
		INSERT INTO devices
			(principal_id, device_id, public_key, name, last_seen_at, registered_at,
			 push_token, push_provider)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8
		WHERE (SELECT count(*) FROM devices WHERE principal_id = $1) < $9`,
		d.PrincipalID, d.DeviceID, d.PublicKey, d.Name, d.LastSeenAt, d.RegisteredAt,
		d.PushToken, d.PushProvider, maxDevices,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.New(apperr.Conflict, "device already registered")
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.Forbidden, "device cap reached for principal")
	}
	return nil
}

func (r *DeviceRepo) Get(ctx context.Context, principal string, deviceID uuid.UUID) (*model.Device, error) {
	row := r.store.pool.QueryRow(ctx, `
		SELECT principal_id, device_id, public_key, name, last_seen_at, registered_at,
			push_token, push_provider
		FROM devices WHERE principal_id = $1 AND device_id = $2`,
		principal, deviceID,
	)
	d := &model.Device{}
	err := row.Scan(&d.PrincipalID, &d.DeviceID, &d.PublicKey, &d.Name, &d.LastSeenAt, &d.RegisteredAt,
		&d.PushToken, &d.PushProvider)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.Unauthenticated, "unknown device for principal")
	}
	return d, err
}

func (r *DeviceRepo) ListForPrincipals(ctx context.Context, principals []string) ([]*model.Device, error) {
	rows, err := r.store.pool.Query(ctx, `
		SELECT principal_id, device_id, public_key, name, last_seen_at, registered_at,
			push_token, push_provider
		FROM devices WHERE principal_id = ANY($1)`,
		principals,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Device
	for rows.Next() {
		d := &model.Device{}
		if err := rows.Scan(&d.PrincipalID, &d.DeviceID, &d.PublicKey, &d.Name, &d.LastSeenAt, &d.RegisteredAt,
			&d.PushToken, &d.PushProvider); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *DeviceRepo) TouchLastSeen(ctx context.Context, principal string, deviceID uuid.UUID, at time.Time) error {
	_, err := r.store.pool.Exec(ctx, `
		UPDATE devices SET last_seen_at = $3 WHERE principal_id = $1 AND device_id = $2`,
		principal, deviceID, at,
	)
	return err
}

// RegisterPushToken implements registerDeviceToken/unregisterDeviceToken
// (§6); an empty token/provider unregisters.
func (r *DeviceRepo) RegisterPushToken(ctx context.Context, principal string, deviceID uuid.UUID, token, provider string) error {
	_, err := r.store.pool.Exec(ctx, `
		UPDATE devices SET push_token = $3, push_provider = $4
		WHERE principal_id = $1 AND device_id = $2`,
		principal, deviceID, nullIfEmpty(token), nullIfEmpty(provider),
	)
	return err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
