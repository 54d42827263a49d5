package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/mlsds/delivery-service/internal/apperr"
	"github.com/mlsds/delivery-service/internal/client/pushnotifier"
	"github.com/mlsds/delivery-service/internal/domain/model"
	"github.com/mlsds/delivery-service/internal/store/postgres"
)

// DeviceRegistry implements registerDevice/registerDeviceToken (§6): a
// principal enrolls a new MLS leaf identity, then optionally binds a push
// token to it for offline delivery.
type DeviceRegistry struct {
	repo       *postgres.DeviceRepo
	notifier   pushnotifier.Notifier
	maxDevices int
}

func NewDeviceRegistry(repo *postgres.DeviceRepo, notifier pushnotifier.Notifier, maxDevices int) *DeviceRegistry {
	return &DeviceRegistry{repo: repo, notifier: notifier, maxDevices: maxDevices}
}

// Register enrolls a new device under the caller's principal, enforcing
// max_devices_per_principal.
func (r *DeviceRegistry) Register(ctx context.Context, caller model.AuthenticatedCaller, deviceID, name string, publicKey []byte) (*model.Device, error) {
	if len(publicKey) == 0 {
		return nil, apperr.New(apperr.InvalidInput, "public_key is required")
	}
	id, err := uuid.Parse(deviceID)
	if err != nil {
		return nil, apperr.Wrap(apperr.InvalidInput, "invalid device_id", err)
	}

	now := time.Now().UTC()
	d := &model.Device{
		PrincipalID:  caller.Principal,
		DeviceID:     id,
		PublicKey:    publicKey,
		Name:         name,
		LastSeenAt:   now,
		RegisteredAt: now,
	}
	if err := r.repo.Register(ctx, d, r.maxDevices); err != nil {
		return nil, err
	}
	return d, nil
}

// RegisterPushToken implements registerDeviceToken/unregisterDeviceToken
// (§6); an empty token unregisters.
func (r *DeviceRegistry) RegisterPushToken(ctx context.Context, caller model.AuthenticatedCaller, token, provider string) error {
	if !caller.HasDevice() {
		return apperr.New(apperr.Unauthenticated, "registering a push token requires a device-bound token")
	}
	if err := r.repo.RegisterPushToken(ctx, caller.Principal, caller.DeviceID, token, provider); err != nil {
		return err
	}
	if token == "" {
		return r.notifier.UnregisterToken(ctx, caller.Principal, caller.DeviceID)
	}
	return r.notifier.RegisterToken(ctx, caller.Principal, caller.DeviceID, token, provider)
}
