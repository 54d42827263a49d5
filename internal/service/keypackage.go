package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"

	"github.com/mlsds/delivery-service/internal/apperr"
	"github.com/mlsds/delivery-service/internal/domain/model"
	"github.com/mlsds/delivery-service/internal/store/postgres"
)

// KeyPackageMailbox implements §4.2.
type KeyPackageMailbox struct {
	repo       *postgres.KeyPackageRepo
	deviceRepo *postgres.DeviceRepo
	maxActive  int
}

func NewKeyPackageMailbox(repo *postgres.KeyPackageRepo, deviceRepo *postgres.DeviceRepo, maxActive int) *KeyPackageMailbox {
	return &KeyPackageMailbox{repo: repo, deviceRepo: deviceRepo, maxActive: maxActive}
}

// Publish inserts a new available key package owned by the caller's
// device, enforcing max_key_packages_per_device (§6 config).
func (m *KeyPackageMailbox) Publish(ctx context.Context, caller model.AuthenticatedCaller, blob []byte, ciphersuite string, expiresAt time.Time) (string, error) {
	if !caller.HasDevice() {
		return "", apperr.New(apperr.Unauthenticated, "publish requires a device-bound token")
	}
	if len(blob) == 0 || ciphersuite == "" {
		return "", apperr.New(apperr.InvalidInput, "blob and ciphersuite are required")
	}

	active, err := m.repo.CountActive(ctx, caller.DeviceID)
	if err != nil {
		return "", err
	}
	if active >= m.maxActive {
		return "", apperr.New(apperr.Conflict, "max_key_packages_per_device reached")
	}

	sum := sha256.Sum256(blob)
	hash := hex.EncodeToString(sum[:])

	kp := &model.KeyPackage{
		ID:             uuid.New(),
		OwnerPrincipal: caller.Principal,
		OwnerDevice:    caller.DeviceID,
		Hash:           hash,
		Ciphersuite:    ciphersuite,
		Blob:           blob,
		ExpiresAt:      expiresAt,
		State:          model.KeyPackageAvailable,
		CreatedAt:      time.Now().UTC(),
	}

	if err := m.repo.Insert(ctx, kp); err != nil {
		return "", err
	}
	return hash, nil
}

// FetchFor returns up to maxPerDevice available key packages per device
// across every device of each target principal.
func (m *KeyPackageMailbox) FetchFor(ctx context.Context, targetPrincipals []string, maxPerDevice int) (map[uuid.UUID][]*model.KeyPackage, error) {
	devices, err := m.deviceRepo.ListForPrincipals(ctx, targetPrincipals)
	if err != nil {
		return nil, err
	}

	ids := make([]uuid.UUID, 0, len(devices))
	for _, d := range devices {
		ids = append(ids, d.DeviceID)
	}

	return m.repo.FetchForDevices(ctx, ids, maxPerDevice)
}
