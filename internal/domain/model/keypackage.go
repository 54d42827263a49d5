package model

import (
	"time"

	"github.com/google/uuid"
)

// KeyPackageState is the lifecycle of a one-shot key package.
//
//go:generate stringer -type=KeyPackageState
type KeyPackageState int16

const (
	// [ZERO_VALUE_GUARD] start from 1 to distinguish from unset rows
	KeyPackageAvailable KeyPackageState = iota + 1
	KeyPackageReserved
	KeyPackageConsumed
	KeyPackageExpired
)

// KeyPackage is a pre-published, one-shot credential that lets a third party
// invite this device into a group. It MUST NOT be returned to any caller
// once consumed.
type KeyPackage struct {
	ID                 uuid.UUID
	OwnerPrincipal      string
	OwnerDevice         uuid.UUID
	Hash                string
	Ciphersuite         string
	Blob                []byte
	ExpiresAt           time.Time
	State               KeyPackageState
	ConsumedAt          *time.Time
	ReservedConversation *uuid.UUID
	CreatedAt           time.Time
}

func (k *KeyPackage) IsAvailable(now time.Time) bool {
	return k.State == KeyPackageAvailable && now.Before(k.ExpiresAt)
}
