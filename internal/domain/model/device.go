package model

import (
	"time"

	"github.com/google/uuid"
)

// Device is a single physical client instance with its own MLS leaf identity.
// Principal identity is never trusted to re-derive device keys: every device
// publishes and owns its own key-package supply.
type Device struct {
	PrincipalID    string
	DeviceID       uuid.UUID
	PublicKey      []byte
	Name           string
	LastSeenAt     time.Time
	RegisteredAt   time.Time
	PushToken      string
	PushProvider   string
}

// AuthenticatedCaller is what the Auth Gate yields to downstream handlers.
// The principal is never taken from a request body — it always comes from
// the verified bearer token.
type AuthenticatedCaller struct {
	Principal string
	DeviceID  uuid.UUID // zero value if the token did not carry a device claim
}

func (c AuthenticatedCaller) HasDevice() bool {
	return c.DeviceID != uuid.Nil
}
