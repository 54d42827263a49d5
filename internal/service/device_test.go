package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlsds/delivery-service/internal/apperr"
	"github.com/mlsds/delivery-service/internal/domain/model"
)

// These exercise DeviceRegistry's validation guards, which all return before
// touching the store, so a nil repo is safe to pass.

func TestDeviceRegistryRegisterRejectsEmptyPublicKey(t *testing.T) {
	r := NewDeviceRegistry(nil, nil, 5)
	_, err := r.Register(context.Background(), model.AuthenticatedCaller{Principal: "alice"}, "019bb6d7-8bb8-7a5c-b163-8cf8d362a474", "phone", nil)

	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.InvalidInput, appErr.Kind)
}

func TestDeviceRegistryRegisterRejectsMalformedDeviceID(t *testing.T) {
	r := NewDeviceRegistry(nil, nil, 5)
	_, err := r.Register(context.Background(), model.AuthenticatedCaller{Principal: "alice"}, "not-a-uuid", "phone", []byte("pubkey"))

	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.InvalidInput, appErr.Kind)
}

func TestDeviceRegistryRegisterPushTokenRequiresDeviceBoundCaller(t *testing.T) {
	r := NewDeviceRegistry(nil, nil, 5)
	err := r.RegisterPushToken(context.Background(), model.AuthenticatedCaller{Principal: "alice"}, "push-tok", "fcm")

	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.Unauthenticated, appErr.Kind)
}
