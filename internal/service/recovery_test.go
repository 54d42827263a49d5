package service

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlsds/delivery-service/internal/apperr"
	"github.com/mlsds/delivery-service/internal/domain/model"
)

func TestProcessExternalCommitRequiresDeviceBoundCaller(t *testing.T) {
	o := &RecoveryOrchestrator{}
	_, err := o.ProcessExternalCommit(context.Background(), model.AuthenticatedCaller{Principal: "alice"}, uuid.New(), 1, []byte("ct"), []byte("gi"))

	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.Unauthenticated, appErr.Kind)
}

func TestDeliverWelcomeRequiresDeviceBoundCaller(t *testing.T) {
	o := &RecoveryOrchestrator{}
	err := o.DeliverWelcome(context.Background(), model.AuthenticatedCaller{Principal: "alice"}, uuid.New(), uuid.New(), []byte("welcome"), "hash")

	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.Unauthenticated, appErr.Kind)
}

func TestDeliverWelcomeRejectsMissingBlob(t *testing.T) {
	caller := model.AuthenticatedCaller{Principal: "alice", DeviceID: uuid.New()}
	o := &RecoveryOrchestrator{}
	err := o.DeliverWelcome(context.Background(), caller, uuid.New(), uuid.New(), nil, "hash")

	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.InvalidInput, appErr.Kind)
}

func TestDeliverWelcomeRejectsMissingKeyPackageHash(t *testing.T) {
	caller := model.AuthenticatedCaller{Principal: "alice", DeviceID: uuid.New()}
	o := &RecoveryOrchestrator{}
	err := o.DeliverWelcome(context.Background(), caller, uuid.New(), uuid.New(), []byte("welcome"), "")

	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.InvalidInput, appErr.Kind)
}

func TestGetWelcomeRequiresDeviceBoundCaller(t *testing.T) {
	o := &RecoveryOrchestrator{}
	_, err := o.GetWelcome(context.Background(), model.AuthenticatedCaller{Principal: "alice"})

	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.Unauthenticated, appErr.Kind)
}

func TestConsumeWelcomeRequiresDeviceBoundCaller(t *testing.T) {
	o := &RecoveryOrchestrator{}
	err := o.ConsumeWelcome(context.Background(), model.AuthenticatedCaller{Principal: "alice"}, uuid.New())

	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.Unauthenticated, appErr.Kind)
}
