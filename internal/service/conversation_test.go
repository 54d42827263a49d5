package service

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlsds/delivery-service/internal/apperr"
	"github.com/mlsds/delivery-service/internal/domain/event"
	"github.com/mlsds/delivery-service/internal/domain/model"
)

// These exercise ConversationRegistry's fail-fast validation guards, which
// all return before touching the store, so a zero-value registry is safe.

func TestCreateConvoRequiresDeviceBoundCaller(t *testing.T) {
	c := &ConversationRegistry{}
	_, err := c.CreateConvo(context.Background(), model.AuthenticatedCaller{Principal: "alice"}, "MLS_128_DHKEMX25519_AES128GCM_SHA256_Ed25519", []byte("ct"), []byte("gi"), nil)

	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.Unauthenticated, appErr.Kind)
}

func TestCreateConvoRejectsMissingFields(t *testing.T) {
	caller := model.AuthenticatedCaller{Principal: "alice", DeviceID: uuid.New()}
	c := &ConversationRegistry{}

	_, err := c.CreateConvo(context.Background(), caller, "", []byte("ct"), []byte("gi"), nil)
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.InvalidInput, appErr.Kind)

	_, err = c.CreateConvo(context.Background(), caller, "cs", nil, []byte("gi"), nil)
	appErr, ok = apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.InvalidInput, appErr.Kind)

	_, err = c.CreateConvo(context.Background(), caller, "cs", []byte("ct"), nil, nil)
	appErr, ok = apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.InvalidInput, appErr.Kind)
}

func TestAddMembersRequiresDeviceBoundCaller(t *testing.T) {
	c := &ConversationRegistry{}
	_, err := c.AddMembers(context.Background(), model.AuthenticatedCaller{Principal: "alice"}, uuid.New(), 0, []byte("ct"), []byte("gi"), nil)

	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.Unauthenticated, appErr.Kind)
}

func TestCommitEventShape(t *testing.T) {
	c := &ConversationRegistry{}
	convID, recipient, msgID := uuid.New(), uuid.New(), uuid.New()
	ev := c.commitEvent(convID, recipient, msgID, 4)

	assert.Equal(t, convID, ev.ConversationID)
	assert.Equal(t, recipient, ev.RecipientDevice)
	assert.Equal(t, event.KindCommitCreated, ev.Kind)
	assert.Equal(t, event.PriorityHigh, ev.Priority)
	payload, ok := ev.Payload.(event.MinimalMessagePayload)
	require.True(t, ok)
	assert.Equal(t, msgID.String(), payload.MessageID)
	assert.Equal(t, uint64(4), payload.Epoch)
}

func TestMemberChangedEventShape(t *testing.T) {
	c := &ConversationRegistry{}
	convID, recipient := uuid.New(), uuid.New()
	ev := c.memberChangedEvent(convID, recipient, "bob", "removed")

	assert.Equal(t, event.KindMemberChanged, ev.Kind)
	assert.Equal(t, event.PriorityNormal, ev.Priority)
	payload, ok := ev.Payload.(event.MemberChangedPayload)
	require.True(t, ok)
	assert.Equal(t, "bob", payload.Principal)
	assert.Equal(t, "removed", payload.Action)
}

func TestPublishWelcomeEventsNoopWithoutStream(t *testing.T) {
	c := &ConversationRegistry{}
	// Must not panic when no EventStream is wired.
	c.publishWelcomeEvents(uuid.New(), []NewMemberInput{{Principal: "bob", Device: uuid.New()}})
}
