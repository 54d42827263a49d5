package lp

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/metadata"

	"github.com/mlsds/delivery-service/internal/domain/event"
)

func TestToLPEvent(t *testing.T) {
	convID, recipient := uuid.New(), uuid.New()
	ev := &event.StreamEvent{
		Cursor: "01HABC", ConversationID: convID, RecipientDevice: recipient,
		Kind: event.KindWelcomeStaged, Priority: event.PriorityHigh,
		OccurredAtMilli: 7,
		Payload:         event.MemberChangedPayload{Principal: "carol", Action: "added"},
	}

	out := toLPEvent(ev)

	assert.Equal(t, "01HABC", out.Cursor)
	assert.Equal(t, convID.String(), out.ConversationID)
	assert.Equal(t, recipient.String(), out.RecipientDevice)
	assert.Equal(t, int16(event.KindWelcomeStaged), out.Kind)

	var payload event.MemberChangedPayload
	require.NoError(t, json.Unmarshal(out.Payload, &payload))
	assert.Equal(t, "carol", payload.Principal)
}

func TestAuthContextFromRequestMissingHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/poll", nil)
	_, err := authContextFromRequest(req)
	require.Error(t, err)
}

func TestAuthContextFromRequestOK(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/poll", nil)
	req.Header.Set("Authorization", "Bearer the-token")

	ctx, err := authContextFromRequest(req)
	require.NoError(t, err)

	md, ok := metadata.FromIncomingContext(ctx)
	require.True(t, ok)
	assert.Equal(t, []string{"Bearer the-token"}, md.Get("authorization"))
}
