package ws

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

func TestToWSEvent(t *testing.T) {
	convID, recipient := uuid.New(), uuid.New()
	ev := &event.StreamEvent{
		Cursor: "01HXYZ", ConversationID: convID, RecipientDevice: recipient,
		Kind: event.KindMemberChanged, Priority: event.PriorityNormal,
		OccurredAtMilli: 42,
		Payload:         event.MemberChangedPayload{Principal: "bob", Action: "left"},
	}

	out := toWSEvent(ev)

	assert.Equal(t, "01HXYZ", out.Cursor)
	assert.Equal(t, convID.String(), out.ConversationID)
	assert.Equal(t, recipient.String(), out.RecipientDevice)
	assert.Equal(t, int16(event.KindMemberChanged), out.Kind)

	var payload event.MemberChangedPayload
	require.NoError(t, json.Unmarshal(out.Payload, &payload))
	assert.Equal(t, "bob", payload.Principal)
}

func TestAuthContextFromRequestMissingHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/stream", nil)
	_, err := authContextFromRequest(req)
	require.Error(t, err)
}

func TestAuthContextFromRequestNotBearer(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/stream", nil)
	req.Header.Set("Authorization", "Basic deadbeef")
	_, err := authContextFromRequest(req)
	require.Error(t, err)
}

func TestAuthContextFromRequestOK(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/stream", nil)
	req.Header.Set("Authorization", "Bearer the-token")

	ctx, err := authContextFromRequest(req)
	require.NoError(t, err)

	md, ok := metadata.FromIncomingContext(ctx)
	require.True(t, ok)
	assert.Equal(t, []string{"Bearer the-token"}, md.Get("authorization"))
}
