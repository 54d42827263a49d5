package grpc

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlsds/delivery-service/internal/domain/event"
)

func TestToEventDTO(t *testing.T) {
	convID, recipient := uuid.New(), uuid.New()
	ev := &event.StreamEvent{
		Cursor: "01HXYZ", ConversationID: convID, RecipientDevice: recipient,
		Kind: event.KindCommitCreated, Priority: event.PriorityHigh,
		OccurredAtMilli: 123456,
		Payload:         event.MinimalMessagePayload{MessageID: "m1", Epoch: 2, Type: "commit"},
	}

	dto := toEventDTO(ev)

	assert.Equal(t, "01HXYZ", dto.Cursor)
	assert.Equal(t, convID.String(), dto.ConversationID)
	assert.Equal(t, recipient.String(), dto.RecipientDevice)
	assert.Equal(t, int16(event.KindCommitCreated), dto.Kind)
	assert.Equal(t, int32(event.PriorityHigh), dto.Priority)
	assert.Equal(t, int64(123456), dto.OccurredAtMilli)

	var payload event.MinimalMessagePayload
	require.NoError(t, json.Unmarshal(dto.Payload, &payload))
	assert.Equal(t, "m1", payload.MessageID)
	assert.Equal(t, uint64(2), payload.Epoch)
}
