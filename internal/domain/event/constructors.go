package event

import (
	"fmt"

	"github.com/google/uuid"
)

// NewConnectedEvent builds a connection-handshake frame for a subscriber
// attaching to the stream. None of the transport handlers send it.
func NewConnectedEvent(cursor string, convID, deviceID uuid.UUID, connID, version string, occurredAtMilli int64) *StreamEvent {
	return &StreamEvent{
		Cursor:          cursor,
		ConversationID:  convID,
		RecipientDevice: deviceID,
		Kind:            KindConnected,
		Priority:        PriorityNormal,
		OccurredAtMilli: occurredAtMilli,
		Payload: &ConnectedPayload{
			Ok:            true,
			ConnectionID:  connID,
			ServerVersion: version,
		},
	}
}

// NewMessageEvent builds the live-push notice for a freshly appended
// application/commit message. The routingKey set here is replaced by
// EventStream.Publish, which exports every event, whatever its kind, under
// a per-conversation key.
func NewMessageEvent(cursor string, convID, deviceID, messageID uuid.UUID, seq int64, epoch uint64, msgType string, occurredAtMilli int64) *StreamEvent {
	kind := KindMessageCreated
	if msgType == "commit" {
		kind = KindCommitCreated
	}
	return &StreamEvent{
		Cursor:          cursor,
		ConversationID:  convID,
		RecipientDevice: deviceID,
		Kind:            kind,
		Priority:        PriorityHigh,
		OccurredAtMilli: occurredAtMilli,
		Payload: &MinimalMessagePayload{
			MessageID: messageID.String(),
			Seq:       seq,
			Epoch:     epoch,
			Type:      msgType,
		},
		routingKey: fmt.Sprintf("mlsds.v1.conv.%s.message.created", convID.String()),
	}
}

// NewWelcomeStagedEvent notifies a recovering device that a fresh Welcome is
// waiting for it (automatic-rejoin flow, flag-based path).
func NewWelcomeStagedEvent(cursor string, convID, deviceID uuid.UUID, occurredAtMilli int64) *StreamEvent {
	return &StreamEvent{
		Cursor:          cursor,
		ConversationID:  convID,
		RecipientDevice: deviceID,
		Kind:            KindWelcomeStaged,
		Priority:        PriorityHigh,
		OccurredAtMilli: occurredAtMilli,
	}
}

// NewRejoinRequestedEvent broadcasts that a device flagged itself as
// out-of-sync so any online member can mint it a fresh Welcome.
func NewRejoinRequestedEvent(cursor string, convID, deviceID uuid.UUID, recipient uuid.UUID, occurredAtMilli int64) *StreamEvent {
	return &StreamEvent{
		Cursor:          cursor,
		ConversationID:  convID,
		RecipientDevice: recipient,
		Kind:            KindRejoinRequested,
		Priority:        PriorityNormal,
		OccurredAtMilli: occurredAtMilli,
		Payload:         &RejoinRequestedPayload{DeviceID: deviceID.String()},
		routingKey:      fmt.Sprintf("mlsds.v1.conv.%s.rejoin.requested", convID.String()),
	}
}

// NewMemberChangedEvent notifies subscribers of admin-policy and
// membership-roster transitions.
func NewMemberChangedEvent(cursor string, convID, recipient uuid.UUID, principal string, deviceID uuid.UUID, action string, occurredAtMilli int64) *StreamEvent {
	return &StreamEvent{
		Cursor:          cursor,
		ConversationID:  convID,
		RecipientDevice: recipient,
		Kind:            KindMemberChanged,
		Priority:        PriorityNormal,
		OccurredAtMilli: occurredAtMilli,
		Payload: &MemberChangedPayload{
			Principal: principal,
			DeviceID:  deviceID.String(),
			Action:    action,
		},
		routingKey: fmt.Sprintf("mlsds.v1.conv.%s.member.changed", convID.String()),
	}
}
