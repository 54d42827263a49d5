// Package event defines the push-channel envelope that flows through the
// Event Stream's per-device actor mailboxes. Events are keyed by device
// rather than by a chat "user", and every event carries a ULID cursor
// instead of being purely fire-and-forget.
package event

import (
	"github.com/google/uuid"
)

// Kind enumerates the minimal_payload variants a subscriber can receive.
// Per §4.6, the payload never carries ciphertext — only enough for
// the client to know that *something* happened and go pull it via the
// mailbox endpoints.
type Kind int16

const (
	KindConnected Kind = iota + 1
	KindMessageCreated
	KindCommitCreated
	KindWelcomeStaged
	KindRejoinRequested
	KindMemberChanged
)

type Priority int32

const (
	PriorityLow    Priority = 10
	PriorityNormal Priority = 20
	PriorityHigh   Priority = 30
)

// Eventer is the contract for everything flowing through a device's mailbox.
type Eventer interface {
	GetCursor() string
	GetConversationID() uuid.UUID
	GetRecipientDevice() uuid.UUID
	GetKind() Kind
	GetPriority() Priority
	GetOccurredAt() int64
	GetPayload() any
	// GetCached/SetCached avoid re-marshalling the same event once per
	// transport per subscriber.
	GetCached() any
	SetCached(any)
}

// Exportable marks an event that should also be replicated to other DS
// nodes over the cross-node AMQP fan-out (see internal/handler/amqp).
type Exportable interface {
	GetRoutingKey() string
}

var _ Eventer = (*StreamEvent)(nil)

// StreamEvent is the concrete, universal envelope. Domain services construct
// it via the New* helpers below rather than filling it out ad hoc so that
// cursor/timestamp assignment stays centralized.
type StreamEvent struct {
	Cursor          string
	ConversationID  uuid.UUID
	RecipientDevice uuid.UUID
	Kind            Kind
	Priority        Priority
	OccurredAtMilli int64
	Payload         any
	routingKey      string
	cached          any
}

func (e *StreamEvent) GetCursor() string               { return e.Cursor }
func (e *StreamEvent) GetConversationID() uuid.UUID     { return e.ConversationID }
func (e *StreamEvent) GetRecipientDevice() uuid.UUID    { return e.RecipientDevice }
func (e *StreamEvent) GetKind() Kind                    { return e.Kind }
func (e *StreamEvent) GetPriority() Priority            { return e.Priority }
func (e *StreamEvent) GetOccurredAt() int64             { return e.OccurredAtMilli }
func (e *StreamEvent) GetPayload() any                  { return e.Payload }
func (e *StreamEvent) GetCached() any                   { return e.cached }
func (e *StreamEvent) SetCached(v any)                  { e.cached = v }
func (e *StreamEvent) GetRoutingKey() string            { return e.routingKey }

// SetRoutingKey is called by the cross-node publisher right before handing
// an event to the AMQP transport; routingKey itself stays unexported so
// domain services never have to think about replication topology.
func (e *StreamEvent) SetRoutingKey(k string) { e.routingKey = k }

// MinimalMessagePayload is what a subscriber learns about a new message:
// enough to decide whether to pull it, never the ciphertext itself.
type MinimalMessagePayload struct {
	MessageID string `json:"message_id"`
	Seq       int64  `json:"seq"`
	Epoch     uint64 `json:"epoch"`
	Type      string `json:"type"`
}

type ConnectedPayload struct {
	Ok            bool   `json:"ok"`
	ConnectionID  string `json:"connection_id"`
	ServerVersion string `json:"server_version"`
}

type RejoinRequestedPayload struct {
	DeviceID string `json:"device_id"`
}

type MemberChangedPayload struct {
	Principal string `json:"principal"`
	DeviceID  string `json:"device_id"`
	Action    string `json:"action"` // "added", "removed", "left", "promoted", "demoted"
}
