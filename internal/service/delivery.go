package service

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/mlsds/delivery-service/internal/domain/event"
	"github.com/mlsds/delivery-service/internal/domain/model"
	"github.com/mlsds/delivery-service/internal/domain/registry"
)

// Deliverer is the primary interface transport handlers (gRPC/WS/long-poll)
// use to attach a device's live connection to its virtual mailbox and to
// resume it from a cursor on reconnect.
type Deliverer interface {
	Subscribe(ctx context.Context, deviceID uuid.UUID) (registry.Connector, error)
	Unsubscribe(deviceID, connID uuid.UUID)
	ReplaySince(ctx context.Context, caller model.AuthenticatedCaller, since string, limit int) (events []*event.StreamEvent, ok bool, err error)
}

type DeliveryService struct {
	hub    registry.Hubber
	convos *ConversationRegistry
	stream *EventStream
}

func NewDeliveryService(hub registry.Hubber, convos *ConversationRegistry, stream *EventStream) *DeliveryService {
	return &DeliveryService{hub: hub, convos: convos, stream: stream}
}

// Subscribe attaches a new connector to the device's cell and returns it to
// the calling transport handler so it can drain it into a stream.
func (s *DeliveryService) Subscribe(ctx context.Context, deviceID uuid.UUID) (registry.Connector, error) {
	const defaultBufferSize = 1024
	conn := registry.NewConnector(ctx, deviceID, defaultBufferSize)
	s.hub.Register(conn)
	return conn, nil
}

// Unsubscribe detaches the connector from the device's cell. Hub.Unregister
// only removes the session; it does not close the connector.
func (s *DeliveryService) Unsubscribe(deviceID, connID uuid.UUID) {
	s.hub.Unregister(deviceID, connID)
}

// ReplaySince resumes a subscribeConvoEvents stream from a cursor (§4.6/§8
// scenario S6). subscribeConvoEvents is device-wide, not per-conversation —
// a reconnecting device may have missed events across every conversation it
// belongs to, not just one — so this fans Replay out over the caller's
// current conversations and merges the results. Cursors are globally
// monotonic ULIDs with no cross-conversation ordering guarantee, so a plain
// lexical sort of the merged set is a valid total order to deliver in.
// ok is false if any conversation's buffer and durable tail have both aged
// past the requested cursor, in which case the caller must fall back to a
// full mailbox-poll restart instead of a partial replay.
func (s *DeliveryService) ReplaySince(ctx context.Context, caller model.AuthenticatedCaller, since string, limit int) ([]*event.StreamEvent, bool, error) {
	if since == "" {
		return nil, true, nil
	}

	convs, err := s.convos.ListConvos(ctx, caller)
	if err != nil {
		return nil, false, err
	}

	var merged []*event.StreamEvent
	for _, conv := range convs {
		events, ok, err := s.stream.Replay(ctx, conv.ID, since, limit)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, false, nil
		}
		for _, ev := range events {
			if ev.RecipientDevice == caller.DeviceID {
				merged = append(merged, ev)
			}
		}
	}

	sort.Slice(merged, func(i, j int) bool { return merged[i].Cursor < merged[j].Cursor })
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, true, nil
}
