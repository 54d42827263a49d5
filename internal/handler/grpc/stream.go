package grpc

import (
	"encoding/json"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mlsds/delivery-service/internal/domain/event"
)

// replayLimit caps how many missed events a reconnecting stream replays
// before switching to the live tail.
const replayLimit = 1000

// SubscribeConvoEventsServer is the streaming half of a hand-declared
// grpc.ServiceDesc: a server-streaming subscription keyed by device rather
// than by chat user.
type SubscribeConvoEventsServer interface {
	Send(*EventDTO) error
	grpc.ServerStream
}

// SubscribeConvoEvents implements subscribeConvoEvents (§6): a live tail of
// every event routed to the caller's device, resumable from a cursor at
// reconnect.
func (s *DeliveryServer) SubscribeConvoEvents(req *SubscribeConvoEventsRequest, stream SubscribeConvoEventsServer) error {
	ctx := stream.Context()
	startTime := time.Now()

	auth, ok := authFromContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "no authenticated caller on stream")
	}
	if !auth.HasDevice() {
		return status.Error(codes.Unauthenticated, "subscribeConvoEvents requires a device-bound token")
	}

	l := s.logger.With(slog.String("principal", auth.Principal), slog.String("device_id", auth.DeviceID.String()))

	conn, err := s.deliverer.Subscribe(ctx, auth.DeviceID)
	if err != nil {
		l.Error("SUBSCRIPTION_REJECTED", slog.Any("err", err))
		return status.Error(codes.Internal, "failed to establish subscription")
	}
	connID := conn.GetID()
	l = l.With(slog.String("conn_id", connID.String()))

	defer func() {
		s.deliverer.Unsubscribe(auth.DeviceID, connID)
		l.Info("STREAM_TERMINATED", slog.Duration("duration", time.Since(startTime)))
	}()

	l.Info("STREAM_ESTABLISHED", slog.String("since", req.Since))

	replayed, ok, err := s.deliverer.ReplaySince(ctx, *auth, req.Since, replayLimit)
	if err != nil {
		l.Error("REPLAY_FAILED", slog.Any("err", err))
		return status.Error(codes.Internal, "failed to replay missed events")
	}
	if !ok {
		l.Warn("REPLAY_CURSOR_TOO_OLD", slog.String("since", req.Since))
	}
	for _, ev := range replayed {
		if err := stream.Send(toEventDTO(ev)); err != nil {
			l.Error("TRANSMISSION_ERROR", slog.Any("err", err))
			return status.Error(codes.DataLoss, "stream_transmission_failed")
		}
	}

	for {
		select {
		case <-ctx.Done():
			l.Debug("CLIENT_DISCONNECTED")
			return nil

		case ev, ok := <-conn.Recv():
			if !ok {
				l.Warn("HUB_FORCED_DISCONNECT")
				return status.Error(codes.Unavailable, "session_terminated_by_server")
			}
			if err := stream.Send(toEventDTO(ev)); err != nil {
				l.Error("TRANSMISSION_ERROR", slog.Any("err", err))
				return status.Error(codes.DataLoss, "stream_transmission_failed")
			}
		}
	}
}

func toEventDTO(ev event.Eventer) *EventDTO {
	payload, _ := json.Marshal(ev.GetPayload())
	return &EventDTO{
		Cursor:          ev.GetCursor(),
		ConversationID:  ev.GetConversationID().String(),
		RecipientDevice: ev.GetRecipientDevice().String(),
		Kind:            int16(ev.GetKind()),
		Priority:        int32(ev.GetPriority()),
		OccurredAtMilli: ev.GetOccurredAt(),
		Payload:         payload,
	}
}
