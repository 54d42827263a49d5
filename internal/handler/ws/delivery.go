package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"google.golang.org/grpc/metadata"

	"github.com/mlsds/delivery-service/internal/apperr"
	"github.com/mlsds/delivery-service/internal/domain/event"
	"github.com/mlsds/delivery-service/internal/service"
)

// wsReplayLimit caps how many missed events a reconnecting socket replays
// before switching to the live tail.
const wsReplayLimit = 1000

// WSHandler serves subscribeConvoEvents (§6) to browser clients that can't
// hold a long-lived gRPC stream, mirroring internal/handler/grpc's
// SubscribeConvoEvents over a websocket instead.
type WSHandler struct {
	logger    *slog.Logger
	auther    service.Auther
	deliverer service.Deliverer
	upgrader  websocket.Upgrader
}

func NewWSHandler(logger *slog.Logger, auther service.Auther, deliverer service.Deliverer) *WSHandler {
	return &WSHandler{
		logger:    logger,
		auther:    auther,
		deliverer: deliverer,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

type wsEvent struct {
	Cursor          string          `json:"cursor"`
	ConversationID  string          `json:"conversation_id"`
	RecipientDevice string          `json:"recipient_device"`
	Kind            int16           `json:"kind"`
	Priority        int32           `json:"priority"`
	OccurredAtMilli int64           `json:"occurred_at_milli"`
	Payload         json.RawMessage `json:"payload"`
}

func toWSEvent(ev event.Eventer) wsEvent {
	payload, _ := json.Marshal(ev.GetPayload())
	return wsEvent{
		Cursor:          ev.GetCursor(),
		ConversationID:  ev.GetConversationID().String(),
		RecipientDevice: ev.GetRecipientDevice().String(),
		Kind:            int16(ev.GetKind()),
		Priority:        int32(ev.GetPriority()),
		OccurredAtMilli: ev.GetOccurredAt(),
		Payload:         payload,
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, err := authContextFromRequest(r)
	if err != nil {
		http.Error(w, "missing or malformed authorization header", http.StatusUnauthorized)
		return
	}
	auth, err := h.auther.Inspect(service.WithMethod(ctx, "subscribeConvoEvents"))
	if err != nil {
		http.Error(w, "authentication failed", http.StatusUnauthorized)
		return
	}
	if !auth.HasDevice() {
		http.Error(w, "subscribeConvoEvents requires a device-bound token", http.StatusUnauthorized)
		return
	}

	conn, err := h.deliverer.Subscribe(r.Context(), auth.DeviceID)
	if err != nil {
		http.Error(w, "failed to subscribe", http.StatusInternalServerError)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("WS_UPGRADE_FAILED", slog.Any("err", err))
		h.deliverer.Unsubscribe(auth.DeviceID, conn.GetID())
		return
	}
	defer ws.Close()
	defer h.deliverer.Unsubscribe(auth.DeviceID, conn.GetID())

	l := h.logger.With(slog.String("principal", auth.Principal), slog.String("device_id", auth.DeviceID.String()), slog.String("conn_id", conn.GetID().String()))
	l.Info("STREAM_ESTABLISHED")
	defer l.Info("STREAM_TERMINATED")

	since := r.URL.Query().Get("since")
	replayed, ok, err := h.deliverer.ReplaySince(r.Context(), *auth, since, wsReplayLimit)
	if err != nil {
		l.Error("REPLAY_FAILED", slog.Any("err", err))
		return
	}
	if !ok {
		l.Warn("REPLAY_CURSOR_TOO_OLD", slog.String("since", since))
	}
	for _, ev := range replayed {
		if err := ws.WriteJSON(toWSEvent(ev)); err != nil {
			l.Warn("TRANSMISSION_ERROR", slog.Any("err", err))
			return
		}
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-conn.Recv():
			if !ok {
				l.Warn("HUB_FORCED_DISCONNECT")
				return
			}
			if err := ws.WriteJSON(toWSEvent(ev)); err != nil {
				l.Warn("TRANSMISSION_ERROR", slog.Any("err", err))
				return
			}
		}
	}
}

// authContextFromRequest lifts the Authorization header into the grpc
// metadata shape service.Auther.Inspect expects, so the Auth Gate has one
// bearer-token parsing path shared by every transport.
func authContextFromRequest(r *http.Request) (context.Context, error) {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return nil, apperr.New(apperr.Unauthenticated, "missing bearer token")
	}
	return metadata.NewIncomingContext(r.Context(), metadata.Pairs("authorization", h)), nil
}
