package lp

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"google.golang.org/grpc/metadata"

	"github.com/mlsds/delivery-service/internal/apperr"
	"github.com/mlsds/delivery-service/internal/domain/event"
	"github.com/mlsds/delivery-service/internal/service"
)

// lpReplayLimit caps how many missed events a single poll replays before
// falling back to waiting on the live connector.
const lpReplayLimit = 1000

// LPHandler is the long-poll fallback for subscribeConvoEvents (§6): a
// single request blocks until an event arrives or the poll window elapses,
// for clients that can't hold a websocket or gRPC stream open.
type LPHandler struct {
	auther    service.Auther
	deliverer service.Deliverer
}

func NewLPHandler(auther service.Auther, deliverer service.Deliverer) *LPHandler {
	return &LPHandler{auther: auther, deliverer: deliverer}
}

type lpEvent struct {
	Cursor          string          `json:"cursor"`
	ConversationID  string          `json:"conversation_id"`
	RecipientDevice string          `json:"recipient_device"`
	Kind            int16           `json:"kind"`
	Priority        int32           `json:"priority"`
	OccurredAtMilli int64           `json:"occurred_at_milli"`
	Payload         json.RawMessage `json:"payload"`
}

func toLPEvent(ev event.Eventer) lpEvent {
	payload, _ := json.Marshal(ev.GetPayload())
	return lpEvent{
		Cursor:          ev.GetCursor(),
		ConversationID:  ev.GetConversationID().String(),
		RecipientDevice: ev.GetRecipientDevice().String(),
		Kind:            int16(ev.GetKind()),
		Priority:        int32(ev.GetPriority()),
		OccurredAtMilli: ev.GetOccurredAt(),
		Payload:         payload,
	}
}

// Poll holds the connection until an event arrives or the 30s window
// elapses, draining up to 15 additional buffered events so a slow client
// doesn't need one round trip per event.
func (h *LPHandler) Poll(w http.ResponseWriter, r *http.Request) {
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
	defer h.deliverer.Unsubscribe(auth.DeviceID, conn.GetID())
	defer conn.Close()

	var events []lpEvent

	since := r.URL.Query().Get("since")
	replayed, _, err := h.deliverer.ReplaySince(r.Context(), *auth, since, lpReplayLimit)
	if err != nil {
		http.Error(w, "replay failed", http.StatusInternalServerError)
		return
	}
	for _, ev := range replayed {
		events = append(events, toLPEvent(ev))
	}
	if len(events) > 0 {
		writeLPEvents(w, events)
		return
	}

	select {
	case <-r.Context().Done():
		return

	case <-time.After(30 * time.Second):
		w.WriteHeader(http.StatusNoContent)
		return

	case ev, ok := <-conn.Recv():
		if !ok {
			return
		}
		events = append(events, toLPEvent(ev))

	drainLoop:
		for range 15 {
			select {
			case nextEv, ok := <-conn.Recv():
				if !ok {
					break drainLoop
				}
				events = append(events, toLPEvent(nextEv))
			default:
				break drainLoop
			}
		}
	}

	writeLPEvents(w, events)
}

func writeLPEvents(w http.ResponseWriter, events []lpEvent) {
	data, err := json.Marshal(events)
	if err != nil {
		http.Error(w, "marshal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// authContextFromRequest lifts the Authorization header into the grpc
// metadata shape service.Auther.Inspect expects, mirroring
// internal/handler/ws's identically-named helper.
func authContextFromRequest(r *http.Request) (context.Context, error) {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return nil, apperr.New(apperr.Unauthenticated, "missing bearer token")
	}
	return metadata.NewIncomingContext(r.Context(), metadata.Pairs("authorization", h)), nil
}
