package service

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/mlsds/delivery-service/internal/domain/event"
	"github.com/mlsds/delivery-service/internal/domain/registry"
	"github.com/mlsds/delivery-service/internal/store/postgres"
)

// conversationRing is a bounded, per-conversation ring buffer of recent
// events — the "in-memory ring buffer (bounded, default 5000 events per
// conversation)" §4.6 describes as the hot replay path.
type conversationRing struct {
	mu     sync.Mutex
	events []*event.StreamEvent
	max    int
}

func newConversationRing(max int) *conversationRing {
	return &conversationRing{events: make([]*event.StreamEvent, 0, max), max: max}
}

func (r *conversationRing) push(ev *event.StreamEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	if len(r.events) > r.max {
		r.events = r.events[len(r.events)-r.max:]
	}
}

// since returns events with cursor > since, and whether since is still
// within the buffer's covered range (if not, the caller must fall back to
// the durable tail or a full mailbox-poll restart per §4.6).
func (r *conversationRing) since(since string) ([]*event.StreamEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.events) == 0 {
		return nil, since == ""
	}
	oldest := r.events[0].Cursor
	if since != "" && since < oldest {
		return nil, false
	}

	out := make([]*event.StreamEvent, 0, len(r.events))
	for _, ev := range r.events {
		if ev.Cursor > since {
			out = append(out, ev)
		}
	}
	return out, true
}

// EventExporter replicates an event to other delivery-service nodes over
// the cross-node transport, for a recipient device that may be connected
// to a node other than the one that produced the event. Structurally
// satisfied by internal/adapter/pubsub.EventDispatcher without an import
// cycle.
type EventExporter interface {
	Publish(ctx context.Context, ev event.Eventer) error
}

// EventStream implements §4.6: publish dispatches to a recipient
// device's live mailbox (via registry.Hubber) and appends to both the
// conversation's in-memory ring buffer and the durable events table;
// replay serves a subscriber's resume cursor from whichever tier covers it.
type EventStream struct {
	hub      registry.Hubber
	repo     *postgres.EventRepo
	rings    sync.Map // conversationID -> *conversationRing
	ringN    int
	exporter EventExporter
}

func NewEventStream(hub registry.Hubber, repo *postgres.EventRepo, ringSize int) *EventStream {
	return &EventStream{hub: hub, repo: repo, ringN: ringSize}
}

// SetExporter wires the cross-node transport once the AMQP handler module
// has built it; nil-safe, called lazily at fx startup rather than through
// the constructor to avoid a package cycle between service and the
// transport-level handler packages.
func (s *EventStream) SetExporter(e EventExporter) {
	s.exporter = e
}

func (s *EventStream) ringFor(convID uuid.UUID) *conversationRing {
	val, _ := s.rings.LoadOrStore(convID, newConversationRing(s.ringN))
	return val.(*conversationRing)
}

// Publish fans an event out to its recipient's live stream and durably
// records it for cold-path replay. Ordering guarantee per §4.6: cursors are
// globally monotonic within one subscriber's view of one conversation. If a
// cross-node exporter is wired, every event is also replicated so a
// recipient device connected to a different node still receives it.
func (s *EventStream) Publish(ctx context.Context, ev *event.StreamEvent) error {
	s.ringFor(ev.ConversationID).push(ev)
	s.hub.Broadcast(ev)

	if s.exporter != nil {
		ev.SetRoutingKey("conversation.events." + ev.ConversationID.String())
		if err := s.exporter.Publish(ctx, ev); err != nil {
			slog.Error("EVENT_EXPORT_FAILED", slog.String("conversation_id", ev.ConversationID.String()), slog.Any("err", err))
		}
	}

	return s.repo.Append(ctx, ev)
}

// Replay serves a subscriber's resume cursor. If the ring buffer still
// covers the cursor, replay is served in-memory; otherwise it falls back to
// the durable tail; if even that has aged past retention, ok is false and
// the caller must restart the stream tail-only and poll the mailbox.
func (s *EventStream) Replay(ctx context.Context, convID uuid.UUID, since string, limit int) (events []*event.StreamEvent, ok bool, err error) {
	if buffered, hit := s.ringFor(convID).since(since); hit {
		return buffered, true, nil
	}

	persisted, err := s.repo.Since(ctx, convID, since, limit)
	if err != nil {
		return nil, false, err
	}
	if len(persisted) == 0 && since != "" {
		return nil, false, nil
	}
	return persisted, true, nil
}
