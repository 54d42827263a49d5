package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mlsds/delivery-service/internal/domain/event"
	"github.com/mlsds/delivery-service/internal/store/postgres"
)

// EnvelopeFanout implements §4.5: after a message transaction
// commits, enumerate the conversation's active-in-sync members (excluding
// the sender) and insert one envelope per recipient device, then push a
// minimal event to each recipient's stream subscription.
type EnvelopeFanout struct {
	repo   *postgres.EnvelopeRepo
	stream *EventStream
}

func NewEnvelopeFanout(repo *postgres.EnvelopeRepo, stream *EventStream) *EnvelopeFanout {
	return &EnvelopeFanout{repo: repo, stream: stream}
}

// FanOutAsync is spawned (not externalized, per §4.5) right after the
// message transaction that produced msg commits. It never runs inside that
// transaction — a slow or momentarily failed fan-out must never hold the
// conversation's row lock.
func (f *EnvelopeFanout) FanOutAsync(conversationID, messageID uuid.UUID, recipients []uuid.UUID, mk func(recipient uuid.UUID) *event.StreamEvent) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := f.repo.FanOut(ctx, messageID, recipients); err != nil {
			slog.Error("ENVELOPE_FANOUT_FAILED",
				slog.String("conversation_id", conversationID.String()),
				slog.String("message_id", messageID.String()), slog.Any("err", err))
			return
		}

		var g errgroup.Group
		for _, recipient := range recipients {
			recipient := recipient
			g.Go(func() error {
				return f.stream.Publish(ctx, mk(recipient))
			})
		}
		_ = g.Wait()
	}()
}

// Reconcile finds messages under-fanned relative to their expected
// recipient set (crash between commit and fan-out completion) and refills
// them. Intended to be run periodically by the janitor.
func (f *EnvelopeFanout) Reconcile(ctx context.Context, batchSize int) (int, error) {
	messageIDs, err := f.repo.UnderFanned(ctx, batchSize)
	if err != nil {
		return 0, err
	}

	fixed := 0
	for _, id := range messageIDs {
		recipients, err := f.repo.ExpectedRecipients(ctx, id)
		if err != nil {
			return fixed, err
		}
		if err := f.repo.FanOut(ctx, id, recipients); err != nil {
			return fixed, err
		}
		fixed++
	}
	return fixed, nil
}
