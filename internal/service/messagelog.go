package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mlsds/delivery-service/internal/apperr"
	"github.com/mlsds/delivery-service/internal/domain/event"
	"github.com/mlsds/delivery-service/internal/domain/model"
	"github.com/mlsds/delivery-service/internal/store/postgres"
	"github.com/mlsds/delivery-service/internal/ulidx"
)

// MessageLog implements §4.4: sendMessage appends one application
// ciphertext at the conversation's current epoch and fans it out; getMessages
// and getCommits are plain paginated reads, no epoch check required.
type MessageLog struct {
	store    *postgres.Store
	convRepo *postgres.ConversationRepo
	msgRepo  *postgres.MessageRepo
	fanout   *EnvelopeFanout
	msgTTL   time.Duration
}

func NewMessageLog(store *postgres.Store, convRepo *postgres.ConversationRepo, msgRepo *postgres.MessageRepo, fanout *EnvelopeFanout, msgTTL time.Duration) *MessageLog {
	return &MessageLog{store: store, convRepo: convRepo, msgRepo: msgRepo, fanout: fanout, msgTTL: msgTTL}
}

// SendMessage appends one application-layer ciphertext. The epoch supplied
// by the caller must match the conversation's current epoch: a sender whose
// local state has drifted gets apperr.EpochMismatch rather than a silently
// misencrypted fan-out.
func (l *MessageLog) SendMessage(
	ctx context.Context,
	caller model.AuthenticatedCaller,
	convID uuid.UUID,
	epoch uint64,
	ciphertext []byte,
	embedType, embedURI string,
) (*model.Message, error) {
	if !caller.HasDevice() {
		return nil, apperr.New(apperr.Unauthenticated, "sendMessage requires a device-bound token")
	}
	if len(ciphertext) == 0 {
		return nil, apperr.New(apperr.InvalidInput, "ciphertext is required")
	}

	msg := &model.Message{
		ID: uuid.New(), ConversationID: convID, SenderDevice: caller.DeviceID,
		Type: model.MessageApplication, Epoch: epoch, CreatedAt: time.Now().UTC(),
		ExpiresAt: time.Now().UTC().Add(l.msgTTL), Ciphertext: ciphertext,
		EmbedType: embedType, EmbedURI: embedURI,
	}

	var recipients []uuid.UUID
	err := l.store.WithTx(ctx, func(tx pgx.Tx) error {
		conv, err := l.convRepo.LockForUpdate(ctx, tx, convID)
		if err != nil {
			return err
		}
		if err := postgres.CheckEpoch(conv.CurrentEpoch, epoch); err != nil {
			return err
		}
		actor, err := l.convRepo.MemberTx(ctx, tx, convID, caller.Principal)
		if err != nil {
			return err
		}
		if !actor.IsInSync() {
			return apperr.New(apperr.Conflict, "device is out of sync and must rejoin before sending")
		}

		if err := l.msgRepo.AppendTx(ctx, tx, msg); err != nil {
			return err
		}

		active, err := l.convRepo.ActiveMembers(ctx, tx, convID)
		if err != nil {
			return err
		}
		for _, am := range active {
			if am.DeviceID != caller.DeviceID {
				recipients = append(recipients, am.DeviceID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.fanout.FanOutAsync(convID, msg.ID, recipients, func(recipient uuid.UUID) *event.StreamEvent {
		return &event.StreamEvent{
			Cursor: ulidx.New(), ConversationID: convID, RecipientDevice: recipient,
			Kind: event.KindMessageCreated, Priority: event.PriorityNormal,
			OccurredAtMilli: time.Now().UTC().UnixMilli(),
			Payload: event.MinimalMessagePayload{MessageID: msg.ID.String(), Seq: msg.Seq, Epoch: epoch, Type: "application"},
		}
	})
	return msg, nil
}

// GetMessages returns messages since the given sequence cursor, used for
// catch-up pulls after an envelope pointer arrives. types optionally
// restricts the result to the given message types; empty/nil means every
// type, including commits (open-question #5).
func (l *MessageLog) GetMessages(ctx context.Context, caller model.AuthenticatedCaller, convID uuid.UUID, sinceSeq int64, limit int, types []model.MessageType) ([]*model.Message, error) {
	if err := l.assertActiveMember(ctx, convID, caller.Principal); err != nil {
		return nil, err
	}
	return l.msgRepo.GetMessages(ctx, convID, sinceSeq, limit, types)
}

// GetCommits returns commit messages since an epoch, used to catch a device
// up without a full external-commit rejoin.
func (l *MessageLog) GetCommits(ctx context.Context, caller model.AuthenticatedCaller, convID uuid.UUID, sinceEpoch uint64) ([]*model.Message, error) {
	if err := l.assertActiveMember(ctx, convID, caller.Principal); err != nil {
		return nil, err
	}
	return l.msgRepo.GetCommits(ctx, convID, sinceEpoch)
}

func (l *MessageLog) assertActiveMember(ctx context.Context, convID uuid.UUID, principal string) error {
	return l.store.WithTx(ctx, func(tx pgx.Tx) error {
		m, err := l.convRepo.MemberTx(ctx, tx, convID, principal)
		if err != nil {
			return err
		}
		if !m.IsActive() {
			return apperr.New(apperr.Forbidden, "not an active member of this conversation")
		}
		return nil
	})
}
