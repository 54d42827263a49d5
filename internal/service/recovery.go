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

// RecoveryOrchestrator implements §4.7: a device that has fallen
// out of sync (missed commits past what the server retains) gets flagged
// needs_rejoin, fetches the conversation's cached GroupInfo, and rejoins
// via an external commit — authorized only while its member row is still
// active (left_at IS NULL). A device that already left cannot use this path
// to silently rejoin.
type RecoveryOrchestrator struct {
	store       *postgres.Store
	convRepo    *postgres.ConversationRepo
	msgRepo     *postgres.MessageRepo
	welcomeRepo *postgres.WelcomeRepo
	fanout      *EnvelopeFanout
	stream      *EventStream
	msgTTL      time.Duration
}

func NewRecoveryOrchestrator(store *postgres.Store, convRepo *postgres.ConversationRepo, msgRepo *postgres.MessageRepo, welcomeRepo *postgres.WelcomeRepo, fanout *EnvelopeFanout, stream *EventStream, msgTTL time.Duration) *RecoveryOrchestrator {
	return &RecoveryOrchestrator{store: store, convRepo: convRepo, msgRepo: msgRepo, welcomeRepo: welcomeRepo, fanout: fanout, stream: stream, msgTTL: msgTTL}
}

// MarkNeedsRejoin flags a device out-of-sync, typically invoked by the
// transport layer when it detects a gap in commit epochs it cannot bridge
// via getCommits.
func (o *RecoveryOrchestrator) MarkNeedsRejoin(ctx context.Context, convID uuid.UUID, principal string) error {
	return o.store.WithTx(ctx, func(tx pgx.Tx) error {
		m, err := o.convRepo.MemberTx(ctx, tx, convID, principal)
		if err != nil {
			return err
		}
		if !m.IsActive() {
			return apperr.New(apperr.Gone, "device has left this conversation, rejoin is not available")
		}
		return o.convRepo.MarkNeedsRejoinTx(ctx, tx, convID, principal)
	})
}

// GetGroupInfo returns the conversation's cached GroupInfo blob and epoch
// so an out-of-sync device can construct its external commit.
func (o *RecoveryOrchestrator) GetGroupInfo(ctx context.Context, caller model.AuthenticatedCaller, convID uuid.UUID) ([]byte, uint64, error) {
	if err := o.assertActiveMember(ctx, convID, caller.Principal); err != nil {
		return nil, 0, err
	}
	return o.convRepo.GroupInfo(ctx, convID)
}

// ProcessExternalCommit implements the rejoin itself: an external commit is
// only accepted from a device whose member row is still active — a device
// that genuinely left must be re-invited via addMembers, never silently
// readmitted through this path.
func (o *RecoveryOrchestrator) ProcessExternalCommit(
	ctx context.Context,
	caller model.AuthenticatedCaller,
	convID uuid.UUID,
	expectedEpoch uint64,
	commitCiphertext []byte,
	newGroupInfo []byte,
) (newEpoch uint64, err error) {
	if !caller.HasDevice() {
		return 0, apperr.New(apperr.Unauthenticated, "external commit requires a device-bound token")
	}

	var recipients []uuid.UUID
	var commitMsgID uuid.UUID

	err = o.store.Serializable(ctx, func(tx pgx.Tx) error {
		conv, err := o.convRepo.LockForUpdate(ctx, tx, convID)
		if err != nil {
			return err
		}
		if err := postgres.CheckEpoch(conv.CurrentEpoch, expectedEpoch); err != nil {
			return err
		}

		actor, err := o.convRepo.MemberTx(ctx, tx, convID, caller.Principal)
		if err != nil {
			return err
		}
		if !actor.IsActive() {
			return apperr.New(apperr.Forbidden, "external commit rejected: device is not an active member")
		}

		commitMsgID = uuid.New()
		msg := &model.Message{
			ID: commitMsgID, ConversationID: convID, SenderDevice: caller.DeviceID,
			Type: model.MessageCommit, Epoch: conv.CurrentEpoch + 1, Ciphertext: commitCiphertext,
			CreatedAt: time.Now().UTC(), ExpiresAt: time.Now().UTC().Add(o.msgTTL),
		}
		if err := o.msgRepo.AppendTx(ctx, tx, msg); err != nil {
			return err
		}
		if err := o.convRepo.AdvanceEpochTx(ctx, tx, convID, 1, newGroupInfo, conv.CurrentEpoch+1); err != nil {
			return err
		}
		if err := o.convRepo.ClearNeedsRejoinTx(ctx, tx, convID, caller.Principal); err != nil {
			return err
		}
		newEpoch = conv.CurrentEpoch + 1

		active, err := o.convRepo.ActiveMembers(ctx, tx, convID)
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
		return 0, err
	}

	o.fanout.FanOutAsync(convID, commitMsgID, recipients, func(recipient uuid.UUID) *event.StreamEvent {
		return &event.StreamEvent{
			Cursor: ulidx.New(), ConversationID: convID, RecipientDevice: recipient,
			Kind: event.KindCommitCreated, Priority: event.PriorityHigh,
			OccurredAtMilli: time.Now().UTC().UnixMilli(),
			Payload: event.MinimalMessagePayload{MessageID: commitMsgID.String(), Epoch: newEpoch, Type: "commit"},
		}
	})
	return newEpoch, nil
}

// DeliverWelcome implements deliverWelcome (§6): an already-joined member
// manually stages a fresh Welcome for a recovering device (the legacy
// flag-based rejoin path's write side), then nudges it over the live stream
// so a connected device doesn't have to wait for its next getWelcome poll.
func (o *RecoveryOrchestrator) DeliverWelcome(ctx context.Context, caller model.AuthenticatedCaller, convID, recipientDevice uuid.UUID, welcomeBlob []byte, keyPackageHash string) error {
	if !caller.HasDevice() {
		return apperr.New(apperr.Unauthenticated, "deliverWelcome requires a device-bound token")
	}
	if len(welcomeBlob) == 0 || keyPackageHash == "" {
		return apperr.New(apperr.InvalidInput, "welcome_blob and key_package_hash are required")
	}
	if err := o.assertActiveMember(ctx, convID, caller.Principal); err != nil {
		return err
	}

	if err := o.welcomeRepo.Stage(ctx, &model.WelcomeMailbox{
		ConversationID: convID, RecipientDevice: recipientDevice,
		WelcomeBlob: welcomeBlob, KeyPackageHash: keyPackageHash,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return err
	}

	if o.stream != nil {
		ev := &event.StreamEvent{
			Cursor: ulidx.New(), ConversationID: convID, RecipientDevice: recipientDevice,
			Kind: event.KindWelcomeStaged, Priority: event.PriorityHigh,
			OccurredAtMilli: time.Now().UTC().UnixMilli(),
		}
		_ = o.stream.Publish(ctx, ev)
	}
	return nil
}

// GetWelcome returns and does not consume the oldest Welcome staged for the
// caller's device; the client must call ConsumeWelcome once it has
// successfully joined the group from it.
func (o *RecoveryOrchestrator) GetWelcome(ctx context.Context, caller model.AuthenticatedCaller) (*model.WelcomeMailbox, error) {
	if !caller.HasDevice() {
		return nil, apperr.New(apperr.Unauthenticated, "getWelcome requires a device-bound token")
	}
	return o.welcomeRepo.GetWelcome(ctx, caller.DeviceID)
}

// ConsumeWelcome marks a staged Welcome consumed once the client has
// successfully processed it and joined the group.
func (o *RecoveryOrchestrator) ConsumeWelcome(ctx context.Context, caller model.AuthenticatedCaller, convID uuid.UUID) error {
	if !caller.HasDevice() {
		return apperr.New(apperr.Unauthenticated, "consuming a welcome requires a device-bound token")
	}
	return o.welcomeRepo.Consume(ctx, convID, caller.DeviceID)
}

func (o *RecoveryOrchestrator) assertActiveMember(ctx context.Context, convID uuid.UUID, principal string) error {
	return o.store.WithTx(ctx, func(tx pgx.Tx) error {
		m, err := o.convRepo.MemberTx(ctx, tx, convID, principal)
		if err != nil {
			return err
		}
		if !m.IsActive() {
			return apperr.New(apperr.Forbidden, "not an active member of this conversation")
		}
		return nil
	})
}
