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

// NewMemberInput is one invited (principal, device, key-package-hash) triple
// for addMembers/createConvo — one Welcome is staged per entry.
type NewMemberInput struct {
	Principal      string
	Device         uuid.UUID
	KeyPackageHash string
	WelcomeBlob    []byte
}

// ConversationRegistry implements §4.3: membership mutation,
// admin-role transitions, and the commit-append sequence that backs them
// all — every mutating call here runs inside a single SERIALIZABLE
// transaction rooted at ConversationRepo.LockForUpdate, per §5's
// linearization rule.
type ConversationRegistry struct {
	store       *postgres.Store
	convRepo    *postgres.ConversationRepo
	msgRepo     *postgres.MessageRepo
	kpRepo      *postgres.KeyPackageRepo
	welcomeRepo *postgres.WelcomeRepo
	adminRepo   *postgres.AdminActionRepo
	fanout      *EnvelopeFanout
	stream      *EventStream
	msgTTL      time.Duration
}

func NewConversationRegistry(
	store *postgres.Store,
	convRepo *postgres.ConversationRepo,
	msgRepo *postgres.MessageRepo,
	kpRepo *postgres.KeyPackageRepo,
	welcomeRepo *postgres.WelcomeRepo,
	adminRepo *postgres.AdminActionRepo,
	fanout *EnvelopeFanout,
	stream *EventStream,
	msgTTL time.Duration,
) *ConversationRegistry {
	return &ConversationRegistry{
		store: store, convRepo: convRepo, msgRepo: msgRepo, kpRepo: kpRepo,
		welcomeRepo: welcomeRepo, adminRepo: adminRepo, fanout: fanout, stream: stream, msgTTL: msgTTL,
	}
}

// CreateConvo implements createConvo (§4.3): the creator is the first
// admin, the supplied commit becomes epoch-0's sole message, and every
// invited device gets a staged Welcome.
func (c *ConversationRegistry) CreateConvo(
	ctx context.Context,
	caller model.AuthenticatedCaller,
	ciphersuite string,
	commitCiphertext []byte,
	groupInfo []byte,
	members []NewMemberInput,
) (*model.Conversation, error) {
	if !caller.HasDevice() {
		return nil, apperr.New(apperr.Unauthenticated, "createConvo requires a device-bound token")
	}
	if ciphersuite == "" || len(commitCiphertext) == 0 || len(groupInfo) == 0 {
		return nil, apperr.New(apperr.InvalidInput, "ciphersuite, commit, and group info are required")
	}

	conv := &model.Conversation{
		ID:                 uuid.New(),
		CreatorPrincipal:   caller.Principal,
		Ciphersuite:        ciphersuite,
		CurrentEpoch:       0,
		GroupInfoBlob:      groupInfo,
		GroupInfoEpoch:     0,
		GroupInfoUpdatedAt: time.Now().UTC(),
		CreatedAt:          time.Now().UTC(),
		Status:             model.ConversationActive,
	}

	err := c.store.Serializable(ctx, func(tx pgx.Tx) error {
		if err := c.convRepo.CreateTx(ctx, tx, conv, caller.DeviceID); err != nil {
			return err
		}

		msg := &model.Message{
			ID:             uuid.New(),
			ConversationID: conv.ID,
			SenderDevice:   caller.DeviceID,
			Type:           model.MessageCommit,
			Epoch:          0,
			Ciphertext:     commitCiphertext,
			CreatedAt:      time.Now().UTC(),
			ExpiresAt:      time.Now().UTC().Add(c.msgTTL),
		}
		if err := c.msgRepo.AppendTx(ctx, tx, msg); err != nil {
			return err
		}

		for _, m := range members {
			if err := c.convRepo.AddMemberTx(ctx, tx, conv.ID, m.Principal, m.Device); err != nil {
				return err
			}
			if _, err := c.kpRepo.ConsumeTx(ctx, tx, m.KeyPackageHash, conv.ID); err != nil {
				return err
			}
			if err := c.welcomeRepo.StageTx(ctx, tx, &model.WelcomeMailbox{
				ConversationID: conv.ID, RecipientDevice: m.Device,
				WelcomeBlob: m.WelcomeBlob, KeyPackageHash: m.KeyPackageHash,
				CreatedAt: time.Now().UTC(),
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.publishWelcomeEvents(conv.ID, members)
	return conv, nil
}

// AddMembers implements addMembers (§4.3/§5 step sequence a-h): lock row,
// check epoch, append the caller's Add commit, insert member rows, consume
// each invitee's key package, stage their Welcome, advance the epoch, then
// fan the commit out to existing members and the Welcomes to the new ones.
func (c *ConversationRegistry) AddMembers(
	ctx context.Context,
	caller model.AuthenticatedCaller,
	convID uuid.UUID,
	expectedEpoch uint64,
	commitCiphertext []byte,
	newGroupInfo []byte,
	members []NewMemberInput,
) (newEpoch uint64, err error) {
	if !caller.HasDevice() {
		return 0, apperr.New(apperr.Unauthenticated, "addMembers requires a device-bound token")
	}

	var recipients []uuid.UUID
	var commitMsgID uuid.UUID

	err = c.store.Serializable(ctx, func(tx pgx.Tx) error {
		conv, err := c.convRepo.LockForUpdate(ctx, tx, convID)
		if err != nil {
			return err
		}
		if err := postgres.CheckEpoch(conv.CurrentEpoch, expectedEpoch); err != nil {
			return err
		}
		actor, err := c.convRepo.MemberTx(ctx, tx, convID, caller.Principal)
		if err != nil {
			return err
		}
		if !actor.IsActive() {
			return apperr.New(apperr.Forbidden, "caller is not an active member of this conversation")
		}

		commitMsgID = uuid.New()
		msg := &model.Message{
			ID: commitMsgID, ConversationID: convID, SenderDevice: caller.DeviceID,
			Type: model.MessageCommit, Epoch: conv.CurrentEpoch + 1, Ciphertext: commitCiphertext,
			CreatedAt: time.Now().UTC(), ExpiresAt: time.Now().UTC().Add(c.msgTTL),
		}
		if err := c.msgRepo.AppendTx(ctx, tx, msg); err != nil {
			return err
		}

		for _, m := range members {
			if err := c.convRepo.AddMemberTx(ctx, tx, convID, m.Principal, m.Device); err != nil {
				return err
			}
			if _, err := c.kpRepo.ConsumeTx(ctx, tx, m.KeyPackageHash, convID); err != nil {
				return err
			}
			if err := c.welcomeRepo.StageTx(ctx, tx, &model.WelcomeMailbox{
				ConversationID: convID, RecipientDevice: m.Device,
				WelcomeBlob: m.WelcomeBlob, KeyPackageHash: m.KeyPackageHash,
				CreatedAt: time.Now().UTC(),
			}); err != nil {
				return err
			}
		}

		if err := c.convRepo.AdvanceEpochTx(ctx, tx, convID, 1, newGroupInfo, conv.CurrentEpoch+1); err != nil {
			return err
		}
		newEpoch = conv.CurrentEpoch + 1

		active, err := c.convRepo.ActiveMembers(ctx, tx, convID)
		if err != nil {
			return err
		}
		added := make(map[uuid.UUID]bool, len(members))
		for _, m := range members {
			added[m.Device] = true
		}
		for _, am := range active {
			if am.DeviceID != caller.DeviceID && !added[am.DeviceID] {
				recipients = append(recipients, am.DeviceID)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	c.fanout.FanOutAsync(convID, commitMsgID, recipients, func(recipient uuid.UUID) *event.StreamEvent {
		return c.commitEvent(convID, recipient, commitMsgID, newEpoch)
	})
	c.publishWelcomeEvents(convID, members)
	return newEpoch, nil
}

// RemoveMember implements removeMember (§4.3): an admin-only operation that
// soft-deletes the target's member row, records the audit action, appends
// the Remove commit, and advances the epoch.
func (c *ConversationRegistry) RemoveMember(
	ctx context.Context,
	caller model.AuthenticatedCaller,
	convID uuid.UUID,
	expectedEpoch uint64,
	target string,
	commitCiphertext []byte,
	newGroupInfo []byte,
	reason string,
) (newEpoch uint64, err error) {
	var recipients []uuid.UUID
	var commitMsgID uuid.UUID

	err = c.store.Serializable(ctx, func(tx pgx.Tx) error {
		conv, err := c.convRepo.LockForUpdate(ctx, tx, convID)
		if err != nil {
			return err
		}
		if err := postgres.CheckEpoch(conv.CurrentEpoch, expectedEpoch); err != nil {
			return err
		}
		actor, err := c.convRepo.MemberTx(ctx, tx, convID, caller.Principal)
		if err != nil {
			return err
		}
		if !actor.IsActive() || !actor.IsAdmin {
			return apperr.New(apperr.Forbidden, "removeMember requires an active admin caller")
		}
		if target == conv.CreatorPrincipal {
			return apperr.New(apperr.Forbidden, "the conversation creator cannot be removed")
		}

		if err := c.convRepo.RemoveMemberTx(ctx, tx, convID, target); err != nil {
			return err
		}
		if err := c.adminRepo.RecordTx(ctx, tx, &model.AdminAction{
			ID: uuid.New(), ConversationID: convID, ActorPrincipal: caller.Principal,
			TargetPrincipal: target, Action: model.AdminRemove, Reason: reason,
			ServerViewIsAdmin: actor.IsAdmin, CreatedAt: time.Now().UTC(),
		}); err != nil {
			return err
		}

		commitMsgID = uuid.New()
		msg := &model.Message{
			ID: commitMsgID, ConversationID: convID, SenderDevice: caller.DeviceID,
			Type: model.MessageCommit, Epoch: conv.CurrentEpoch + 1, Ciphertext: commitCiphertext,
			CreatedAt: time.Now().UTC(), ExpiresAt: time.Now().UTC().Add(c.msgTTL),
		}
		if err := c.msgRepo.AppendTx(ctx, tx, msg); err != nil {
			return err
		}
		if err := c.convRepo.AdvanceEpochTx(ctx, tx, convID, 1, newGroupInfo, conv.CurrentEpoch+1); err != nil {
			return err
		}
		newEpoch = conv.CurrentEpoch + 1

		active, err := c.convRepo.ActiveMembers(ctx, tx, convID)
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

	c.fanout.FanOutAsync(convID, commitMsgID, recipients, func(recipient uuid.UUID) *event.StreamEvent {
		return c.memberChangedEvent(convID, recipient, target, "removed")
	})
	return newEpoch, nil
}

// LeaveConvo implements leaveConvo (§4.3): a self-removal. No admin
// permission is required, but the conversation's sole remaining admin
// cannot leave without first promoting a successor.
func (c *ConversationRegistry) LeaveConvo(
	ctx context.Context,
	caller model.AuthenticatedCaller,
	convID uuid.UUID,
	expectedEpoch uint64,
	commitCiphertext []byte,
	newGroupInfo []byte,
) (newEpoch uint64, err error) {
	var recipients []uuid.UUID
	var commitMsgID uuid.UUID

	err = c.store.Serializable(ctx, func(tx pgx.Tx) error {
		conv, err := c.convRepo.LockForUpdate(ctx, tx, convID)
		if err != nil {
			return err
		}
		if err := postgres.CheckEpoch(conv.CurrentEpoch, expectedEpoch); err != nil {
			return err
		}
		actor, err := c.convRepo.MemberTx(ctx, tx, convID, caller.Principal)
		if err != nil {
			return err
		}
		if actor.IsAdmin {
			admins, err := c.convRepo.CountAdmins(ctx, tx, convID)
			if err != nil {
				return err
			}
			if admins <= 1 {
				return apperr.New(apperr.Conflict, "the last admin must promote a successor before leaving")
			}
		}

		if err := c.convRepo.RemoveMemberTx(ctx, tx, convID, caller.Principal); err != nil {
			return err
		}

		commitMsgID = uuid.New()
		msg := &model.Message{
			ID: commitMsgID, ConversationID: convID, SenderDevice: caller.DeviceID,
			Type: model.MessageCommit, Epoch: conv.CurrentEpoch + 1, Ciphertext: commitCiphertext,
			CreatedAt: time.Now().UTC(), ExpiresAt: time.Now().UTC().Add(c.msgTTL),
		}
		if err := c.msgRepo.AppendTx(ctx, tx, msg); err != nil {
			return err
		}
		if err := c.convRepo.AdvanceEpochTx(ctx, tx, convID, 1, newGroupInfo, conv.CurrentEpoch+1); err != nil {
			return err
		}
		newEpoch = conv.CurrentEpoch + 1

		active, err := c.convRepo.ActiveMembers(ctx, tx, convID)
		if err != nil {
			return err
		}
		for _, am := range active {
			recipients = append(recipients, am.DeviceID)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	c.fanout.FanOutAsync(convID, commitMsgID, recipients, func(recipient uuid.UUID) *event.StreamEvent {
		return c.memberChangedEvent(convID, recipient, caller.Principal, "left")
	})
	return newEpoch, nil
}

// SetAdmin implements promoteAdmin/demoteAdmin (§4.3): admin-only, with the
// creator immune to demotion and the last admin protected from demotion.
func (c *ConversationRegistry) SetAdmin(
	ctx context.Context,
	caller model.AuthenticatedCaller,
	convID uuid.UUID,
	target string,
	promote bool,
	reason string,
) error {
	return c.store.Serializable(ctx, func(tx pgx.Tx) error {
		conv, err := c.convRepo.LockForUpdate(ctx, tx, convID)
		if err != nil {
			return err
		}
		actor, err := c.convRepo.MemberTx(ctx, tx, convID, caller.Principal)
		if err != nil {
			return err
		}
		if !actor.IsActive() || !actor.IsAdmin {
			return apperr.New(apperr.Forbidden, "promoting/demoting admins requires an active admin caller")
		}

		if !promote {
			if target == conv.CreatorPrincipal {
				return apperr.New(apperr.Forbidden, "the conversation creator cannot be demoted")
			}
			admins, err := c.convRepo.CountAdmins(ctx, tx, convID)
			if err != nil {
				return err
			}
			if admins <= 1 {
				return apperr.New(apperr.Conflict, "cannot demote the last remaining admin")
			}
		}

		if err := c.convRepo.SetAdminTx(ctx, tx, convID, target, promote, caller.Principal); err != nil {
			return err
		}

		action := model.AdminDemote
		if promote {
			action = model.AdminPromote
		}
		return c.adminRepo.RecordTx(ctx, tx, &model.AdminAction{
			ID: uuid.New(), ConversationID: convID, ActorPrincipal: caller.Principal,
			TargetPrincipal: target, Action: action, Reason: reason,
			ServerViewIsAdmin: true, CreatedAt: time.Now().UTC(),
		})
	})
}

// ListConvos implements getConvos (§6): every active conversation the
// caller's principal currently belongs to.
func (c *ConversationRegistry) ListConvos(ctx context.Context, caller model.AuthenticatedCaller) ([]*model.Conversation, error) {
	return c.convRepo.ListForPrincipal(ctx, caller.Principal)
}

func (c *ConversationRegistry) commitEvent(convID, recipient, msgID uuid.UUID, epoch uint64) *event.StreamEvent {
	return &event.StreamEvent{
		Cursor: ulidx.New(), ConversationID: convID, RecipientDevice: recipient,
		Kind: event.KindCommitCreated, Priority: event.PriorityHigh,
		OccurredAtMilli: time.Now().UTC().UnixMilli(),
		Payload: event.MinimalMessagePayload{MessageID: msgID.String(), Epoch: epoch, Type: "commit"},
	}
}

func (c *ConversationRegistry) memberChangedEvent(convID, recipient uuid.UUID, principal, action string) *event.StreamEvent {
	return &event.StreamEvent{
		Cursor: ulidx.New(), ConversationID: convID, RecipientDevice: recipient,
		Kind: event.KindMemberChanged, Priority: event.PriorityNormal,
		OccurredAtMilli: time.Now().UTC().UnixMilli(),
		Payload: event.MemberChangedPayload{Principal: principal, Action: action},
	}
}

func (c *ConversationRegistry) publishWelcomeEvents(convID uuid.UUID, members []NewMemberInput) {
	if c.stream == nil {
		return
	}
	ctx := context.Background()
	for _, m := range members {
		ev := &event.StreamEvent{
			Cursor: ulidx.New(), ConversationID: convID, RecipientDevice: m.Device,
			Kind: event.KindWelcomeStaged, Priority: event.PriorityHigh,
			OccurredAtMilli: time.Now().UTC().UnixMilli(),
			Payload: event.MemberChangedPayload{Principal: m.Principal, DeviceID: m.Device.String(), Action: "added"},
		}
		_ = c.stream.Publish(ctx, ev)
	}
}
