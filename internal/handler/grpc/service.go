package grpc

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mlsds/delivery-service/internal/apperr"
	"github.com/mlsds/delivery-service/internal/domain/model"
	"github.com/mlsds/delivery-service/internal/service"
)

// DeliveryServer implements every §6 route by wrapping the service layer.
// It is the hand-written analogue of what a protoc-generated server stub
// would embed, registered via the ServiceDesc in desc.go instead of a
// generated RegisterXxxServer function.
type DeliveryServer struct {
	logger *slog.Logger

	deliverer service.Deliverer
	idem      *service.Idempotent

	convos   *service.ConversationRegistry
	messages *service.MessageLog
	recovery *service.RecoveryOrchestrator
	keys     *service.KeyPackageMailbox
	devices  *service.DeviceRegistry
	reports  *service.ReportInbox
}

func NewDeliveryServer(
	logger *slog.Logger,
	deliverer service.Deliverer,
	idem *service.Idempotent,
	convos *service.ConversationRegistry,
	messages *service.MessageLog,
	recovery *service.RecoveryOrchestrator,
	keys *service.KeyPackageMailbox,
	devices *service.DeviceRegistry,
	reports *service.ReportInbox,
) *DeliveryServer {
	return &DeliveryServer{
		logger: logger, deliverer: deliverer, idem: idem,
		convos: convos, messages: messages, recovery: recovery,
		keys: keys, devices: devices, reports: reports,
	}
}

func callerFrom(ctx context.Context) (model.AuthenticatedCaller, error) {
	auth, ok := authFromContext(ctx)
	if !ok {
		return model.AuthenticatedCaller{}, apperr.New(apperr.Unauthenticated, "no authenticated caller in context")
	}
	return *auth, nil
}

func parseUUID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, apperr.Wrap(apperr.InvalidInput, "malformed id: "+s, err)
	}
	return id, nil
}

func rfc3339(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

// doIdempotent runs fn through the idempotency layer keyed by the caller's
// principal, the route name, and the client-supplied key, then unmarshals
// the (possibly replayed) JSON response back into out.
func doIdempotent[T any](ctx context.Context, idem *service.Idempotent, caller model.AuthenticatedCaller, route, key string, req any, fn func() (T, error)) (T, error) {
	var zero T
	blob, err := idem.Do(ctx, caller.Principal, route, key, req, func() (any, error) {
		return fn()
	})
	if err != nil {
		return zero, err
	}
	var out T
	if err := json.Unmarshal(blob, &out); err != nil {
		return zero, apperr.Wrap(apperr.Internal, "idempotent response decode failed", err)
	}
	return out, nil
}

func (s *DeliveryServer) CreateConvo(ctx context.Context, req *CreateConvoRequest) (*CreateConvoResponse, error) {
	caller, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}
	members, err := toMemberInputs(req.Members)
	if err != nil {
		return nil, err
	}

	return doIdempotent(ctx, s.idem, caller, "createConvo", req.IdempotencyKey, req, func() (*CreateConvoResponse, error) {
		conv, err := s.convos.CreateConvo(ctx, caller, req.Ciphersuite, req.CommitCiphertext, req.GroupInfo, members)
		if err != nil {
			return nil, err
		}
		return &CreateConvoResponse{ConversationID: conv.ID.String(), CurrentEpoch: conv.CurrentEpoch}, nil
	})
}

func (s *DeliveryServer) AddMembers(ctx context.Context, req *AddMembersRequest) (*AddMembersResponse, error) {
	caller, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}
	convID, err := parseUUID(req.ConversationID)
	if err != nil {
		return nil, err
	}
	members, err := toMemberInputs(req.Members)
	if err != nil {
		return nil, err
	}

	return doIdempotent(ctx, s.idem, caller, "addMembers", req.IdempotencyKey, req, func() (*AddMembersResponse, error) {
		newEpoch, err := s.convos.AddMembers(ctx, caller, convID, req.ExpectedEpoch, req.CommitCiphertext, req.NewGroupInfo, members)
		if err != nil {
			return nil, err
		}
		return &AddMembersResponse{NewEpoch: newEpoch}, nil
	})
}

func (s *DeliveryServer) RemoveMember(ctx context.Context, req *RemoveMemberRequest) (*RemoveMemberResponse, error) {
	caller, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}
	convID, err := parseUUID(req.ConversationID)
	if err != nil {
		return nil, err
	}

	return doIdempotent(ctx, s.idem, caller, "removeMember", req.IdempotencyKey, req, func() (*RemoveMemberResponse, error) {
		newEpoch, err := s.convos.RemoveMember(ctx, caller, convID, req.ExpectedEpoch, req.Target, req.CommitCiphertext, req.NewGroupInfo, req.Reason)
		if err != nil {
			return nil, err
		}
		return &RemoveMemberResponse{NewEpoch: newEpoch}, nil
	})
}

func (s *DeliveryServer) LeaveConvo(ctx context.Context, req *LeaveConvoRequest) (*LeaveConvoResponse, error) {
	caller, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}
	convID, err := parseUUID(req.ConversationID)
	if err != nil {
		return nil, err
	}

	return doIdempotent(ctx, s.idem, caller, "leaveConvo", req.IdempotencyKey, req, func() (*LeaveConvoResponse, error) {
		newEpoch, err := s.convos.LeaveConvo(ctx, caller, convID, req.ExpectedEpoch, req.CommitCiphertext, req.NewGroupInfo)
		if err != nil {
			return nil, err
		}
		return &LeaveConvoResponse{NewEpoch: newEpoch}, nil
	})
}

func (s *DeliveryServer) PromoteAdmin(ctx context.Context, req *SetAdminRequest) (*Empty, error) {
	return s.setAdmin(ctx, req, true)
}

func (s *DeliveryServer) DemoteAdmin(ctx context.Context, req *SetAdminRequest) (*Empty, error) {
	return s.setAdmin(ctx, req, false)
}

func (s *DeliveryServer) setAdmin(ctx context.Context, req *SetAdminRequest, promote bool) (*Empty, error) {
	caller, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}
	convID, err := parseUUID(req.ConversationID)
	if err != nil {
		return nil, err
	}
	route := "demoteAdmin"
	if promote {
		route = "promoteAdmin"
	}

	return doIdempotent(ctx, s.idem, caller, route, req.IdempotencyKey, req, func() (*Empty, error) {
		if err := s.convos.SetAdmin(ctx, caller, convID, req.Target, promote, req.Reason); err != nil {
			return nil, err
		}
		return &Empty{}, nil
	})
}

func (s *DeliveryServer) SendMessage(ctx context.Context, req *SendMessageRequest) (*SendMessageResponse, error) {
	caller, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}
	convID, err := parseUUID(req.ConversationID)
	if err != nil {
		return nil, err
	}

	return doIdempotent(ctx, s.idem, caller, "sendMessage", req.IdempotencyKey, req, func() (*SendMessageResponse, error) {
		msg, err := s.messages.SendMessage(ctx, caller, convID, req.Epoch, req.Ciphertext, req.EmbedType, req.EmbedURI)
		if err != nil {
			return nil, err
		}
		return &SendMessageResponse{MessageID: msg.ID.String(), Seq: msg.Seq}, nil
	})
}

func (s *DeliveryServer) GetMessages(ctx context.Context, req *GetMessagesRequest) (*GetMessagesResponse, error) {
	caller, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}
	convID, err := parseUUID(req.ConversationID)
	if err != nil {
		return nil, err
	}
	types, err := parseMessageTypes(req.Types)
	if err != nil {
		return nil, err
	}
	msgs, err := s.messages.GetMessages(ctx, caller, convID, req.SinceSeq, req.Limit, types)
	if err != nil {
		return nil, err
	}
	return &GetMessagesResponse{Messages: toMessageDTOs(msgs)}, nil
}

func (s *DeliveryServer) GetCommits(ctx context.Context, req *GetCommitsRequest) (*GetCommitsResponse, error) {
	caller, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}
	convID, err := parseUUID(req.ConversationID)
	if err != nil {
		return nil, err
	}
	msgs, err := s.messages.GetCommits(ctx, caller, convID, req.SinceEpoch)
	if err != nil {
		return nil, err
	}
	return &GetCommitsResponse{Messages: toMessageDTOs(msgs)}, nil
}

func (s *DeliveryServer) GetConvos(ctx context.Context, _ *GetConvosRequest) (*GetConvosResponse, error) {
	caller, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}
	convos, err := s.convos.ListConvos(ctx, caller)
	if err != nil {
		return nil, err
	}
	out := make([]ConvoDTO, 0, len(convos))
	for _, c := range convos {
		out = append(out, ConvoDTO{
			ID: c.ID.String(), CreatorPrincipal: c.CreatorPrincipal, Ciphersuite: c.Ciphersuite,
			CurrentEpoch: c.CurrentEpoch, Status: statusString(c.Status), CreatedAt: rfc3339(c.CreatedAt),
		})
	}
	return &GetConvosResponse{Conversations: out}, nil
}

func (s *DeliveryServer) GetWelcome(ctx context.Context, _ *Empty) (*GetWelcomeResponse, error) {
	caller, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}
	w, err := s.recovery.GetWelcome(ctx, caller)
	if err != nil {
		return nil, err
	}
	return &GetWelcomeResponse{
		ConversationID: w.ConversationID.String(), WelcomeBlob: w.WelcomeBlob,
		KeyPackageHash: w.KeyPackageHash, CreatedAt: rfc3339(w.CreatedAt),
	}, nil
}

func (s *DeliveryServer) ConsumeWelcome(ctx context.Context, req *ConsumeWelcomeRequest) (*Empty, error) {
	caller, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}
	convID, err := parseUUID(req.ConversationID)
	if err != nil {
		return nil, err
	}
	if err := s.recovery.ConsumeWelcome(ctx, caller, convID); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

func (s *DeliveryServer) DeliverWelcome(ctx context.Context, req *DeliverWelcomeRequest) (*Empty, error) {
	caller, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}
	convID, err := parseUUID(req.ConversationID)
	if err != nil {
		return nil, err
	}
	recipient, err := parseUUID(req.RecipientDevice)
	if err != nil {
		return nil, err
	}
	if err := s.recovery.DeliverWelcome(ctx, caller, convID, recipient, req.WelcomeBlob, req.KeyPackageHash); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

func (s *DeliveryServer) GetGroupInfo(ctx context.Context, req *GetGroupInfoRequest) (*GetGroupInfoResponse, error) {
	caller, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}
	convID, err := parseUUID(req.ConversationID)
	if err != nil {
		return nil, err
	}
	blob, epoch, err := s.recovery.GetGroupInfo(ctx, caller, convID)
	if err != nil {
		return nil, err
	}
	return &GetGroupInfoResponse{GroupInfo: blob, Epoch: epoch}, nil
}

func (s *DeliveryServer) ProcessExternalCommit(ctx context.Context, req *ProcessExternalCommitRequest) (*ProcessExternalCommitResponse, error) {
	caller, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}
	convID, err := parseUUID(req.ConversationID)
	if err != nil {
		return nil, err
	}

	return doIdempotent(ctx, s.idem, caller, "processExternalCommit", req.IdempotencyKey, req, func() (*ProcessExternalCommitResponse, error) {
		newEpoch, err := s.recovery.ProcessExternalCommit(ctx, caller, convID, req.ExpectedEpoch, req.CommitCiphertext, req.NewGroupInfo)
		if err != nil {
			return nil, err
		}
		return &ProcessExternalCommitResponse{NewEpoch: newEpoch}, nil
	})
}

func (s *DeliveryServer) MarkNeedsRejoin(ctx context.Context, req *MarkNeedsRejoinRequest) (*Empty, error) {
	caller, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}
	convID, err := parseUUID(req.ConversationID)
	if err != nil {
		return nil, err
	}
	if err := s.recovery.MarkNeedsRejoin(ctx, convID, caller.Principal); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

func (s *DeliveryServer) PublishKeyPackage(ctx context.Context, req *PublishKeyPackageRequest) (*PublishKeyPackageResponse, error) {
	caller, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}
	expiresAt, err := time.Parse(time.RFC3339Nano, req.ExpiresAt)
	if err != nil {
		return nil, apperr.Wrap(apperr.InvalidInput, "malformed expires_at", err)
	}
	hash, err := s.keys.Publish(ctx, caller, req.Blob, req.Ciphersuite, expiresAt)
	if err != nil {
		return nil, err
	}
	return &PublishKeyPackageResponse{Hash: hash}, nil
}

func (s *DeliveryServer) GetKeyPackages(ctx context.Context, req *GetKeyPackagesRequest) (*GetKeyPackagesResponse, error) {
	if _, err := callerFrom(ctx); err != nil {
		return nil, err
	}
	byDevice, err := s.keys.FetchFor(ctx, req.Principals, req.MaxPerDevice)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]KeyPackageDTO, len(byDevice))
	for device, kps := range byDevice {
		dtos := make([]KeyPackageDTO, 0, len(kps))
		for _, kp := range kps {
			dtos = append(dtos, KeyPackageDTO{Hash: kp.Hash, Ciphersuite: kp.Ciphersuite, Blob: kp.Blob, ExpiresAt: rfc3339(kp.ExpiresAt)})
		}
		out[device.String()] = dtos
	}
	return &GetKeyPackagesResponse{ByDevice: out}, nil
}

func (s *DeliveryServer) RegisterDevice(ctx context.Context, req *RegisterDeviceRequest) (*Empty, error) {
	caller, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := s.devices.Register(ctx, caller, req.DeviceID, req.Name, req.PublicKey); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

func (s *DeliveryServer) RegisterDeviceToken(ctx context.Context, req *RegisterDeviceTokenRequest) (*Empty, error) {
	caller, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.devices.RegisterPushToken(ctx, caller, req.Token, req.Provider); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

func (s *DeliveryServer) ReportMember(ctx context.Context, req *ReportMemberRequest) (*ReportMemberResponse, error) {
	caller, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}
	convID, err := parseUUID(req.ConversationID)
	if err != nil {
		return nil, err
	}
	rep, err := s.reports.ReportMember(ctx, caller, convID, req.Target, req.EncryptedContent)
	if err != nil {
		return nil, err
	}
	return &ReportMemberResponse{ReportID: rep.ID.String()}, nil
}

func (s *DeliveryServer) GetReports(ctx context.Context, req *GetReportsRequest) (*GetReportsResponse, error) {
	if _, err := callerFrom(ctx); err != nil {
		return nil, err
	}
	reports, err := s.reports.GetReports(ctx, req.Limit)
	if err != nil {
		return nil, err
	}
	out := make([]ReportDTO, 0, len(reports))
	for _, r := range reports {
		out = append(out, ReportDTO{
			ID: r.ID.String(), ConversationID: r.ConversationID.String(),
			ReporterPrincipal: r.ReporterPrincipal, ReportedPrincipal: r.ReportedPrincipal,
			Status: reportStatusString(r.Status), CreatedAt: rfc3339(r.CreatedAt),
		})
	}
	return &GetReportsResponse{Reports: out}, nil
}

func (s *DeliveryServer) ResolveReport(ctx context.Context, req *ResolveReportRequest) (*Empty, error) {
	caller, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}
	reportID, err := parseUUID(req.ReportID)
	if err != nil {
		return nil, err
	}
	if err := s.reports.ResolveReport(ctx, caller, reportID, req.Dismiss, req.Notes); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

func toMemberInputs(in []MemberInput) ([]service.NewMemberInput, error) {
	out := make([]service.NewMemberInput, 0, len(in))
	for _, m := range in {
		dev, err := parseUUID(m.Device)
		if err != nil {
			return nil, err
		}
		out = append(out, service.NewMemberInput{
			Principal: m.Principal, Device: dev, KeyPackageHash: m.KeyPackageHash, WelcomeBlob: m.WelcomeBlob,
		})
	}
	return out, nil
}

func toMessageDTOs(msgs []*model.Message) []MessageDTO {
	out := make([]MessageDTO, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, MessageDTO{
			ID: m.ID.String(), ConversationID: m.ConversationID.String(), SenderDevice: m.SenderDevice.String(),
			Type: messageTypeString(m.Type), Epoch: m.Epoch, Seq: m.Seq, Ciphertext: m.Ciphertext,
			CreatedAt: rfc3339(m.CreatedAt), ExpiresAt: rfc3339(m.ExpiresAt),
			EmbedType: m.EmbedType, EmbedURI: m.EmbedURI,
		})
	}
	return out
}

func messageTypeString(t model.MessageType) string {
	switch t {
	case model.MessageApplication:
		return "application"
	case model.MessageCommit:
		return "commit"
	case model.MessageWelcome:
		return "welcome"
	case model.MessageProposal:
		return "proposal"
	default:
		return "unknown"
	}
}

func parseMessageType(s string) (model.MessageType, error) {
	switch s {
	case "application":
		return model.MessageApplication, nil
	case "commit":
		return model.MessageCommit, nil
	case "welcome":
		return model.MessageWelcome, nil
	case "proposal":
		return model.MessageProposal, nil
	default:
		return 0, apperr.New(apperr.InvalidInput, "unknown message type: "+s)
	}
}

// parseMessageTypes converts getMessages' optional types filter; an empty
// slice means "all types" (open-question #5), so it passes nil through
// rather than a zero-length slice to distinguish it from "filter to
// nothing" at the store layer.
func parseMessageTypes(types []string) ([]model.MessageType, error) {
	if len(types) == 0 {
		return nil, nil
	}
	out := make([]model.MessageType, 0, len(types))
	for _, s := range types {
		t, err := parseMessageType(s)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func statusString(s model.ConversationStatus) string {
	switch s {
	case model.ConversationCreating:
		return "creating"
	case model.ConversationActive:
		return "active"
	case model.ConversationDormant:
		return "dormant"
	case model.ConversationDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

func reportStatusString(s model.ReportStatus) string {
	switch s {
	case model.ReportPending:
		return "pending"
	case model.ReportResolved:
		return "resolved"
	case model.ReportDismissed:
		return "dismissed"
	default:
		return "unknown"
	}
}
