package grpc

import "encoding/json"

// Empty is the response body for routes with no useful return value.
type Empty struct{}

// MemberInput mirrors service.NewMemberInput over the wire.
type MemberInput struct {
	Principal      string `json:"principal"`
	Device         string `json:"device"`
	KeyPackageHash string `json:"key_package_hash"`
	WelcomeBlob    []byte `json:"welcome_blob"`
}

type CreateConvoRequest struct {
	Ciphersuite      string        `json:"ciphersuite"`
	CommitCiphertext []byte        `json:"commit_ciphertext"`
	GroupInfo        []byte        `json:"group_info"`
	Members          []MemberInput `json:"members"`
	IdempotencyKey   string        `json:"idempotency_key,omitempty"`
}

type CreateConvoResponse struct {
	ConversationID string `json:"conversation_id"`
	CurrentEpoch   uint64 `json:"current_epoch"`
}

type AddMembersRequest struct {
	ConversationID   string        `json:"conversation_id"`
	ExpectedEpoch    uint64        `json:"expected_epoch"`
	CommitCiphertext []byte        `json:"commit_ciphertext"`
	NewGroupInfo     []byte        `json:"new_group_info"`
	Members          []MemberInput `json:"members"`
	IdempotencyKey   string        `json:"idempotency_key,omitempty"`
}

type AddMembersResponse struct {
	NewEpoch uint64 `json:"new_epoch"`
}

type RemoveMemberRequest struct {
	ConversationID   string `json:"conversation_id"`
	ExpectedEpoch    uint64 `json:"expected_epoch"`
	Target           string `json:"target"`
	CommitCiphertext []byte `json:"commit_ciphertext"`
	NewGroupInfo     []byte `json:"new_group_info"`
	Reason           string `json:"reason,omitempty"`
	IdempotencyKey   string `json:"idempotency_key,omitempty"`
}

type RemoveMemberResponse struct {
	NewEpoch uint64 `json:"new_epoch"`
}

type LeaveConvoRequest struct {
	ConversationID   string `json:"conversation_id"`
	ExpectedEpoch    uint64 `json:"expected_epoch"`
	CommitCiphertext []byte `json:"commit_ciphertext"`
	NewGroupInfo     []byte `json:"new_group_info"`
	IdempotencyKey   string `json:"idempotency_key,omitempty"`
}

type LeaveConvoResponse struct {
	NewEpoch uint64 `json:"new_epoch"`
}

type SetAdminRequest struct {
	ConversationID string `json:"conversation_id"`
	Target         string `json:"target"`
	Reason         string `json:"reason,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type SendMessageRequest struct {
	ConversationID string `json:"conversation_id"`
	Epoch          uint64 `json:"epoch"`
	Ciphertext     []byte `json:"ciphertext"`
	EmbedType      string `json:"embed_type,omitempty"`
	EmbedURI       string `json:"embed_uri,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type SendMessageResponse struct {
	MessageID string `json:"message_id"`
	Seq       int64  `json:"seq"`
}

type MessageDTO struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	SenderDevice   string `json:"sender_device"`
	Type           string `json:"type"`
	Epoch          uint64 `json:"epoch"`
	Seq            int64  `json:"seq"`
	Ciphertext     []byte `json:"ciphertext"`
	CreatedAt      string `json:"created_at"`
	ExpiresAt      string `json:"expires_at"`
	EmbedType      string `json:"embed_type,omitempty"`
	EmbedURI       string `json:"embed_uri,omitempty"`
}

type GetMessagesRequest struct {
	ConversationID string   `json:"conversation_id"`
	SinceSeq       int64    `json:"since_seq"`
	Limit          int      `json:"limit"`
	Types          []string `json:"types,omitempty"`
}

type GetMessagesResponse struct {
	Messages []MessageDTO `json:"messages"`
}

type GetCommitsRequest struct {
	ConversationID string `json:"conversation_id"`
	SinceEpoch     uint64 `json:"since_epoch"`
}

type GetCommitsResponse struct {
	Messages []MessageDTO `json:"messages"`
}

type ConvoDTO struct {
	ID               string `json:"id"`
	CreatorPrincipal string `json:"creator_principal"`
	Ciphersuite      string `json:"ciphersuite"`
	CurrentEpoch     uint64 `json:"current_epoch"`
	Status           string `json:"status"`
	CreatedAt        string `json:"created_at"`
}

type GetConvosRequest struct{}

type GetConvosResponse struct {
	Conversations []ConvoDTO `json:"conversations"`
}

type GetWelcomeResponse struct {
	ConversationID string `json:"conversation_id"`
	WelcomeBlob    []byte `json:"welcome_blob"`
	KeyPackageHash string `json:"key_package_hash"`
	CreatedAt      string `json:"created_at"`
}

type ConsumeWelcomeRequest struct {
	ConversationID string `json:"conversation_id"`
}

type DeliverWelcomeRequest struct {
	ConversationID  string `json:"conversation_id"`
	RecipientDevice string `json:"recipient_device"`
	WelcomeBlob     []byte `json:"welcome_blob"`
	KeyPackageHash  string `json:"key_package_hash"`
}

type GetGroupInfoRequest struct {
	ConversationID string `json:"conversation_id"`
}

type GetGroupInfoResponse struct {
	GroupInfo []byte `json:"group_info"`
	Epoch     uint64 `json:"epoch"`
}

type ProcessExternalCommitRequest struct {
	ConversationID   string `json:"conversation_id"`
	ExpectedEpoch    uint64 `json:"expected_epoch"`
	CommitCiphertext []byte `json:"commit_ciphertext"`
	NewGroupInfo     []byte `json:"new_group_info"`
	IdempotencyKey   string `json:"idempotency_key,omitempty"`
}

type ProcessExternalCommitResponse struct {
	NewEpoch uint64 `json:"new_epoch"`
}

type MarkNeedsRejoinRequest struct {
	ConversationID string `json:"conversation_id"`
}

type PublishKeyPackageRequest struct {
	Blob        []byte `json:"blob"`
	Ciphersuite string `json:"ciphersuite"`
	ExpiresAt   string `json:"expires_at"`
}

type PublishKeyPackageResponse struct {
	Hash string `json:"hash"`
}

type GetKeyPackagesRequest struct {
	Principals   []string `json:"principals"`
	MaxPerDevice int      `json:"max_per_device"`
}

type KeyPackageDTO struct {
	Hash        string `json:"hash"`
	Ciphersuite string `json:"ciphersuite"`
	Blob        []byte `json:"blob"`
	ExpiresAt   string `json:"expires_at"`
}

type GetKeyPackagesResponse struct {
	// ByDevice maps a device ID to its available key packages.
	ByDevice map[string][]KeyPackageDTO `json:"by_device"`
}

type RegisterDeviceRequest struct {
	DeviceID  string `json:"device_id"`
	Name      string `json:"name,omitempty"`
	PublicKey []byte `json:"public_key"`
}

type RegisterDeviceTokenRequest struct {
	Token    string `json:"token,omitempty"`
	Provider string `json:"provider,omitempty"`
}

type ReportMemberRequest struct {
	ConversationID   string `json:"conversation_id"`
	Target           string `json:"target"`
	EncryptedContent []byte `json:"encrypted_content"`
}

type ReportMemberResponse struct {
	ReportID string `json:"report_id"`
}

type GetReportsRequest struct {
	Limit int `json:"limit"`
}

type ReportDTO struct {
	ID                string `json:"id"`
	ConversationID    string `json:"conversation_id"`
	ReporterPrincipal string `json:"reporter_principal"`
	ReportedPrincipal string `json:"reported_principal"`
	Status            string `json:"status"`
	CreatedAt         string `json:"created_at"`
}

type GetReportsResponse struct {
	Reports []ReportDTO `json:"reports"`
}

type ResolveReportRequest struct {
	ReportID string `json:"report_id"`
	Dismiss  bool   `json:"dismiss"`
	Notes    string `json:"notes,omitempty"`
}

// SubscribeConvoEventsRequest opens the live tail; Since resumes from a
// previously-seen cursor (§4.6), an empty string starts from "now".
type SubscribeConvoEventsRequest struct {
	Since string `json:"since,omitempty"`
}

// EventDTO is the wire shape of event.Eventer sent down the stream.
type EventDTO struct {
	Cursor          string          `json:"cursor"`
	ConversationID  string          `json:"conversation_id"`
	RecipientDevice string          `json:"recipient_device"`
	Kind            int16           `json:"kind"`
	Priority        int32           `json:"priority"`
	OccurredAtMilli int64           `json:"occurred_at_milli"`
	Payload         json.RawMessage `json:"payload,omitempty"`
}
