package model

import (
	"time"

	"github.com/google/uuid"
)

// Conversation is a named E2EE group with an MLS group state.
type Conversation struct {
	ID                 uuid.UUID
	CreatorPrincipal   string
	Ciphersuite        string
	CurrentEpoch       uint64
	GroupInfoBlob      []byte
	GroupInfoEpoch     uint64
	GroupInfoUpdatedAt time.Time
	CreatedAt          time.Time
	Metadata           map[string]string
	Status             ConversationStatus
}

//go:generate stringer -type=ConversationStatus
type ConversationStatus int16

const (
	ConversationCreating ConversationStatus = iota + 1
	ConversationActive
	ConversationDormant
	ConversationDeleted
)

// Member is a (conversation, device) row. The pair is unique.
type Member struct {
	ConversationID    uuid.UUID
	Principal         string
	DeviceID          uuid.UUID
	JoinedAt          time.Time
	LeftAt            *time.Time
	IsAdmin           bool
	PromotedAt        *time.Time
	PromotedBy        string
	NeedsRejoin       bool
	RejoinRequestedAt *time.Time
}

func (m *Member) IsActive() bool {
	return m.LeftAt == nil
}

func (m *Member) IsInSync() bool {
	return m.IsActive() && !m.NeedsRejoin
}

// MessageType enumerates the kinds of opaque ciphertext rows the log holds.
type MessageType int16

const (
	MessageApplication MessageType = iota + 1
	MessageCommit
	MessageWelcome
	MessageProposal
)

// Message is a single append-only ciphertext row.
type Message struct {
	ID             uuid.UUID
	ConversationID uuid.UUID
	SenderDevice   uuid.UUID
	Type           MessageType
	Epoch          uint64
	Seq            int64
	Ciphertext     []byte
	CreatedAt      time.Time
	ExpiresAt      time.Time
	EmbedType      string
	EmbedURI       string
}

// Envelope is a per-recipient pointer: "this device still has this to fetch".
type Envelope struct {
	MessageID      uuid.UUID
	RecipientDevice uuid.UUID
	DeliveredAt    *time.Time
	ReadAt         *time.Time
}

// WelcomeMailbox matches a Welcome to the recipient's referenced key package.
type WelcomeMailbox struct {
	ConversationID  uuid.UUID
	RecipientDevice uuid.UUID
	WelcomeBlob     []byte
	KeyPackageHash  string
	CreatedAt       time.Time
	Consumed        bool
}

// AdminActionKind enumerates the audited (but not authoritative) admin ops.
type AdminActionKind int16

const (
	AdminPromote AdminActionKind = iota + 1
	AdminDemote
	AdminRemove
)

// AdminAction is an append-only audit row. It grants no authority — clients
// verify admin transitions independently via the encrypted admin-roster.
type AdminAction struct {
	ID              uuid.UUID
	ConversationID  uuid.UUID
	ActorPrincipal  string
	TargetPrincipal string
	Action          AdminActionKind
	Reason          string
	// ServerViewIsAdmin snapshots the server's own coarse admin predicate at
	// write time, so a divergence from a later encrypted roster update can be
	// diffed by an operator. See open-question #4.
	ServerViewIsAdmin bool
	CreatedAt         time.Time
}

type ReportStatus int16

const (
	ReportPending ReportStatus = iota + 1
	ReportResolved
	ReportDismissed
)

type Report struct {
	ID                uuid.UUID
	ConversationID    uuid.UUID
	ReporterPrincipal string
	ReportedPrincipal string
	EncryptedContent  []byte
	Status            ReportStatus
	ResolvedBy        string
	ResolvedAt        *time.Time
	Notes             string
	CreatedAt         time.Time
}
