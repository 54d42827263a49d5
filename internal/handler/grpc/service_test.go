package grpc

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlsds/delivery-service/internal/apperr"
	"github.com/mlsds/delivery-service/internal/domain/model"
)

func TestParseUUID(t *testing.T) {
	id := uuid.New()
	got, err := parseUUID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, got)
}

func TestParseUUIDInvalid(t *testing.T) {
	_, err := parseUUID("not-a-uuid")
	require.Error(t, err)
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.InvalidInput, appErr.Kind)
}

func TestRFC3339(t *testing.T) {
	ts := time.Date(2026, 7, 30, 12, 0, 0, 0, time.FixedZone("+02:00", 2*60*60))
	got := rfc3339(ts)
	assert.Equal(t, "2026-07-30T10:00:00Z", got)
}

func TestToMemberInputs(t *testing.T) {
	dev := uuid.New()
	out, err := toMemberInputs([]MemberInput{
		{Principal: "bob", Device: dev.String(), KeyPackageHash: "h1", WelcomeBlob: []byte("w")},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "bob", out[0].Principal)
	assert.Equal(t, dev, out[0].Device)
	assert.Equal(t, "h1", out[0].KeyPackageHash)
}

func TestToMemberInputsRejectsMalformedDevice(t *testing.T) {
	_, err := toMemberInputs([]MemberInput{{Principal: "bob", Device: "garbage"}})
	require.Error(t, err)
}

func TestParseMessageTypesEmptyMeansAll(t *testing.T) {
	out, err := parseMessageTypes(nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestParseMessageTypesOK(t *testing.T) {
	out, err := parseMessageTypes([]string{"application", "commit"})
	require.NoError(t, err)
	assert.Equal(t, []model.MessageType{model.MessageApplication, model.MessageCommit}, out)
}

func TestParseMessageTypesRejectsUnknown(t *testing.T) {
	_, err := parseMessageTypes([]string{"bogus"})
	require.Error(t, err)
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.InvalidInput, appErr.Kind)
}

func TestToMessageDTOs(t *testing.T) {
	now := time.Now().UTC()
	msgs := []*model.Message{
		{
			ID: uuid.New(), ConversationID: uuid.New(), SenderDevice: uuid.New(),
			Type: model.MessageApplication, Epoch: 3, Seq: 10, Ciphertext: []byte("ct"),
			CreatedAt: now, ExpiresAt: now.Add(24 * time.Hour),
		},
	}
	dtos := toMessageDTOs(msgs)
	require.Len(t, dtos, 1)
	assert.Equal(t, msgs[0].ID.String(), dtos[0].ID)
	assert.Equal(t, "application", dtos[0].Type)
	assert.Equal(t, uint64(3), dtos[0].Epoch)
	assert.Equal(t, int64(10), dtos[0].Seq)
}

func TestMessageTypeString(t *testing.T) {
	tests := []struct {
		in   model.MessageType
		want string
	}{
		{model.MessageApplication, "application"},
		{model.MessageCommit, "commit"},
		{model.MessageWelcome, "welcome"},
		{model.MessageProposal, "proposal"},
		{model.MessageType(99), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, messageTypeString(tt.in))
	}
}

func TestStatusString(t *testing.T) {
	tests := []struct {
		in   model.ConversationStatus
		want string
	}{
		{model.ConversationCreating, "creating"},
		{model.ConversationActive, "active"},
		{model.ConversationDormant, "dormant"},
		{model.ConversationDeleted, "deleted"},
		{model.ConversationStatus(99), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusString(tt.in))
	}
}

func TestReportStatusString(t *testing.T) {
	tests := []struct {
		in   model.ReportStatus
		want string
	}{
		{model.ReportPending, "pending"},
		{model.ReportResolved, "resolved"},
		{model.ReportDismissed, "dismissed"},
		{model.ReportStatus(99), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, reportStatusString(tt.in))
	}
}
