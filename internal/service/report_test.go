package service

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlsds/delivery-service/internal/apperr"
	"github.com/mlsds/delivery-service/internal/domain/model"
)

func TestReportInboxReportMemberRejectsEmptyContent(t *testing.T) {
	i := NewReportInbox(nil)
	_, err := i.ReportMember(context.Background(), model.AuthenticatedCaller{Principal: "alice"}, uuid.New(), "bob", nil)

	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.InvalidInput, appErr.Kind)
}
