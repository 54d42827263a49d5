package grpc

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/mlsds/delivery-service/internal/apperr"
)

func TestTranslateErrorNil(t *testing.T) {
	assert.NoError(t, TranslateError(nil))
}

func TestTranslateErrorKindMapping(t *testing.T) {
	tests := []struct {
		kind apperr.Kind
		want codes.Code
	}{
		{apperr.Unauthenticated, codes.Unauthenticated},
		{apperr.Forbidden, codes.PermissionDenied},
		{apperr.NotFound, codes.NotFound},
		{apperr.Conflict, codes.AlreadyExists},
		{apperr.Gone, codes.FailedPrecondition},
		{apperr.EpochMismatch, codes.Aborted},
		{apperr.AlreadyConsumed, codes.FailedPrecondition},
		{apperr.InvalidInput, codes.InvalidArgument},
		{apperr.TooManyRequests, codes.ResourceExhausted},
		{apperr.Internal, codes.Internal},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			err := TranslateError(apperr.New(tt.kind, "boom"))
			st, ok := status.FromError(err)
			require.True(t, ok)
			assert.Equal(t, tt.want, st.Code())
			assert.Equal(t, "boom", st.Message())
		})
	}
}

func TestTranslateErrorNonAppErrFlattensToInternal(t *testing.T) {
	err := TranslateError(errors.New("unexpected panic recovery"))
	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.Internal, st.Code())
	assert.NotContains(t, st.Message(), "panic recovery")
}

func TestTranslateErrorAttachesHintAsDetail(t *testing.T) {
	err := TranslateError(apperr.WithHint(apperr.EpochMismatch, "stale epoch", map[string]any{
		"current_epoch": float64(42),
	}))

	st, ok := status.FromError(err)
	require.True(t, ok)
	require.Len(t, st.Details(), 1)

	detail, ok := st.Details()[0].(*structpb.Struct)
	require.True(t, ok)
	assert.Equal(t, float64(42), detail.Fields["current_epoch"].GetNumberValue())
}
