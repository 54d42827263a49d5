package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/mlsds/delivery-service/internal/apperr"
)

// kindToCode is the §7 propagation policy's kind->status mapping.
var kindToCode = map[apperr.Kind]codes.Code{
	apperr.Unauthenticated: codes.Unauthenticated,
	apperr.Forbidden:       codes.PermissionDenied,
	apperr.NotFound:        codes.NotFound,
	apperr.Conflict:        codes.AlreadyExists,
	apperr.Gone:            codes.FailedPrecondition,
	apperr.EpochMismatch:   codes.Aborted,
	apperr.AlreadyConsumed: codes.FailedPrecondition,
	apperr.InvalidInput:    codes.InvalidArgument,
	apperr.TooManyRequests: codes.ResourceExhausted,
	apperr.Internal:        codes.Internal,
}

// TranslateError is the single boundary translator §7 requires: every
// kinded apperr.Error becomes a grpc status carrying the kind and any
// machine-readable hint (e.g. EpochMismatch's current-epoch retry hint) as
// status details; anything else is flattened to Internal without leaking
// detail.
func TranslateError(err error) error {
	if err == nil {
		return nil
	}
	appErr, ok := apperr.As(err)
	if !ok {
		return status.Error(codes.Internal, "internal error")
	}

	code, ok := kindToCode[appErr.Kind]
	if !ok {
		code = codes.Internal
	}

	st := status.New(code, appErr.Message)
	if len(appErr.Hint) > 0 {
		if detail, derr := structpb.NewStruct(appErr.Hint); derr == nil {
			if withDetails, werr := st.WithDetails(detail); werr == nil {
				st = withDetails
			}
		}
	}
	return st.Err()
}

// ErrorUnaryInterceptor wraps every unary handler so services can keep
// returning plain *apperr.Error and never touch grpc/codes directly.
func ErrorUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		if err != nil {
			return nil, TranslateError(err)
		}
		return resp, nil
	}
}

// ErrorStreamInterceptor mirrors ErrorUnaryInterceptor for the one
// streaming route.
func ErrorStreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if err := handler(srv, ss); err != nil {
			return TranslateError(err)
		}
		return nil
	}
}
