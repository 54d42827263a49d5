package interceptors

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mlsds/delivery-service/internal/service"
)

// NewUnaryAuthInterceptor mirrors NewStreamAuthInterceptor for the unary
// routes (createConvo, addMembers, getMessages, ...) that make up most of
// §6's external interface.
func NewUnaryAuthInterceptor(auther service.Auther) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		auth, err := auther.Inspect(service.WithMethod(ctx, info.FullMethod))
		if err != nil {
			return nil, status.Errorf(codes.Unauthenticated, "authentication failed: %v", err)
		}

		newCtx := context.WithValue(ctx, AuthContextKey, auth)
		return handler(newCtx, req)
	}
}
