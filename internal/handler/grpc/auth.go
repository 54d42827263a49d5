package grpc

import (
	"context"

	"github.com/mlsds/delivery-service/internal/domain/model"
	"github.com/mlsds/delivery-service/infra/server/grpc/interceptors"
)

// authFromContext recovers the caller the Auth Gate interceptor attached to
// the request context. Every route handler calls this instead of trusting
// anything in the request body for identity.
func authFromContext(ctx context.Context) (*model.AuthenticatedCaller, bool) {
	return interceptors.GetAuthCaller(ctx)
}
