package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/metadata"

	"github.com/mlsds/delivery-service/internal/apperr"
)

func TestBearerFromContextMissingMetadata(t *testing.T) {
	_, err := bearerFromContext(context.Background())
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.Unauthenticated, appErr.Kind)
}

func TestBearerFromContextMissingHeader(t *testing.T) {
	ctx := metadata.NewIncomingContext(context.Background(), metadata.MD{})
	_, err := bearerFromContext(ctx)
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.Unauthenticated, appErr.Kind)
}

func TestBearerFromContextNotBearer(t *testing.T) {
	md := metadata.Pairs("authorization", "Basic deadbeef")
	ctx := metadata.NewIncomingContext(context.Background(), md)
	_, err := bearerFromContext(ctx)
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.Unauthenticated, appErr.Kind)
}

func TestBearerFromContextOK(t *testing.T) {
	md := metadata.Pairs("authorization", "Bearer the-token")
	ctx := metadata.NewIncomingContext(context.Background(), md)
	got, err := bearerFromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, "the-token", got)
}

func TestMethodFromContextRoundTrip(t *testing.T) {
	ctx := WithMethod(context.Background(), "/delivery.v1.Delivery/CreateConvo")
	got, ok := methodFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "/delivery.v1.Delivery/CreateConvo", got)
}

func TestMethodFromContextAbsent(t *testing.T) {
	_, ok := methodFromContext(context.Background())
	assert.False(t, ok)
}

func TestEnforceClaimsExpired(t *testing.T) {
	g := &AuthGate{}
	err := g.enforceClaims(context.Background(), &tokenClaims{Principal: "alice", ExpiresAt: time.Now().Add(-time.Hour).Unix()})
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.Unauthenticated, appErr.Kind)
}

func TestEnforceClaimsAudienceMismatch(t *testing.T) {
	g := &AuthGate{enforceAudience: true, serviceAudience: "delivery-service"}
	err := g.enforceClaims(context.Background(), &tokenClaims{Principal: "alice", Audience: "someone-else"})
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.Unauthenticated, appErr.Kind)
}

func TestEnforceClaimsAudienceMatch(t *testing.T) {
	g := &AuthGate{enforceAudience: true, serviceAudience: "delivery-service"}
	err := g.enforceClaims(context.Background(), &tokenClaims{Principal: "alice", Audience: "delivery-service"})
	assert.NoError(t, err)
}

func TestEnforceClaimsMethodMismatch(t *testing.T) {
	g := &AuthGate{enforceMethod: true}
	ctx := WithMethod(context.Background(), "/delivery.v1.Delivery/CreateConvo")
	err := g.enforceClaims(ctx, &tokenClaims{Principal: "alice", Method: "/delivery.v1.Delivery/SendMessage"})
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.Unauthenticated, appErr.Kind)
}

func TestEnforceClaimsMethodMatchPassesWhenNoContextMethod(t *testing.T) {
	g := &AuthGate{enforceMethod: true}
	err := g.enforceClaims(context.Background(), &tokenClaims{Principal: "alice", Method: "/delivery.v1.Delivery/SendMessage"})
	assert.NoError(t, err)
}

func TestEnforceClaimsNonceMissing(t *testing.T) {
	g := NewAuthGate(nil, false, false, true, "")
	err := g.enforceClaims(context.Background(), &tokenClaims{Principal: "alice"})
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.Unauthenticated, appErr.Kind)
}

func TestEnforceClaimsNonceReplay(t *testing.T) {
	g := NewAuthGate(nil, false, false, true, "")
	claims := &tokenClaims{Principal: "alice", Nonce: "n-1"}
	require.NoError(t, g.enforceClaims(context.Background(), claims))

	err := g.enforceClaims(context.Background(), claims)
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.Unauthenticated, appErr.Kind)
}

func TestEnforceClaimsNoEnforcementPasses(t *testing.T) {
	g := &AuthGate{}
	err := g.enforceClaims(context.Background(), &tokenClaims{Principal: "alice"})
	assert.NoError(t, err)
}
