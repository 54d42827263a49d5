package service

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"time"

	"github.com/go-jose/go-jose/v4"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/google/uuid"
	"google.golang.org/grpc/metadata"

	"github.com/mlsds/delivery-service/internal/apperr"
	"github.com/mlsds/delivery-service/internal/client/identity"
	"github.com/mlsds/delivery-service/internal/domain/model"
)

// Auther is the Auth Gate's external contract (§4.1): verify the
// caller's bearer token and yield an AuthenticatedCaller, never trusting
// anything the request body claims about who sent it.
type Auther interface {
	Inspect(ctx context.Context) (*model.AuthenticatedCaller, error)
}

// tokenClaims is the payload carried inside the compact JWS bearer token.
// The identity layer is described as "signed service tokens", not
// necessarily JWT — this is the minimal claim set §4.1 requires.
type tokenClaims struct {
	Principal string `json:"principal"`
	DeviceID  string `json:"device_id,omitempty"`
	Audience  string `json:"aud,omitempty"`
	Method    string `json:"method,omitempty"`
	Nonce     string `json:"nonce,omitempty"`
	ExpiresAt int64  `json:"exp"`
}

// AuthGate implements Auther per §4.1.
type AuthGate struct {
	resolver *identity.Resolver

	enforceAudience bool
	enforceMethod   bool
	enforceNonce    bool
	serviceAudience string

	seenNonces *lru.LRU[string, struct{}]
}

func NewAuthGate(resolver *identity.Resolver, enforceAudience, enforceMethod, enforceNonce bool, serviceAudience string) *AuthGate {
	return &AuthGate{
		resolver:        resolver,
		enforceAudience: enforceAudience,
		enforceMethod:   enforceMethod,
		enforceNonce:    enforceNonce,
		serviceAudience: serviceAudience,
		seenNonces:      lru.NewLRU[string, struct{}](50000, nil, 5*time.Minute),
	}
}

// Inspect implements the four steps of §4.1: parse+verify, enforce optional
// claims, reject on any failure with a distinct kind, yield the caller.
func (g *AuthGate) Inspect(ctx context.Context) (*model.AuthenticatedCaller, error) {
	token, err := bearerFromContext(ctx)
	if err != nil {
		return nil, err
	}

	sig, err := jose.ParseSigned(token, []jose.SignatureAlgorithm{jose.EdDSA, jose.ES256})
	if err != nil {
		return nil, apperr.Wrap(apperr.Unauthenticated, "malformed bearer token", err)
	}

	claims, err := g.verifyAgainstPublishedKeys(ctx, sig)
	if err != nil {
		return nil, err
	}

	if err := g.enforceClaims(ctx, claims); err != nil {
		return nil, err
	}

	caller := &model.AuthenticatedCaller{Principal: claims.Principal}
	if claims.DeviceID != "" {
		devID, err := uuid.Parse(claims.DeviceID)
		if err != nil {
			return nil, apperr.Wrap(apperr.Unauthenticated, "invalid device claim", err)
		}
		caller.DeviceID = devID
	}
	return caller, nil
}

// verifyAgainstPublishedKeys tries every currently-published verification
// key for the token's claimed principal until one validates the signature.
// The principal isn't known until the (unverified) payload is parsed once,
// so this does an unsafe peek first purely to learn who to look up.
func (g *AuthGate) verifyAgainstPublishedKeys(ctx context.Context, sig *jose.JSONWebSignature) (*tokenClaims, error) {
	unsafePayload := sig.UnsafePayloadWithoutVerification()
	var peek tokenClaims
	if err := json.Unmarshal(unsafePayload, &peek); err != nil {
		return nil, apperr.Wrap(apperr.Unauthenticated, "malformed token claims", err)
	}
	if peek.Principal == "" {
		return nil, apperr.New(apperr.Unauthenticated, "token missing principal claim")
	}

	keys, err := g.resolver.VerificationKeys(ctx, peek.Principal)
	if err != nil {
		return nil, apperr.Wrap(apperr.Unauthenticated, "could not resolve principal's keys", err)
	}

	for _, k := range keys {
		pub := ed25519.PublicKey(k.PublicKey)
		payload, err := sig.Verify(pub)
		if err != nil {
			continue
		}
		var verified tokenClaims
		if err := json.Unmarshal(payload, &verified); err != nil {
			return nil, apperr.Wrap(apperr.Unauthenticated, "malformed token claims", err)
		}
		return &verified, nil
	}

	return nil, apperr.New(apperr.Unauthenticated, "signature did not verify against any published key")
}

func (g *AuthGate) enforceClaims(ctx context.Context, claims *tokenClaims) error {
	if claims.ExpiresAt != 0 && time.Now().Unix() > claims.ExpiresAt {
		return apperr.New(apperr.Unauthenticated, "token expired")
	}

	if g.enforceAudience && claims.Audience != g.serviceAudience {
		return apperr.New(apperr.Unauthenticated, "audience mismatch")
	}

	if g.enforceMethod {
		if method, ok := methodFromContext(ctx); ok && claims.Method != "" && claims.Method != method {
			return apperr.New(apperr.Unauthenticated, "method claim mismatch")
		}
	}

	if g.enforceNonce {
		if claims.Nonce == "" {
			return apperr.New(apperr.Unauthenticated, "missing replay-protection nonce")
		}
		if _, seen := g.seenNonces.Get(claims.Nonce); seen {
			return apperr.New(apperr.Unauthenticated, "nonce already used")
		}
		g.seenNonces.Add(claims.Nonce, struct{}{})
	}

	return nil
}

func bearerFromContext(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", apperr.New(apperr.Unauthenticated, "missing request metadata")
	}
	vals := md.Get("authorization")
	if len(vals) == 0 {
		return "", apperr.New(apperr.Unauthenticated, "missing authorization header")
	}
	const prefix = "Bearer "
	v := vals[0]
	if len(v) <= len(prefix) || v[:len(prefix)] != prefix {
		return "", apperr.New(apperr.Unauthenticated, "authorization header is not a bearer token")
	}
	return v[len(prefix):], nil
}

// methodFromContext recovers the gRPC full method name for the per-token
// method-claim check; callers outside gRPC (WS/long-poll) pass their route
// through a plain context value instead — see internal/handler/ws.
type methodContextKey struct{}

func methodFromContext(ctx context.Context) (string, bool) {
	if m, ok := ctx.Value(methodContextKey{}).(string); ok {
		return m, true
	}
	return "", false
}

func WithMethod(ctx context.Context, method string) context.Context {
	return context.WithValue(ctx, methodContextKey{}, method)
}
