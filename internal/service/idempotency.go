package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mlsds/delivery-service/internal/apperr"
	"github.com/mlsds/delivery-service/internal/store/postgres"
)

// Idempotent is the cross-cutting layer §4.7/§9 describes: every
// mutating route accepts an optional idempotency key; concurrent identical
// requests collapse to exactly one execution.
//
// Two tiers do the collapsing. singleflight.Group dedupes concurrent
// requests within this process (the cheap, common case — "100 concurrent
// identical sends" from the same client retry loop almost always land on
// one instance). The postgres-backed claim/complete dance in
// internal/store/postgres/idempotency.go dedupes across process restarts
// and across instances behind a load balancer.
type Idempotent struct {
	repo *postgres.IdempotencyRepo
	ttl  time.Duration
	sf   singleflight.Group
}

func NewIdempotent(repo *postgres.IdempotencyRepo, ttl time.Duration) *Idempotent {
	return &Idempotent{repo: repo, ttl: ttl}
}

// Fingerprint hashes the route-relevant request fields so a key reused
// with a different body is rejected as a Conflict rather than silently
// returning a stale cached response.
func Fingerprint(v any) string {
	b, _ := json.Marshal(v)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Do executes fn at most once for (principal, route, key, fingerprint),
// returning any concurrent or replayed caller the winner's serialized
// response. fn's return value must be JSON-marshalable.
func (id *Idempotent) Do(ctx context.Context, principal, route, key string, request any, fn func() (any, error)) (json.RawMessage, error) {
	if key == "" {
		// No idempotency key supplied: execute directly, no dedup semantics apply.
		result, err := fn()
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)
	}

	fingerprint := Fingerprint(request)
	sfKey := principal + "|" + route + "|" + key

	v, err, _ := id.sf.Do(sfKey, func() (any, error) {
		return id.doDurable(ctx, principal, route, key, fingerprint, fn)
	})
	if err != nil {
		return nil, err
	}
	return v.(json.RawMessage), nil
}

func (id *Idempotent) doDurable(ctx context.Context, principal, route, key, fingerprint string, fn func() (any, error)) (json.RawMessage, error) {
	now := time.Now().UTC()
	existing, owns, err := id.repo.Claim(ctx, principal, route, key, fingerprint, now)
	if err != nil {
		return nil, err
	}

	if !owns {
		if existing.ResponseBlob != nil {
			return existing.ResponseBlob, nil
		}
		return id.awaitDurableCompletion(ctx, principal, route, key)
	}

	result, err := fn()
	if err != nil {
		_ = id.repo.Abandon(ctx, principal, route, key)
		return nil, err
	}

	blob, err := json.Marshal(result)
	if err != nil {
		_ = id.repo.Abandon(ctx, principal, route, key)
		return nil, err
	}

	if err := id.repo.Complete(ctx, principal, route, key, blob, now.Add(id.ttl)); err != nil {
		return nil, err
	}
	return blob, nil
}

// awaitDurableCompletion polls for the winning execution's response. This
// only triggers when another process instance (not this one's singleflight
// group) owns the claim — a brief bounded wait, per §4.7's "block briefly".
func (id *Idempotent) awaitDurableCompletion(ctx context.Context, principal, route, key string) (json.RawMessage, error) {
	const maxAttempts = 20
	const pollInterval = 100 * time.Millisecond

	for i := 0; i < maxAttempts; i++ {
		current, err := id.repo.Get(ctx, principal, route, key)
		if err != nil {
			return nil, err
		}
		if current.ResponseBlob != nil {
			return current.ResponseBlob, nil
		}

		select {
		case <-ctx.Done():
			return nil, apperr.Wrap(apperr.Internal, "context cancelled awaiting idempotent response", ctx.Err())
		case <-time.After(pollInterval):
		}
	}
	return nil, apperr.New(apperr.Internal, "idempotency key's winning execution did not complete in time")
}
