// Package identity resolves a principal's currently-published verification
// keys from the decentralized identity layer (§4.1 step 1). It is
// the DS's only outbound dependency on anything resembling "identity" — the
// DS never stores or forges principal identities itself.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sony/gobreaker"
)

// VerificationKey is one currently-published signing key for a principal.
type VerificationKey struct {
	KeyID     string `json:"kid"`
	Algorithm string `json:"alg"`
	PublicKey []byte `json:"public_key"`
}

// Resolver fetches and caches verification keys per principal.
type Resolver struct {
	baseURL string
	client  *http.Client
	cache   *lru.LRU[string, []VerificationKey]
	breaker *gobreaker.CircuitBreaker
}

type Option func(*Resolver)

func WithHTTPClient(c *http.Client) Option {
	return func(r *Resolver) { r.client = c }
}

// New builds a Resolver with a bounded, TTL-expiring LRU cache (§4.1's
// "cached with bounded TTL and a size-bounded LRU") and a circuit breaker
// around the upstream HTTP call so a slow/unavailable identity service
// degrades into fast Unauthenticated rejections instead of stalling every
// request behind it.
func New(baseURL string, timeout time.Duration, cacheSize int, cacheTTL time.Duration, opts ...Option) *Resolver {
	r := &Resolver{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		cache:   lru.NewLRU[string, []VerificationKey](cacheSize, nil, cacheTTL),
	}

	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "identity-resolver",
		MaxRequests: 5,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 10 && float64(counts.TotalFailures)/float64(counts.Requests) > 0.5
		},
	})

	for _, opt := range opts {
		opt(r)
	}
	return r
}

// VerificationKeys returns the currently-published keys for principal,
// serving from cache when present and falling back to the identity
// resolver's HTTP endpoint otherwise.
func (r *Resolver) VerificationKeys(ctx context.Context, principal string) ([]VerificationKey, error) {
	if keys, ok := r.cache.Get(principal); ok {
		return keys, nil
	}

	result, err := r.breaker.Execute(func() (any, error) {
		return r.fetch(ctx, principal)
	})
	if err != nil {
		return nil, fmt.Errorf("identity: resolve %s: %w", principal, err)
	}

	keys := result.([]VerificationKey)
	r.cache.Add(principal, keys)
	return keys, nil
}

// Invalidate drops a principal's cached keys, used after a key-rotation
// signal so the next lookup re-fetches instead of serving a stale entry.
func (r *Resolver) Invalidate(principal string) {
	r.cache.Remove(principal)
}

func (r *Resolver) fetch(ctx context.Context, principal string) ([]VerificationKey, error) {
	url := fmt.Sprintf("%s/principals/%s/keys", r.baseURL, principal)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("unknown principal")
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("identity service returned %d: %s", resp.StatusCode, body)
	}

	var payload struct {
		Keys []VerificationKey `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode identity response: %w", err)
	}
	return payload.Keys, nil
}
