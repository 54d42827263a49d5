package model

import "time"

// IdempotencyRecord is a bounded-TTL cache keyed by (principal, route, key).
type IdempotencyRecord struct {
	Key              string
	Principal        string
	Route            string
	RequestFingerprint string
	ResponseBlob     []byte
	CreatedAt        time.Time
	ExpiresAt        time.Time
}
