// Package ulidx provides process-monotonic ULID cursor generation.
//
// Cursors must be 26-character Crockford base32, monotonic within a
// process — exactly the guarantee oklog/ulid's monotonic entropy source
// gives when shared across calls, which is why this is a single
// package-level generator rather than one-construction-per-call.
package ulidx

import (
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid"
)

var (
	mu      sync.Mutex
	entropy io.Reader = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a new cursor ULID, time-prefixed and monotonic against the
// previous call within the same millisecond.
func New() string {
	mu.Lock()
	defer mu.Unlock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// Compare reports whether a sorts before, at, or after b, by plain string
// comparison — valid because Crockford base32 ULIDs are lexicographically
// sortable by construction.
func Compare(a, b string) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}
