// Package idempotency lets mutating admin requests be retried safely. A
// client sends an Idempotency-Key header; the first request with a given key
// runs the handler and stores the reply, retries of the same request get the
// stored reply back, and reuse of the key for a different request is rejected.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"
)

// DefaultTTL bounds how long a stored reply can be replayed.
const DefaultTTL = 24 * time.Hour

// ErrKeyReused reports an idempotency key presented with a request that does
// not match the one the key was first used for.
var ErrKeyReused = errors.New("idempotency: key reused for a different request")

// Outcome tells the middleware what to do after claiming a key.
type Outcome int

const (
	// OutcomeProceed means the key is fresh and the handler should run.
	OutcomeProceed Outcome = iota
	// OutcomeReplay means a stored reply exists and should be returned as is.
	OutcomeReplay
	// OutcomeInFlight means an earlier request holding the key has not finished.
	OutcomeInFlight
)

// Reply is the buffered HTTP response stored against a key and played back
// on retries.
type Reply struct {
	Status int
	Header http.Header
	Body   []byte
}

// Claim is the result of attempting to take ownership of a key.
type Claim struct {
	Outcome Outcome
	Reply   Reply
}

// Store persists key ownership and stored replies.
type Store interface {
	// Claim takes ownership of key for the request identified by fingerprint.
	// An existing claim with a different fingerprint yields ErrKeyReused.
	Claim(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Claim, error)
	// Complete stores the reply for a claimed key so retries can replay it.
	Complete(ctx context.Context, key, fingerprint string, reply Reply, now time.Time, ttl time.Duration) error
	// Abandon drops the claim so the client may retry after a failure.
	Abandon(ctx context.Context, key string) error
	// CleanupExpired removes records past their TTL, up to limit per call.
	CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// docID derives a stable document identifier from a scoped key. Keys are
// client-chosen free text, so they are hashed rather than used verbatim.
func docID(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// storableHeader copies a response header, dropping hop-by-hop and
// connection-level fields that must not be replayed verbatim.
func storableHeader(header http.Header) map[string][]string {
	if len(header) == 0 {
		return nil
	}
	kept := make(map[string][]string, len(header))
	for name, values := range header {
		if skipOnReplay(name) {
			continue
		}
		kept[http.CanonicalHeaderKey(name)] = append([]string(nil), values...)
	}
	if len(kept) == 0 {
		return nil
	}
	return kept
}

func skipOnReplay(name string) bool {
	switch strings.ToLower(name) {
	case "content-length", "date", "connection", "keep-alive",
		"proxy-authenticate", "proxy-authorization",
		"te", "trailers", "transfer-encoding", "upgrade":
		return true
	}
	return false
}
