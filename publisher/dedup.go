package publisher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper suppresses re-publication of near-identical events inside a
// bounded window.
type Deduper interface {
	// Add records the fingerprint and returns true when it was newly seen.
	Add(ctx context.Context, fingerprint string) (bool, error)
}

// RedisDeduper stores event fingerprints in Redis with a TTL so every
// instance sharing the broker suppresses the same duplicates. Entries expire
// on their own once the window elapses.
type RedisDeduper struct {
	client *redis.Client
	window time.Duration
}

// NewRedisDeduper creates a deduper with the given deduplication window.
func NewRedisDeduper(client *redis.Client, window time.Duration) *RedisDeduper {
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &RedisDeduper{client: client, window: window}
}

// Add records the fingerprint if it does not already exist. It returns true
// when the fingerprint was newly added.
func (r *RedisDeduper) Add(ctx context.Context, fingerprint string) (bool, error) {
	return r.client.SetNX(ctx, "dedup:"+fingerprint, 1, r.window).Result()
}

// fingerprint computes a deterministic hash over the identity-bearing parts
// of a publish spec. Two specs with equal fingerprints are considered the
// same event for deduplication purposes.
func fingerprint(spec EventSpec) string {
	h := sha256.New()
	h.Write([]byte(spec.Type))
	h.Write([]byte{0})
	h.Write([]byte(spec.Source))
	h.Write([]byte{0})
	h.Write([]byte(spec.OrganizationID))
	h.Write([]byte{0})
	h.Write(spec.Data)
	h.Write([]byte{0})
	h.Write([]byte(spec.CorrelationID))
	return hex.EncodeToString(h.Sum(nil))
}
