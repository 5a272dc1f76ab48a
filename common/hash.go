package common

import (
	"crypto/sha256"
	"encoding/hex"
	"hash/fnv"
)

// SHA256Hex returns the full hex-encoded SHA-256 digest of s.
func SHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// SHA256HexPrefix returns the first n hex characters of the SHA-256 digest.
// Used for article IDs (16 hex) and config hashes (16 hex).
func SHA256HexPrefix(s string, n int) string {
	h := SHA256Hex(s)
	if n > len(h) {
		n = len(h)
	}
	return h[:n]
}

// AdvisoryLockID maps a lock key to a stable 32-bit-signed identifier for
// Postgres advisory locks. The truncation to int32 is deliberate: Postgres
// advisory locks accept a pair of int32 keys and replicas must compute the
// same value for the same key.
func AdvisoryLockID(key string) int32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int32(h.Sum32())
}

// StableBucket hashes (id, key) into [0, buckets). Used for deterministic
// A/B variant selection: the same id always lands in the same bucket.
func StableBucket(id, key string, buckets uint32) uint32 {
	if buckets == 0 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(id))
	h.Write([]byte{0})
	h.Write([]byte(key))
	return h.Sum32() % buckets
}
