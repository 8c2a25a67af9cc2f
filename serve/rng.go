package serve

import (
	"hash/fnv"
	"math/rand"
)

// === EngineKey ===

// EngineKey seeds every per-request sampling stream. Two engines with the
// same EngineKey and identical request admission order MUST sample
// bit-for-bit identical draft tokens.
type EngineKey int64

// NewEngineKey creates an EngineKey from a seed value.
func NewEngineKey(seed int64) EngineKey {
	return EngineKey(seed)
}

// === RequestStreams ===

// RequestStreams hands out deterministic, isolated RNG streams per
// request.
//
// Derivation formula: masterSeed XOR fnv1a64(requestID).
//
// Streams are request-owned so that the ordering of requests within a
// batch never perturbs any other request's random sequence across steps.
//
// Thread-safety: NOT thread-safe. Must be called from the single
// scheduling goroutine.
type RequestStreams struct {
	key     EngineKey
	streams map[string]*rand.Rand
}

// NewRequestStreams creates a RequestStreams from an EngineKey.
func NewRequestStreams(key EngineKey) *RequestStreams {
	return &RequestStreams{
		key:     key,
		streams: make(map[string]*rand.Rand),
	}
}

// ForRequest returns the deterministically-seeded stream for a request.
// The same request ID always returns the same *rand.Rand instance
// (cached). Never returns nil.
func (rs *RequestStreams) ForRequest(id string) *rand.Rand {
	if rng, ok := rs.streams[id]; ok {
		return rng
	}
	rng := rand.New(rand.NewSource(int64(rs.key) ^ fnv1a64(id)))
	rs.streams[id] = rng
	return rng
}

// Release drops the cached stream for a request that left the engine.
func (rs *RequestStreams) Release(id string) {
	delete(rs.streams, id)
}

// Key returns the EngineKey used to create this RequestStreams.
func (rs *RequestStreams) Key() EngineKey {
	return rs.key
}

// fnv1a64 computes a 64-bit FNV-1a hash of the input string.
func fnv1a64(s string) int64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return int64(h.Sum64())
}
