package x402

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// DefaultSettlementTTL is how long a successful settlement receipt is replayed
// for a retried payload. Roughly one Stacks block.
const DefaultSettlementTTL = 10 * time.Minute

// SettlementCache makes settle idempotent: a client that retries after a
// timeout gets the original receipt instead of a second broadcast, and
// concurrent duplicates wait for the first attempt.
type SettlementCache struct {
	mu       sync.Mutex
	results  map[string]*SettleResponse
	expiry   map[string]time.Time
	inFlight map[string]chan struct{}
	ttl      time.Duration
	now      func() time.Time
}

// NewSettlementCache creates a new settlement cache with the specified TTL.
func NewSettlementCache(ttl time.Duration) *SettlementCache {
	if ttl <= 0 {
		ttl = DefaultSettlementTTL
	}
	return &SettlementCache{
		results:  make(map[string]*SettleResponse),
		expiry:   make(map[string]time.Time),
		inFlight: make(map[string]chan struct{}),
		ttl:      ttl,
		now:      time.Now,
	}
}

// GenerateSettlementKey hashes the payload bytes. The payload embeds the
// signed transaction, so the key is unique per payment attempt.
func GenerateSettlementKey(payloadBytes []byte) string {
	hash := sha256.Sum256(payloadBytes)
	return hex.EncodeToString(hash[:])
}

// SettlementStatus represents the result of checking the cache.
type SettlementStatus int

const (
	// StatusNotFound means no cached result and no in-flight request.
	StatusNotFound SettlementStatus = iota
	// StatusCached means a cached result was found.
	StatusCached
	// StatusInFlight means another request is currently processing this settlement.
	StatusInFlight
)

// CheckAndMark atomically checks the cache and marks the key as in-flight if needed.
// Returns:
// - StatusCached + result if a cached result exists
// - StatusInFlight + wait channel if another request is processing
// - StatusNotFound + done channel if this request should proceed (now marked in-flight)
func (c *SettlementCache) CheckAndMark(key string) (SettlementStatus, *SettleResponse, chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if result := c.getLocked(key); result != nil {
		return StatusCached, result, nil
	}

	if done, exists := c.inFlight[key]; exists {
		return StatusInFlight, nil, done
	}

	done := make(chan struct{})
	c.inFlight[key] = done
	return StatusNotFound, nil, done
}

// WaitForResult waits for an in-flight request to complete, respecting context cancellation.
// Returns nil when the in-flight request failed.
func (c *SettlementCache) WaitForResult(ctx context.Context, key string, done chan struct{}) (*SettleResponse, error) {
	select {
	case <-done:
		return c.Get(key), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Get retrieves a cached settlement response if it exists and hasn't expired.
func (c *SettlementCache) Get(key string) *SettleResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(key)
}

// Complete caches the response and releases waiters.
func (c *SettlementCache) Complete(key string, response *SettleResponse, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.results[key] = response
	c.expiry[key] = c.now().Add(c.ttl)
	delete(c.inFlight, key)
	close(done)

	c.cleanupExpiredLocked()
}

// Fail removes the in-flight marker without caching a result,
// allowing the settlement to be retried.
func (c *SettlementCache) Fail(key string, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.inFlight, key)
	close(done)
}

// Len returns the number of cached receipts, expired ones included until the next cleanup.
func (c *SettlementCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.results)
}

func (c *SettlementCache) getLocked(key string) *SettleResponse {
	expiry, exists := c.expiry[key]
	if !exists {
		return nil
	}
	if !c.now().Before(expiry) {
		delete(c.results, key)
		delete(c.expiry, key)
		return nil
	}
	return c.results[key]
}

// cleanupExpiredLocked removes expired entries. Must be called with lock held.
func (c *SettlementCache) cleanupExpiredLocked() {
	now := c.now()
	for key, expiry := range c.expiry {
		if !now.Before(expiry) {
			delete(c.results, key)
			delete(c.expiry, key)
		}
	}
}
