// Package profile provides batched, memoized lookup of sender display
// metadata. The messaging core only reads profiles; the external profile
// store remains the source of truth and is refreshed lazily.
package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Summary is the cached projection used to render message authorship.
type Summary struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarRef   string `json:"avatar_ref"`
}

// Fetcher retrieves profile summaries from the backing store, batched by id.
// Ids with no profile are simply absent from the result map.
type Fetcher interface {
	FetchProfiles(ctx context.Context, ids []string) (map[string]Summary, error)
}

// DefaultTTL is how long a cached summary stays fresh.
const DefaultTTL = 5 * time.Minute

// redisKeyPrefix namespaces second-level cache entries.
const redisKeyPrefix = "profile:"

type entry struct {
	summary Summary
	expires time.Time
}

// Cache memoizes profile summaries in process with an optional Redis second
// level shared across server instances. Missing ids are fetched in one
// batched call per Get; concurrent requests for the same id share a single
// in-flight fetch.
type Cache struct {
	fetcher Fetcher
	rdb     *redis.Client // optional; nil disables the second level
	ttl     time.Duration

	mu       sync.Mutex
	entries  map[string]entry
	inflight map[string]chan struct{}
}

// NewCache creates a cache over fetcher. rdb may be nil to run without the
// shared second level.
func NewCache(fetcher Fetcher, rdb *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		fetcher:  fetcher,
		rdb:      rdb,
		ttl:      ttl,
		entries:  make(map[string]entry),
		inflight: make(map[string]chan struct{}),
	}
}

// Get returns summaries for the requested ids. Fresh entries come from
// memory; the rest are looked up in Redis and finally fetched from the
// backing store in a single batched call. Ids that don't resolve are absent
// from the result, not an error.
func (c *Cache) Get(ctx context.Context, ids []string) (map[string]Summary, error) {
	result := make(map[string]Summary, len(ids))

	misses, wait := c.collectMisses(ids, result)

	// Wait for fetches other goroutines already have in flight, then re-read.
	for _, ch := range wait {
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if len(wait) > 0 {
		var still []string
		c.mu.Lock()
		now := time.Now()
		for _, id := range ids {
			if _, ok := result[id]; ok {
				continue
			}
			if e, ok := c.entries[id]; ok && now.Before(e.expires) {
				result[id] = e.summary
			} else if !contains(misses, id) {
				still = append(still, id)
			}
		}
		c.mu.Unlock()
		misses = append(misses, still...)
	}

	if len(misses) == 0 {
		return result, nil
	}

	fetched, err := c.fetchBatch(ctx, misses)
	if err != nil {
		return nil, err
	}
	for id, s := range fetched {
		result[id] = s
	}
	return result, nil
}

// GetOne is a convenience wrapper for single-id lookups.
func (c *Cache) GetOne(ctx context.Context, id string) (Summary, bool, error) {
	res, err := c.Get(ctx, []string{id})
	if err != nil {
		return Summary{}, false, err
	}
	s, ok := res[id]
	return s, ok, nil
}

// collectMisses fills result with fresh memoized entries and splits the rest
// into ids this call will fetch (claimed via the inflight map) and channels
// to wait on for ids another call is already fetching.
func (c *Cache) collectMisses(ids []string, result map[string]Summary) (misses []string, wait []chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for _, id := range ids {
		if _, ok := result[id]; ok {
			continue
		}
		if e, ok := c.entries[id]; ok && now.Before(e.expires) {
			result[id] = e.summary
			continue
		}
		if ch, ok := c.inflight[id]; ok {
			wait = append(wait, ch)
			continue
		}
		if !contains(misses, id) {
			c.inflight[id] = make(chan struct{})
			misses = append(misses, id)
		}
	}
	return misses, wait
}

// fetchBatch resolves ids through Redis then the backing store, memoizes the
// results, and releases the in-flight claims.
func (c *Cache) fetchBatch(ctx context.Context, ids []string) (map[string]Summary, error) {
	defer func() {
		c.mu.Lock()
		for _, id := range ids {
			if ch, ok := c.inflight[id]; ok {
				close(ch)
				delete(c.inflight, id)
			}
		}
		c.mu.Unlock()
	}()

	found := c.readRedis(ctx, ids)

	var remaining []string
	for _, id := range ids {
		if _, ok := found[id]; !ok {
			remaining = append(remaining, id)
		}
	}

	if len(remaining) > 0 {
		fetched, err := c.fetcher.FetchProfiles(ctx, remaining)
		if err != nil {
			return nil, fmt.Errorf("profile: batched fetch: %w", err)
		}
		c.writeRedis(ctx, fetched)
		for id, s := range fetched {
			found[id] = s
		}
	}

	c.mu.Lock()
	expires := time.Now().Add(c.ttl)
	for id, s := range found {
		c.entries[id] = entry{summary: s, expires: expires}
	}
	c.mu.Unlock()

	return found, nil
}

// readRedis pulls whatever the second level has for ids. Redis errors are
// logged and treated as misses.
func (c *Cache) readRedis(ctx context.Context, ids []string) map[string]Summary {
	found := make(map[string]Summary)
	if c.rdb == nil {
		return found
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = redisKeyPrefix + id
	}
	vals, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		log.Printf("[profile] redis mget: %v", err)
		return found
	}
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var s Summary
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			continue
		}
		found[ids[i]] = s
	}
	return found
}

func (c *Cache) writeRedis(ctx context.Context, summaries map[string]Summary) {
	if c.rdb == nil || len(summaries) == 0 {
		return
	}
	pipe := c.rdb.Pipeline()
	for id, s := range summaries {
		data, err := json.Marshal(s)
		if err != nil {
			continue
		}
		pipe.Set(ctx, redisKeyPrefix+id, data, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[profile] redis pipeline: %v", err)
	}
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
