package tts

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisKeyPrefix namespaces cache entries in a shared Redis.
const redisKeyPrefix = "hypnotify:tts:"

// RedisCache is the shared level, for setups where several players reuse
// one synthesis cache. Each value is a small frame: uvarint meta length,
// JSON metadata, then the raw audio. Expiry is left to Redis TTLs.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	hits   int64
	misses int64
}

// NewRedisCache wraps an existing client. A zero ttl falls back to the
// default cache TTL.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RedisCache{client: client, ttl: ttl}
}

// Get fetches and decodes a cached entry.
func (rc *RedisCache) Get(ctx context.Context, key string) (*Entry, error) {
	payload, err := rc.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if err != nil {
		atomic.AddInt64(&rc.misses, 1)
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, NewError(CodeCache, "reading shared cache").WithCause(err)
	}

	entry, err := decodeRedisEntry(payload)
	if err != nil {
		atomic.AddInt64(&rc.misses, 1)
		return nil, err
	}
	atomic.AddInt64(&rc.hits, 1)
	return entry, nil
}

// Put encodes and stores the entry with the level's TTL.
func (rc *RedisCache) Put(ctx context.Context, key string, entry *Entry) error {
	payload, err := encodeRedisEntry(entry)
	if err != nil {
		return err
	}
	if err := rc.client.Set(ctx, redisKeyPrefix+key, payload, rc.ttl).Err(); err != nil {
		return NewError(CodeCache, "writing shared cache").WithCause(err)
	}
	return nil
}

// Delete removes the key.
func (rc *RedisCache) Delete(ctx context.Context, key string) error {
	if err := rc.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		return NewError(CodeCache, "deleting shared cache entry").WithCause(err)
	}
	return nil
}

// Clear removes every namespaced key.
func (rc *RedisCache) Clear(ctx context.Context) error {
	iter := rc.client.Scan(ctx, 0, redisKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := rc.client.Del(ctx, iter.Val()).Err(); err != nil {
			return NewError(CodeCache, "clearing shared cache").WithCause(err)
		}
	}
	if err := iter.Err(); err != nil {
		return NewError(CodeCache, "scanning shared cache").WithCause(err)
	}
	return nil
}

// Stats returns local hit counters. Entry counts live server-side and are
// not tracked here.
func (rc *RedisCache) Stats() CacheStats {
	return CacheStats{
		Hits:   atomic.LoadInt64(&rc.hits),
		Misses: atomic.LoadInt64(&rc.misses),
	}
}

// Close releases the client connection.
func (rc *RedisCache) Close() error {
	return rc.client.Close()
}

func encodeRedisEntry(entry *Entry) ([]byte, error) {
	meta := *entry
	meta.Audio = nil
	metaJSON, err := json.Marshal(&meta)
	if err != nil {
		return nil, NewError(CodeCache, "encoding cache metadata").WithCause(err)
	}

	header := make([]byte, binary.MaxVarintLen32)
	n := binary.PutUvarint(header, uint64(len(metaJSON)))

	payload := make([]byte, 0, n+len(metaJSON)+len(entry.Audio))
	payload = append(payload, header[:n]...)
	payload = append(payload, metaJSON...)
	payload = append(payload, entry.Audio...)
	return payload, nil
}

func decodeRedisEntry(payload []byte) (*Entry, error) {
	metaLen, n := binary.Uvarint(payload)
	if n <= 0 || int(metaLen) > len(payload)-n {
		return nil, NewError(CodeCache, "malformed shared cache frame")
	}

	var entry Entry
	if err := json.Unmarshal(payload[n:n+int(metaLen)], &entry); err != nil {
		return nil, NewError(CodeCache, "decoding cache metadata").WithCause(err)
	}
	entry.Audio = payload[n+int(metaLen):]
	return &entry, nil
}
