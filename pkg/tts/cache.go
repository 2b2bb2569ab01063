package tts

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// Cache key and sizing defaults.
const (
	// CacheKeyVersion prefixes every key so a format change invalidates old
	// entries instead of misreading them.
	CacheKeyVersion = "v1"
	// DefaultMemoryCacheSize bounds the in-memory level (32MB).
	DefaultMemoryCacheSize = 32 * 1024 * 1024
	// DefaultDiskCacheSize bounds the on-disk level (512MB).
	DefaultDiskCacheSize = 512 * 1024 * 1024
	// DefaultCacheTTL is how long synthesized audio stays valid.
	DefaultCacheTTL = 7 * 24 * time.Hour
)

// ErrCacheMiss reports that a key has no live entry. A miss is the normal
// path for first-time synthesis, not a failure.
var ErrCacheMiss = errors.New("cache entry not found")

// Entry is one cached synthesis result.
type Entry struct {
	Audio     []byte    `json:"-"`
	Text      string    `json:"text"`
	Engine    string    `json:"engine"`
	VoiceID   string    `json:"voice"`
	Rate      float64   `json:"rate"`
	CreatedAt time.Time `json:"created_at"`
	Hits      int64     `json:"hits"`
}

// Cache is one storage level for synthesized audio. Implementations return
// ErrCacheMiss for absent or expired keys and typed CodeCache errors for
// real failures; callers treat both as non-fatal.
type Cache interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Put(ctx context.Context, key string, entry *Entry) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Stats() CacheStats
	Close() error
}

// CacheStats describes one cache level.
type CacheStats struct {
	Entries int
	Bytes   int64
	Hits    int64
	Misses  int64
}

// CacheKey derives a deterministic key from everything that shapes the
// audio: engine, voice, language, prosody, output format, and the text
// itself.
func CacheKey(engine string, cfg PlaybackConfig, text string) string {
	input := fmt.Sprintf("%s|%s|%s|%.2f|%.2f|%s|%d|%s",
		engine, cfg.VoiceID, cfg.Language, cfg.Rate, cfg.Pitch,
		cfg.Format.Codec, cfg.Format.SampleRate, text)
	sum := sha256.Sum256([]byte(input))
	return CacheKeyVersion + "_" + hex.EncodeToString(sum[:])
}

// TieredCache layers cache levels from fastest to slowest. Gets fall
// through the levels and promote hits upward; Puts write through every
// level. Level failures are logged and swallowed so caching can never sink
// a session.
type TieredCache struct {
	levels []Cache
}

// NewTieredCache builds a layered cache. Nil levels are skipped, so callers
// can hand in only the levels their configuration enables.
func NewTieredCache(levels ...Cache) *TieredCache {
	tc := &TieredCache{}
	for _, l := range levels {
		if l != nil {
			tc.levels = append(tc.levels, l)
		}
	}
	return tc
}

// Get returns the first hit across levels, copying it into the faster
// levels that missed.
func (tc *TieredCache) Get(ctx context.Context, key string) (*Entry, error) {
	for i, level := range tc.levels {
		entry, err := level.Get(ctx, key)
		if err != nil {
			if !errors.Is(err, ErrCacheMiss) {
				log.Warn("cache level failed, skipping", "level", i, "err", err)
			}
			continue
		}
		for j := 0; j < i; j++ {
			if perr := tc.levels[j].Put(ctx, key, entry); perr != nil {
				log.Debug("cache promotion failed", "level", j, "err", perr)
			}
		}
		return entry, nil
	}
	return nil, ErrCacheMiss
}

// Put writes the entry through every level.
func (tc *TieredCache) Put(ctx context.Context, key string, entry *Entry) error {
	for i, level := range tc.levels {
		if err := level.Put(ctx, key, entry); err != nil {
			log.Warn("cache write failed", "level", i, "err", err)
		}
	}
	return nil
}

// Delete removes the key from every level.
func (tc *TieredCache) Delete(ctx context.Context, key string) error {
	for _, level := range tc.levels {
		if err := level.Delete(ctx, key); err != nil {
			log.Debug("cache delete failed", "err", err)
		}
	}
	return nil
}

// Clear empties every level.
func (tc *TieredCache) Clear(ctx context.Context) error {
	for _, level := range tc.levels {
		if err := level.Clear(ctx); err != nil {
			log.Warn("cache clear failed", "err", err)
		}
	}
	return nil
}

// Stats sums the per-level statistics.
func (tc *TieredCache) Stats() CacheStats {
	var total CacheStats
	for _, level := range tc.levels {
		s := level.Stats()
		total.Entries += s.Entries
		total.Bytes += s.Bytes
		total.Hits += s.Hits
		total.Misses += s.Misses
	}
	return total
}

// Close closes every level.
func (tc *TieredCache) Close() error {
	var firstErr error
	for _, level := range tc.levels {
		if err := level.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// MemoryCache is the in-process level: LRU over total audio bytes with a
// per-entry TTL.
type MemoryCache struct {
	mu        sync.Mutex
	items     map[string]*list.Element
	lru       *list.List
	bytes     int64
	sizeLimit int64
	ttl       time.Duration
	hits      int64
	misses    int64
}

type memoryEntry struct {
	key      string
	entry    *Entry
	size     int64
	storedAt time.Time
}

// NewMemoryCache creates a byte-bounded LRU cache. Zero limits fall back to
// the defaults.
func NewMemoryCache(sizeLimit int64, ttl time.Duration) *MemoryCache {
	if sizeLimit <= 0 {
		sizeLimit = DefaultMemoryCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &MemoryCache{
		items:     make(map[string]*list.Element),
		lru:       list.New(),
		sizeLimit: sizeLimit,
		ttl:       ttl,
	}
}

// Get returns a copy of the cached entry, refreshing its LRU position.
func (mc *MemoryCache) Get(_ context.Context, key string) (*Entry, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	elem, ok := mc.items[key]
	if !ok {
		mc.misses++
		return nil, ErrCacheMiss
	}
	me := elem.Value.(*memoryEntry)
	if time.Since(me.storedAt) > mc.ttl {
		mc.removeLocked(elem)
		mc.misses++
		return nil, ErrCacheMiss
	}

	mc.lru.MoveToFront(elem)
	mc.hits++
	me.entry.Hits++

	out := *me.entry
	out.Audio = make([]byte, len(me.entry.Audio))
	copy(out.Audio, me.entry.Audio)
	return &out, nil
}

// Put stores the entry, evicting from the cold end until it fits.
func (mc *MemoryCache) Put(_ context.Context, key string, entry *Entry) error {
	size := int64(len(entry.Audio)) + int64(len(entry.Text)) + 128

	mc.mu.Lock()
	defer mc.mu.Unlock()

	if elem, ok := mc.items[key]; ok {
		mc.removeLocked(elem)
	}
	for mc.bytes+size > mc.sizeLimit && mc.lru.Len() > 0 {
		mc.removeLocked(mc.lru.Back())
	}
	if size > mc.sizeLimit {
		// Oversized entries would evict everything and still not fit.
		return nil
	}

	elem := mc.lru.PushFront(&memoryEntry{
		key:      key,
		entry:    entry,
		size:     size,
		storedAt: time.Now(),
	})
	mc.items[key] = elem
	mc.bytes += size
	return nil
}

// Delete removes the key if present.
func (mc *MemoryCache) Delete(_ context.Context, key string) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if elem, ok := mc.items[key]; ok {
		mc.removeLocked(elem)
	}
	return nil
}

// Clear drops every entry.
func (mc *MemoryCache) Clear(_ context.Context) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.items = make(map[string]*list.Element)
	mc.lru.Init()
	mc.bytes = 0
	return nil
}

// Stats returns the level's counters.
func (mc *MemoryCache) Stats() CacheStats {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return CacheStats{
		Entries: len(mc.items),
		Bytes:   mc.bytes,
		Hits:    mc.hits,
		Misses:  mc.misses,
	}
}

// Close drops every entry.
func (mc *MemoryCache) Close() error {
	return mc.Clear(context.Background())
}

// removeLocked unlinks an element. Caller holds the lock.
func (mc *MemoryCache) removeLocked(elem *list.Element) {
	me := elem.Value.(*memoryEntry)
	delete(mc.items, me.key)
	mc.lru.Remove(elem)
	mc.bytes -= me.size
}
