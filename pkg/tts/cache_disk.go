package tts

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

const diskIndexFile = "index.json"

// diskMeta is one index record. The audio itself lives next to the index
// as a zstd-compressed blob named after the cache key.
type diskMeta struct {
	Entry
	File       string `json:"file"`
	Compressed int64  `json:"compressed"`
}

// DiskCache is the persistent level: zstd-compressed audio blobs plus a
// JSON index, bounded by total compressed bytes with oldest-first eviction.
type DiskCache struct {
	mu        sync.Mutex
	dir       string
	sizeLimit int64
	ttl       time.Duration
	index     map[string]*diskMeta
	bytes     int64
	hits      int64
	misses    int64

	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewDiskCache opens (or creates) a disk cache rooted at dir. Zero limits
// fall back to the defaults.
func NewDiskCache(dir string, sizeLimit int64, ttl time.Duration) (*DiskCache, error) {
	if sizeLimit <= 0 {
		sizeLimit = DefaultDiskCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, NewError(CodeCache, "creating cache directory").WithCause(err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, NewError(CodeCache, "initializing compressor").WithCause(err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, NewError(CodeCache, "initializing decompressor").WithCause(err)
	}

	dc := &DiskCache{
		dir:       dir,
		sizeLimit: sizeLimit,
		ttl:       ttl,
		index:     make(map[string]*diskMeta),
		enc:       enc,
		dec:       dec,
	}
	dc.loadIndex()
	return dc, nil
}

// Get reads and decompresses a cached blob.
func (dc *DiskCache) Get(_ context.Context, key string) (*Entry, error) {
	dc.mu.Lock()
	meta, ok := dc.index[key]
	if !ok || time.Since(meta.CreatedAt) > dc.ttl {
		if ok {
			dc.removeLocked(key)
		}
		dc.misses++
		dc.mu.Unlock()
		return nil, ErrCacheMiss
	}
	file := filepath.Join(dc.dir, meta.File)
	dc.mu.Unlock()

	compressed, err := os.ReadFile(file)
	if err != nil {
		dc.mu.Lock()
		dc.removeLocked(key)
		dc.misses++
		dc.mu.Unlock()
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrCacheMiss
		}
		return nil, NewError(CodeCache, "reading cached audio").WithCause(err)
	}
	audio, err := dc.dec.DecodeAll(compressed, nil)
	if err != nil {
		dc.mu.Lock()
		dc.removeLocked(key)
		dc.misses++
		dc.mu.Unlock()
		return nil, NewError(CodeCache, "decompressing cached audio").WithCause(err)
	}

	dc.mu.Lock()
	meta.Hits++
	dc.hits++
	out := meta.Entry
	dc.mu.Unlock()

	out.Audio = audio
	return &out, nil
}

// Put compresses and persists the entry, then evicts oldest entries until
// the level fits its byte limit.
func (dc *DiskCache) Put(_ context.Context, key string, entry *Entry) error {
	compressed := dc.enc.EncodeAll(entry.Audio, nil)
	file := key + ".zst"
	path := filepath.Join(dc.dir, file)

	if err := os.WriteFile(path, compressed, 0600); err != nil {
		return NewError(CodeCache, "writing cached audio").WithCause(err)
	}

	meta := &diskMeta{
		Entry:      *entry,
		File:       file,
		Compressed: int64(len(compressed)),
	}
	meta.Audio = nil
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now()
	}

	dc.mu.Lock()
	if old, ok := dc.index[key]; ok {
		dc.bytes -= old.Compressed
	}
	dc.index[key] = meta
	dc.bytes += meta.Compressed
	dc.evictLocked()
	err := dc.saveIndexLocked()
	dc.mu.Unlock()
	return err
}

// Delete removes the blob and its index record.
func (dc *DiskCache) Delete(_ context.Context, key string) error {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	if _, ok := dc.index[key]; !ok {
		return nil
	}
	dc.removeLocked(key)
	return dc.saveIndexLocked()
}

// Clear removes every blob and resets the index.
func (dc *DiskCache) Clear(_ context.Context) error {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	for key := range dc.index {
		dc.removeLocked(key)
	}
	return dc.saveIndexLocked()
}

// Stats returns the level's counters. Bytes counts compressed size on disk.
func (dc *DiskCache) Stats() CacheStats {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return CacheStats{
		Entries: len(dc.index),
		Bytes:   dc.bytes,
		Hits:    dc.hits,
		Misses:  dc.misses,
	}
}

// Close persists the index and releases the compressor.
func (dc *DiskCache) Close() error {
	dc.mu.Lock()
	err := dc.saveIndexLocked()
	dc.mu.Unlock()

	dc.enc.Close()
	dc.dec.Close()
	return err
}

// evictLocked drops oldest entries until under the byte limit. Caller holds
// the lock.
func (dc *DiskCache) evictLocked() {
	for dc.bytes > dc.sizeLimit && len(dc.index) > 0 {
		var oldestKey string
		var oldestTime time.Time
		for key, meta := range dc.index {
			if oldestKey == "" || meta.CreatedAt.Before(oldestTime) {
				oldestKey = key
				oldestTime = meta.CreatedAt
			}
		}
		dc.removeLocked(oldestKey)
	}
}

// removeLocked deletes one entry's blob and index record. Caller holds the
// lock.
func (dc *DiskCache) removeLocked(key string) {
	meta, ok := dc.index[key]
	if !ok {
		return
	}
	_ = os.Remove(filepath.Join(dc.dir, meta.File))
	delete(dc.index, key)
	dc.bytes -= meta.Compressed
}

// loadIndex restores the index; a missing or corrupt index starts fresh.
func (dc *DiskCache) loadIndex() {
	data, err := os.ReadFile(filepath.Join(dc.dir, diskIndexFile))
	if err != nil {
		return
	}
	if err := json.Unmarshal(data, &dc.index); err != nil {
		dc.index = make(map[string]*diskMeta)
		return
	}
	for _, meta := range dc.index {
		dc.bytes += meta.Compressed
	}
}

// saveIndexLocked persists the index. Caller holds the lock.
func (dc *DiskCache) saveIndexLocked() error {
	data, err := json.MarshalIndent(dc.index, "", "  ")
	if err != nil {
		return NewError(CodeCache, "encoding cache index").WithCause(err)
	}
	path := filepath.Join(dc.dir, diskIndexFile)
	if err := os.WriteFile(path, data, 0600); err != nil {
		return NewError(CodeCache, "writing cache index").WithCause(err)
	}
	return nil
}
