package logcall

import (
	"fmt"
	"sync/atomic"

	"github.com/dgraph-io/ristretto/v2"
)

// TransformCache remembers rewrite results by path and content, so unchanged files are not parsed or synthesized
// again. Entries are held compressed in memory and in the backing Storage.
type TransformCache struct {
	store       Storage
	hot         *ristretto.Cache[string, []byte]
	codec       compressor
	fingerprint []byte
	hits        atomic.Int64
	misses      atomic.Int64
}

// NewTransformCache creates a cache over store. fingerprint must change whenever generated code would change for
// the same input.
func NewTransformCache(store Storage, compression string, memMB int, fingerprint []byte) (*TransformCache, error) {
	codec, err := compressorFor(compression)
	if err != nil {
		return nil, err
	}
	hot, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: 100_000,
		MaxCost:     int64(max(memMB, 1)) << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("cache init failed: %w", err)
	}
	return &TransformCache{store: store, hot: hot, codec: codec, fingerprint: fingerprint}, nil
}

func (c *TransformCache) key(path string, src []byte) string {
	return contentKey([]byte(path), src, c.fingerprint)
}

// Lookup returns the cached result for path with content src.
func (c *TransformCache) Lookup(path string, src []byte) (*FileResult, bool, error) {
	key := c.key(path, src)
	blob, ok := c.hot.Get(key)
	if !ok {
		var err error
		if blob, ok, err = c.store.LoadState(key); err != nil {
			return nil, false, fmt.Errorf("cache load failure %s: %w", path, err)
		} else if !ok {
			c.misses.Add(1)
			return nil, false, nil
		}
		c.hot.Set(key, blob, int64(len(blob)))
	}

	var entry cacheEntry
	if err := entry.UnmarshalMsgpack(blob); err != nil {
		return nil, false, fmt.Errorf("cache decode failure %s: %w", path, err)
	}
	result := &FileResult{
		Path:    path,
		Package: entry.Package,
		Records: entry.Records,
		Skipped: entry.Skipped,
		Source:  src,
	}
	if len(entry.Rewritten) > 0 {
		rewritten, err := c.codec.decompress(nil, entry.Rewritten)
		if err != nil {
			return nil, false, fmt.Errorf("cache decompress failure %s: %w", path, err)
		}
		result.Rewritten = rewritten
	}
	c.hits.Add(1)
	return result, true, nil
}

// Store saves a successful result. Results holding debug output are never cached since they must be shown on each
// run.
func (c *TransformCache) Store(result *FileResult) error {
	if len(result.Inspects) > 0 {
		return nil
	}
	entry := cacheEntry{
		Package: result.Package,
		Records: result.Records,
		Skipped: result.Skipped,
	}
	if result.Rewritten != nil {
		entry.Rewritten = c.codec.compress(nil, result.Rewritten)
	}
	blob, err := entry.MarshalMsgpack()
	if err != nil {
		return fmt.Errorf("cache encode failure %s: %w", result.Path, err)
	}
	key := c.key(result.Path, result.Source)
	if err := c.store.SaveState(key, blob); err != nil {
		return fmt.Errorf("cache save failure %s: %w", result.Path, err)
	}
	c.hot.Set(key, blob, int64(len(blob)))
	return nil
}

// Stats returns the lookup hit and miss counts.
func (c *TransformCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Clear drops every cached entry.
func (c *TransformCache) Clear() error {
	c.hot.Clear()
	return c.store.Clear()
}

// Close releases the in memory cache and closes the backing storage.
func (c *TransformCache) Close() {
	c.hot.Close()
	c.store.Close()
}
