package logcall

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/dgraph-io/ristretto/v2"
	"go.uber.org/zap"
)

// Storage defines persistence methods for cached rewrite results.
type Storage interface {
	SaveState(key string, blob []byte) error
	LoadState(key string) ([]byte, bool, error)
	DeleteState(key string) error
	// ListKeysPrefix returns all keys in the store that begin with the given prefix.
	ListKeysPrefix(prefix string) ([]string, error)
	// ListKeys returns all keys in the store.
	ListKeys() ([]string, error)
	Clear() error
	Close()
}

// KeyPrefixStorage wraps another Storage, prepending a fixed prefix to all keys.
// Its ListKeys and ListKeysPrefix methods strip the prefix before returning.
func KeyPrefixStorage(s Storage, prefix string) Storage {
	if prefix == "" {
		return s
	}
	return &prefixStorage{
		store:  s,
		prefix: prefix + ";",
	}
}

type prefixStorage struct {
	store  Storage
	prefix string
}

func (p *prefixStorage) SaveState(key string, blob []byte) error {
	return p.store.SaveState(p.prefix+key, blob)
}

func (p *prefixStorage) LoadState(key string) ([]byte, bool, error) {
	return p.store.LoadState(p.prefix + key)
}

func (p *prefixStorage) DeleteState(key string) error {
	return p.store.DeleteState(p.prefix + key)
}

func (p *prefixStorage) ListKeysPrefix(prefix string) ([]string, error) {
	underlying, err := p.store.ListKeysPrefix(p.prefix + prefix)
	if err != nil {
		return nil, err
	}
	stripped := make([]string, len(underlying))
	for i, k := range underlying {
		stripped[i] = strings.TrimPrefix(k, p.prefix)
	}
	return stripped, nil
}

func (p *prefixStorage) ListKeys() ([]string, error) {
	return p.ListKeysPrefix("")
}

func (p *prefixStorage) Clear() error {
	keys, err := p.ListKeys()
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := p.DeleteState(key); err != nil {
			return err
		}
	}
	return nil
}

func (p *prefixStorage) Close() {
	p.store.Close()
}

type memStorage struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewMemStorage returns an in-memory Storage implementation.
func NewMemStorage() Storage {
	return &memStorage{data: make(map[string][]byte)}
}

func (m *memStorage) SaveState(key string, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = append([]byte(nil), blob...) // copy the blob to avoid external mutation
	return nil
}

func (m *memStorage) LoadState(key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	blob, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), blob...), true, nil
}

func (m *memStorage) DeleteState(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)
	return nil
}

func (m *memStorage) ListKeysPrefix(prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (m *memStorage) ListKeys() ([]string, error) {
	return m.ListKeysPrefix("")
}

func (m *memStorage) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	clear(m.data)
	return nil
}

func (m *memStorage) Close() {
	// no resources to free
}

type badgerStorage struct {
	db     *badger.DB
	logger *zap.Logger
	done   chan struct{}
}

// NewBadgerStorage opens a Badger backed Storage persisted at path. Entries are compressed by the cache before they
// are saved, so the database itself does not compress. When the logger has debug enabled, cache metrics are logged
// periodically.
func NewBadgerStorage(path string, maxMemMB int, logger *zap.Logger) (Storage, error) {
	// ensure directory exists
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("create storage dir failed: %w", err)
	} else if logger == nil {
		logger = zap.NewNop()
	}

	clamp := func(val, lo, high int64) int64 {
		return min(max(val, lo), high)
	}
	memTableSize := clamp(int64(maxMemMB/4), 8, 64) << 20
	debug := logger.Core().Enabled(zap.DebugLevel)
	// TotalRAM ≃ (NumMemtables × MemTableSize) + IndexCacheSize
	opts := badger.DefaultOptions(path).
		WithInMemory(false).
		WithCompression(options.None).
		WithNumMemtables(2).
		WithMemTableSize(memTableSize).
		WithBaseTableSize(memTableSize). // equal to mem table size gives one SST per flush, fewest compaction jobs
		WithBlockCacheSize(0).           // block cache only serves compressed or encrypted tables
		WithIndexCacheSize(clamp(int64(maxMemMB/4), 16, 128) << 20).
		WithValueLogFileSize(64 << 20).
		WithMetricsEnabled(debug).
		WithLogger(badgerLogger{logger.Sugar().Named("badger")})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open storage db failed: %w", err)
	}
	b := &badgerStorage{db: db, logger: logger, done: make(chan struct{})}
	if debug {
		go b.logMetrics(time.Minute)
	}
	return b, nil
}

// badgerLogger routes database logs to zap, demoting badger info messages to debug.
type badgerLogger struct {
	*zap.SugaredLogger
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.Warnf(format, args...)
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.Debugf(format, args...)
}

func (b *badgerStorage) logMetrics(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	logMetrics := func(name string, metrics *ristretto.Metrics) {
		if metrics != nil && (metrics.Hits() != 0 || metrics.Misses() != 0) {
			b.logger.Debug("storage cache metrics", zap.String("cache", name), zap.String("metrics", metrics.String()))
			metrics.Clear()
		}
	}
	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			logMetrics("block", b.db.BlockCacheMetrics())
			logMetrics("index", b.db.IndexCacheMetrics())
		}
	}
}

func (b *badgerStorage) SaveState(key string, blob []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), blob)
	})
}

func (b *badgerStorage) LoadState(key string) ([]byte, bool, error) {
	var blob []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		blob, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	return blob, true, nil
}

func (b *badgerStorage) DeleteState(key string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

func (b *badgerStorage) ListKeysPrefix(prefix string) ([]string, error) {
	var keys []string
	err := b.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.PrefetchValues = false
		it := txn.NewIterator(iterOpts)
		defer it.Close()
		for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
			keys = append(keys, string(it.Item().Key()))
		}
		return nil
	})
	return keys, err
}

func (b *badgerStorage) ListKeys() ([]string, error) {
	return b.ListKeysPrefix("")
}

func (b *badgerStorage) Clear() error {
	return b.db.DropAll()
}

// Close reclaims value log space and closes the database. The stored data is kept for the next run.
func (b *badgerStorage) Close() {
	close(b.done)
	for b.db.RunValueLogGC(0.5) == nil {
		// repeat until nothing is left to rewrite
	}
	if err := b.db.Close(); err != nil {
		b.logger.Warn("storage close failure", zap.Error(err))
	}
}
