package lumos

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/dgraph-io/ristretto/v2"
)

// SourceStore persists original source content, keyed by file path, so in place rewrites can be undone.
type SourceStore interface {
	Save(path string, src []byte) error
	// Load returns the saved content and true, or false if nothing is saved under the path.
	Load(path string) ([]byte, bool, error)
	Delete(path string) error
	// Paths returns every saved path in sorted order.
	Paths() ([]string, error)
	Clear() error
	Close() error
}

type memSourceStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewMemSourceStore returns an in-memory SourceStore.
func NewMemSourceStore() SourceStore {
	return &memSourceStore{data: make(map[string][]byte)}
}

func (m *memSourceStore) Save(path string, src []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[path] = append([]byte(nil), src...) // copy to avoid external mutation
	return nil
}

func (m *memSourceStore) Load(path string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	src, ok := m.data[path]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), src...), true, nil
}

func (m *memSourceStore) Delete(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, path)
	return nil
}

func (m *memSourceStore) Paths() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	paths := make([]string, 0, len(m.data))
	for k := range m.data {
		paths = append(paths, k)
	}
	sort.Strings(paths)
	return paths, nil
}

func (m *memSourceStore) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	clear(m.data)
	return nil
}

func (m *memSourceStore) Close() error {
	return nil // no resources to free
}

const badgerCompression = options.ZSTD

type badgerSourceStore struct {
	db      *badger.DB
	verbose bool
}

// NewBadgerSourceStore opens (or creates) a Badger backed SourceStore at the directory. The content survives
// Close so a later process can restore from it.
func NewBadgerSourceStore(dir string, verbose bool) (SourceStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create backup dir failed: %w", err)
	}

	opts := badger.DefaultOptions(dir).
		WithInMemory(false).
		WithCompression(badgerCompression).
		WithZSTDCompressionLevel(3).
		WithNumMemtables(1).
		WithMemTableSize(8 << 20).
		WithBaseTableSize(8 << 20).
		WithBlockCacheSize(4 << 20). // block cache is required when compression is enabled
		WithIndexCacheSize(4 << 20).
		WithValueLogFileSize(64 << 20)
	if !verbose {
		opts = opts.
			WithLoggingLevel(badger.ERROR).
			WithMetricsEnabled(false)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open backup db failed: %w", err)
	}
	return &badgerSourceStore{db: db, verbose: verbose}, nil
}

func (b *badgerSourceStore) Save(path string, src []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(path), src)
	})
}

func (b *badgerSourceStore) Load(path string) ([]byte, bool, error) {
	var src []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(path))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		src, err = item.ValueCopy(nil)
		if src == nil {
			src = []byte{} // distinguish an empty file from a missing key
		}
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return src, src != nil, nil
}

func (b *badgerSourceStore) Delete(path string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(path))
	})
}

func (b *badgerSourceStore) Paths() ([]string, error) {
	var paths []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			paths = append(paths, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	return paths, err // badger iterates in key order
}

func (b *badgerSourceStore) Clear() error {
	return b.db.DropAll()
}

func (b *badgerSourceStore) Close() error {
	if b.verbose {
		logMetrics := func(name string, metrics *ristretto.Metrics) {
			if metrics != nil && (metrics.Hits() != 0 || metrics.Misses() != 0) {
				log.Println("backup " + name + " cache: " + metrics.String())
			}
		}
		logMetrics("block", b.db.BlockCacheMetrics())
		logMetrics("index", b.db.IndexCacheMetrics())
	}
	return b.db.Close()
}
