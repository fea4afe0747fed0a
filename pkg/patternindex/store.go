package patternindex

import (
	"context"
	"errors"
	"iter"
	"log"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
)

const stagingKeyPrefix = "patternindex/staged/"

// StagingStore durably persists accepted-but-unflushed records, keyed
// by record id, so they survive a crash between Index and Flush.
// Records live under a single flat namespace — patternindex never
// needs the hierarchical paths a general key-value store supports.
type StagingStore interface {
	// Put durably stores the msgpack-encoded payload for id, overwriting
	// any existing entry.
	Put(ctx context.Context, id string, payload []byte) error

	// Delete removes id. Deleting a missing id is not an error.
	Delete(ctx context.Context, id string) error

	// List iterates every currently staged record in unspecified order.
	List(ctx context.Context) iter.Seq2[StagedEntry, error]

	// Close releases any resources held by the store.
	Close() error
}

// StagedEntry is one record yielded by StagingStore.List.
type StagedEntry struct {
	ID      string
	Payload []byte
}

// BadgerStaging is a StagingStore backed by BadgerDB v4, for durability
// across process restarts.
type BadgerStaging struct {
	db *badger.DB
}

// BadgerStagingOptions configures a BadgerStaging store.
type BadgerStagingOptions struct {
	// Dir is the directory for BadgerDB data files. Required unless
	// InMemory is set.
	Dir string

	// InMemory runs BadgerDB in memory-only mode (no disk persistence).
	// Useful for tests that want real Badger semantics without a temp dir.
	InMemory bool

	// Logger sets the badger logger. If nil, a logger that suppresses
	// debug/info output is used.
	Logger badger.Logger
}

// NewBadgerStaging opens (or creates) a BadgerDB-backed StagingStore.
func NewBadgerStaging(opts BadgerStagingOptions) (*BadgerStaging, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("patternindex: BadgerStagingOptions.Dir is required for on-disk mode")
	}
	dbOpts := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		dbOpts = dbOpts.WithInMemory(true)
	}
	if opts.Logger != nil {
		dbOpts = dbOpts.WithLogger(opts.Logger)
	} else {
		dbOpts = dbOpts.WithLogger(quietBadgerLogger{})
	}
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, err
	}
	return &BadgerStaging{db: db}, nil
}

func stagingKey(id string) []byte {
	return []byte(stagingKeyPrefix + id)
}

func (b *BadgerStaging) Put(_ context.Context, id string, payload []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(stagingKey(id), payload)
	})
}

func (b *BadgerStaging) Delete(_ context.Context, id string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(stagingKey(id))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	return err
}

func (b *BadgerStaging) List(_ context.Context) iter.Seq2[StagedEntry, error] {
	prefix := []byte(stagingKeyPrefix)
	return func(yield func(StagedEntry, error) bool) {
		err := b.db.View(func(txn *badger.Txn) error {
			iterOpts := badger.DefaultIteratorOptions
			iterOpts.Prefix = prefix
			it := txn.NewIterator(iterOpts)
			defer it.Close()

			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				item := it.Item()
				id := string(item.KeyCopy(nil)[len(prefix):])
				val, err := item.ValueCopy(nil)
				if err != nil {
					if !yield(StagedEntry{}, err) {
						return nil
					}
					continue
				}
				if !yield(StagedEntry{ID: id, Payload: val}, nil) {
					return nil
				}
			}
			return nil
		})
		if err != nil {
			yield(StagedEntry{}, err)
		}
	}
}

func (b *BadgerStaging) Close() error {
	return b.db.Close()
}

// quietBadgerLogger drops badger's debug/info chatter and routes
// warnings and errors through the standard logger.
type quietBadgerLogger struct{}

func (quietBadgerLogger) Errorf(f string, v ...interface{})   { log.Printf("[badger] ERROR: "+f, v...) }
func (quietBadgerLogger) Warningf(f string, v ...interface{}) { log.Printf("[badger] WARN: "+f, v...) }
func (quietBadgerLogger) Infof(string, ...interface{})        {}
func (quietBadgerLogger) Debugf(string, ...interface{})       {}

// MemoryStaging is an in-memory StagingStore, useful for tests and for
// running without durability across restarts.
type MemoryStaging struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStaging creates an empty in-memory StagingStore.
func NewMemoryStaging() *MemoryStaging {
	return &MemoryStaging{data: make(map[string][]byte)}
}

func (m *MemoryStaging) Put(_ context.Context, id string, payload []byte) error {
	cp := make([]byte, len(payload))
	copy(cp, payload)
	m.mu.Lock()
	m.data[id] = cp
	m.mu.Unlock()
	return nil
}

func (m *MemoryStaging) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.data, id)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStaging) List(_ context.Context) iter.Seq2[StagedEntry, error] {
	m.mu.RLock()
	snapshot := make([]StagedEntry, 0, len(m.data))
	for id, payload := range m.data {
		cp := make([]byte, len(payload))
		copy(cp, payload)
		snapshot = append(snapshot, StagedEntry{ID: id, Payload: cp})
	}
	m.mu.RUnlock()

	return func(yield func(StagedEntry, error) bool) {
		for _, e := range snapshot {
			if !yield(e, nil) {
				return
			}
		}
	}
}

func (m *MemoryStaging) Close() error { return nil }

var (
	_ StagingStore = (*BadgerStaging)(nil)
	_ StagingStore = (*MemoryStaging)(nil)
)
