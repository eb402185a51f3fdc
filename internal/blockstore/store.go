// Package blockstore persists translated blocks in LevelDB so that a later
// run can list or reuse them.
package blockstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/syndtr/goleveldb/leveldb"
	leveldbstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/isseis/go-patch-engine/internal/codecache"
)

const keyPrefix = "block/"

// Static errors
var (
	// ErrNotFound is returned by Get when no block is stored for a key.
	ErrNotFound = errors.New("block not found")

	// ErrCorruptRecord is returned when a stored value cannot be decoded.
	ErrCorruptRecord = errors.New("corrupt block record")
)

// Record is the persisted form of a cache entry.
type Record struct {
	ID        string    `json:"id"`
	Context   string    `json:"context"`
	Addr      uint64    `json:"addr"`
	CacheAddr uint64    `json:"cache_addr"`
	SourceEnd uint64    `json:"source_end"`
	Code      []byte    `json:"code"`
	Offsets   []int     `json:"offsets"`
	Rules     []string  `json:"rules"`
	Created   time.Time `json:"created"`
}

// Key returns the cache key of the record.
func (r *Record) Key() codecache.Key {
	return codecache.Key{Addr: r.Addr, Context: r.Context}
}

// Entry converts the record back into a cache entry.
func (r *Record) Entry() (*codecache.Entry, error) {
	id, err := ulid.ParseStrict(r.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: id %q: %w", ErrCorruptRecord, r.ID, err)
	}
	return &codecache.Entry{
		ID:        id,
		Key:       r.Key(),
		Addr:      r.CacheAddr,
		Code:      r.Code,
		SourceEnd: r.SourceEnd,
		Offsets:   r.Offsets,
		Rules:     r.Rules,
		Created:   r.Created,
	}, nil
}

// NewRecord converts a cache entry into its persisted form.
func NewRecord(e *codecache.Entry) *Record {
	return &Record{
		ID:        e.ID.String(),
		Context:   e.Key.Context,
		Addr:      e.Key.Addr,
		CacheAddr: e.Addr,
		SourceEnd: e.SourceEnd,
		Code:      e.Code,
		Offsets:   e.Offsets,
		Rules:     e.Rules,
		Created:   e.Created,
	}
}

// Store is a LevelDB-backed block archive. It implements codecache.Store.
// LevelDB handles its own synchronization.
type Store struct {
	db *leveldb.DB
}

// Open opens or creates the store at path. An empty path selects in-memory
// storage.
func Open(path string) (*Store, error) {
	var (
		db  *leveldb.DB
		err error
	)
	if path == "" {
		db, err = leveldb.Open(leveldbstorage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open block store at %q: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put stores the entry, replacing any block with the same key.
func (s *Store) Put(e *codecache.Entry) error {
	data, err := json.Marshal(NewRecord(e))
	if err != nil {
		return fmt.Errorf("failed to encode block %s: %w", e.Key, err)
	}
	if err := s.db.Put(dbKey(e.Key), data, nil); err != nil {
		return fmt.Errorf("failed to store block %s: %w", e.Key, err)
	}
	return nil
}

// Get returns the record stored for key.
func (s *Store) Get(key codecache.Key) (*Record, error) {
	data, err := s.db.Get(dbKey(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read block %s: %w", key, err)
	}
	return decode(data)
}

// Delete removes the block stored for key. Deleting a missing key is not an
// error.
func (s *Store) Delete(key codecache.Key) error {
	return s.db.Delete(dbKey(key), nil)
}

// List returns the records of a CPU context in address order. An empty
// context lists every record, grouped by context.
func (s *Store) List(cpuKey string) ([]*Record, error) {
	prefix := keyPrefix
	if cpuKey != "" {
		prefix += cpuKey + "/"
	}
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()

	var out []*Record
	for iter.Next() {
		r, err := decode(iter.Value())
		if err != nil {
			return nil, fmt.Errorf("%s: %w", iter.Key(), err)
		}
		// Context keys may contain '/', so the prefix alone can match a
		// longer context.
		if cpuKey != "" && r.Context != cpuKey {
			continue
		}
		out = append(out, r)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to list blocks: %w", err)
	}
	return out, nil
}

func decode(data []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptRecord, err)
	}
	return &r, nil
}

// dbKey orders records by context, then address. Addresses are fixed-width
// hex so that byte order matches numeric order.
func dbKey(k codecache.Key) []byte {
	return fmt.Appendf(nil, "%s%s/%016x", keyPrefix, k.Context, k.Addr)
}
