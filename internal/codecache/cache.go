// Package codecache stores translated blocks keyed by source address and CPU
// context.
//
// GetOrCompile guarantees that at most one generation per key runs at a
// time. Concurrent callers asking for the same key wait for that generation
// and receive the same *Entry. A failed generation leaves no entry behind and
// does not affect other keys.
package codecache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/groupcache/lru"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/singleflight"
)

// DefaultCapacity is the number of entries kept when no capacity is given.
const DefaultCapacity = 4096

// Key identifies a translation: the source address of the block and the
// CPU context it was translated for (arch.Context.Key).
type Key struct {
	Addr    uint64
	Context string
}

func (k Key) String() string {
	return fmt.Sprintf("%s@%#x", k.Context, k.Addr)
}

// Entry is a translated block placed in the code region.
type Entry struct {
	ID  ulid.ULID
	Key Key

	// Addr is the address of Code in the code region.
	Addr uint64
	Code []byte

	// SourceEnd is the address following the last source instruction.
	SourceEnd uint64

	// Offsets holds, per source instruction, the offset of its translation
	// within Code. Rules holds the name of the rule applied to it.
	Offsets []int
	Rules   []string

	Created time.Time
}

// Instructions returns the number of source instructions in the block.
func (e *Entry) Instructions() int {
	return len(e.Offsets)
}

// CompileFunc generates the entry for key. The cache assigns ID, Key and
// Created.
type CompileFunc func(ctx context.Context, key Key) (*Entry, error)

// Store persists entries written to the cache.
type Store interface {
	Put(e *Entry) error
}

// Option configures a Cache.
type Option func(*Cache)

// WithCapacity bounds the number of cached entries. Zero means unbounded.
func WithCapacity(n int) Option {
	return func(c *Cache) {
		c.capacity = n
	}
}

// WithStore writes every new entry through to s.
func WithStore(s Store) Option {
	return func(c *Cache) {
		c.store = s
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.logger = l
		}
	}
}

// Cache is safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	entries  *lru.Cache
	capacity int
	removing bool

	flight singleflight.Group
	store  Store
	logger *slog.Logger

	hits        atomic.Uint64
	misses      atomic.Uint64
	generations atomic.Uint64
	failures    atomic.Uint64
	shared      atomic.Uint64
	evictions   atomic.Uint64
}

// New creates an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		capacity: DefaultCapacity,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.entries = lru.New(c.capacity)
	c.entries.OnEvicted = func(key lru.Key, _ any) {
		if c.removing {
			return
		}
		c.evictions.Add(1)
		c.logger.Debug("Cache entry evicted", "key", key)
	}
	return c
}

// Lookup returns the entry for key if present.
func (c *Cache) Lookup(key Key) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookup(key)
}

func (c *Cache) lookup(key Key) (*Entry, bool) {
	v, ok := c.entries.Get(key)
	if !ok {
		return nil, false
	}
	return v.(*Entry), true
}

// GetOrCompile returns the entry for key, running compile if it is absent.
// Callers arriving while a generation for key is in flight share its
// result. The generation itself is not cancelled when ctx is; ctx only
// bounds how long this caller waits.
func (c *Cache) GetOrCompile(ctx context.Context, key Key, compile CompileFunc) (*Entry, error) {
	if e, ok := c.Lookup(key); ok {
		c.hits.Add(1)
		return e, nil
	}
	c.misses.Add(1)

	detached := context.WithoutCancel(ctx)
	ch := c.flight.DoChan(key.String(), func() (any, error) {
		return c.compile(detached, key, compile)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Shared {
			c.shared.Add(1)
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Entry), nil
	}
}

func (c *Cache) compile(ctx context.Context, key Key, compile CompileFunc) (*Entry, error) {
	// A generation that finished between Lookup and DoChan already
	// produced the entry.
	if e, ok := c.Lookup(key); ok {
		return e, nil
	}

	c.generations.Add(1)
	e, err := compile(ctx, key)
	if err == nil && e == nil {
		err = ErrNilEntry
	}
	if err != nil {
		c.failures.Add(1)
		c.logger.Debug("Block generation failed", "key", key.String(), "error", err)
		return nil, &CompileError{Key: key, Err: err}
	}

	e.ID = ulid.Make()
	e.Key = key
	if e.Created.IsZero() {
		e.Created = time.Now()
	}

	c.mu.Lock()
	c.entries.Add(key, e)
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.Put(e); err != nil {
			c.logger.Warn("Failed to persist cache entry", "key", key.String(), "id", e.ID.String(), "error", err)
		}
	}
	c.logger.Debug("Block generated", "key", key.String(), "id", e.ID.String(), "addr", fmt.Sprintf("%#x", e.Addr), "size", len(e.Code))
	return e, nil
}

// Invalidate removes the entry for key and reports whether it was present.
func (c *Cache) Invalidate(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries.Get(key); !ok {
		return false
	}
	c.removing = true
	c.entries.Remove(key)
	c.removing = false
	return true
}

// Purge removes every entry.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removing = true
	c.entries.Clear()
	c.removing = false
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// Stats is a snapshot of the cache counters. Evictions only counts entries
// dropped by the capacity bound.
type Stats struct {
	Entries     int
	Hits        uint64
	Misses      uint64
	Generations uint64
	Failures    uint64
	Shared      uint64
	Evictions   uint64
}

// Stats returns the current counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Entries:     c.Len(),
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Generations: c.generations.Load(),
		Failures:    c.failures.Load(),
		Shared:      c.shared.Load(),
		Evictions:   c.evictions.Load(),
	}
}
