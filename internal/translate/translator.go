// Package translate ties the rule engine, the linker and the code cache
// together: a Translator turns a guest address into a cached, linked block
// of instrumented code.
package translate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/isseis/go-patch-engine/internal/arch"
	"github.com/isseis/go-patch-engine/internal/codecache"
	"github.com/isseis/go-patch-engine/internal/engine"
	"github.com/isseis/go-patch-engine/internal/linker"
)

// Translator is safe for concurrent use.
type Translator struct {
	engine *engine.Engine
	cpu    *arch.Context
	mem    engine.Memory
	region *codecache.Region
	cache  *codecache.Cache
	logger *slog.Logger
}

// Option configures a Translator.
type Option func(*Translator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Translator) {
		if l != nil {
			t.logger = l
		}
	}
}

// New creates a Translator for the guest memory mem.
func New(e *engine.Engine, cpu *arch.Context, mem engine.Memory, region *codecache.Region, cache *codecache.Cache, opts ...Option) (*Translator, error) {
	if err := cpu.Validate(); err != nil {
		return nil, err
	}
	t := &Translator{
		engine: e,
		cpu:    cpu,
		mem:    mem,
		region: region,
		cache:  cache,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Key returns the cache key of the block starting at addr.
func (t *Translator) Key(addr uint64) codecache.Key {
	return codecache.Key{Addr: addr, Context: t.cpu.Key()}
}

// Translate returns the cached translation of the block at addr, generating
// it on first use.
func (t *Translator) Translate(ctx context.Context, addr uint64) (*codecache.Entry, error) {
	return t.cache.GetOrCompile(ctx, t.Key(addr), t.compile)
}

// TranslateAll translates consecutive blocks from start until the end of
// the mapped segment.
func (t *Translator) TranslateAll(ctx context.Context, start uint64) ([]*codecache.Entry, error) {
	var entries []*codecache.Entry
	for addr := start; ; {
		if len(t.mem.Bytes(addr)) == 0 {
			if len(entries) == 0 {
				return nil, fmt.Errorf("%w: %#x", engine.ErrUnmapped, addr)
			}
			return entries, nil
		}
		e, err := t.Translate(ctx, addr)
		if err != nil {
			return entries, err
		}
		entries = append(entries, e)
		addr = e.SourceEnd
	}
}

func (t *Translator) compile(ctx context.Context, key codecache.Key) (*codecache.Entry, error) {
	block, err := t.engine.TranslateBlock(ctx, t.cpu, t.mem, key.Addr)
	if err != nil {
		return nil, err
	}
	units := block.Units()

	// Space lost to a failed link is not reclaimed.
	base, err := t.region.Alloc(linker.Size(units))
	if err != nil {
		return nil, err
	}
	linked, err := linker.Link(base, units)
	if err != nil {
		var le *linker.LinkError
		if errors.As(err, &le) {
			t.logger.Warn("Block link failed", "block", fmt.Sprintf("%#x", key.Addr), "source", fmt.Sprintf("%#x", le.Source), "error", le.Err)
		}
		return nil, err
	}

	return &codecache.Entry{
		Addr:      linked.Base,
		Code:      linked.Code,
		SourceEnd: block.End,
		Offsets:   linked.Offsets[:block.Len()],
		Rules:     block.Rules(),
	}, nil
}
