package codecache

import (
	"fmt"
	"sync"
)

// DefaultAlign is the alignment of allocations when none is given.
const DefaultAlign = 16

// Region hands out addresses of a fixed code-cache range with a bump
// pointer. Space is never reclaimed except by Reset.
type Region struct {
	mu    sync.Mutex
	base  uint64
	size  uint64
	align uint64
	next  uint64
}

// NewRegion creates a region covering [base, base+size). align must be a
// power of two; zero selects DefaultAlign.
func NewRegion(base, size, align uint64) (*Region, error) {
	if align == 0 {
		align = DefaultAlign
	}
	if align&(align-1) != 0 {
		return nil, fmt.Errorf("%w: alignment %d is not a power of two", ErrInvalidRegion, align)
	}
	if size == 0 {
		return nil, fmt.Errorf("%w: empty region", ErrInvalidRegion)
	}
	if base+size < base {
		return nil, fmt.Errorf("%w: %#x+%#x wraps around", ErrInvalidRegion, base, size)
	}
	if base%align != 0 {
		return nil, fmt.Errorf("%w: base %#x not aligned to %d", ErrInvalidRegion, base, align)
	}
	return &Region{base: base, size: size, align: align}, nil
}

// Alloc reserves n bytes and returns their address.
func (r *Region) Alloc(n int) (uint64, error) {
	if n < 0 {
		return 0, fmt.Errorf("%w: negative size %d", ErrInvalidRegion, n)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	start := (r.next + r.align - 1) &^ (r.align - 1)
	if start > r.size || uint64(n) > r.size-start {
		return 0, fmt.Errorf("%w: %d bytes requested, %d free", ErrCacheFull, n, r.free())
	}
	r.next = start + uint64(n)
	return r.base + start, nil
}

// Base returns the first address of the region.
func (r *Region) Base() uint64 { return r.base }

// Size returns the capacity of the region in bytes.
func (r *Region) Size() uint64 { return r.size }

// Used returns the number of bytes handed out, including alignment padding.
func (r *Region) Used() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.next
}

// Free returns the number of bytes left.
func (r *Region) Free() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.free()
}

func (r *Region) free() uint64 {
	return r.size - r.next
}

// Contains reports whether addr lies within the region.
func (r *Region) Contains(addr uint64) bool {
	return addr >= r.base && addr-r.base < r.size
}

// Reset discards every allocation.
func (r *Region) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next = 0
}
