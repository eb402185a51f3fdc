package translate

import (
	"errors"
	"fmt"
	"slices"
)

// Static errors
var (
	// ErrOverlap is returned when a segment overlaps one already mapped.
	ErrOverlap = errors.New("segment overlaps mapped memory")

	// ErrEmptySegment is returned when a segment has no bytes.
	ErrEmptySegment = errors.New("empty segment")
)

// Segment is a contiguous range of guest code.
type Segment struct {
	Addr uint64
	Data []byte
}

// End returns the address following the segment.
func (s Segment) End() uint64 {
	return s.Addr + uint64(len(s.Data))
}

// Image is an in-memory guest address space made of non-overlapping
// segments. It implements engine.Memory.
type Image struct {
	segments []Segment
}

// NewImage maps the given segments.
func NewImage(segments ...Segment) (*Image, error) {
	m := &Image{}
	for _, s := range segments {
		if err := m.Map(s.Addr, s.Data); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Map adds a segment at addr.
func (m *Image) Map(addr uint64, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("%w at %#x", ErrEmptySegment, addr)
	}
	seg := Segment{Addr: addr, Data: slices.Clone(data)}
	if seg.End() < addr {
		return fmt.Errorf("%w: segment at %#x wraps around", ErrOverlap, addr)
	}
	i, _ := slices.BinarySearchFunc(m.segments, addr, func(s Segment, a uint64) int {
		switch {
		case s.Addr < a:
			return -1
		case s.Addr > a:
			return 1
		}
		return 0
	})
	if i > 0 && m.segments[i-1].End() > addr {
		return fmt.Errorf("%w: %#x", ErrOverlap, addr)
	}
	if i < len(m.segments) && m.segments[i].Addr < seg.End() {
		return fmt.Errorf("%w: %#x", ErrOverlap, addr)
	}
	m.segments = slices.Insert(m.segments, i, seg)
	return nil
}

// Bytes returns the mapped bytes from addr to the end of its segment.
func (m *Image) Bytes(addr uint64) []byte {
	for _, s := range m.segments {
		if addr >= s.Addr && addr < s.End() {
			return s.Data[addr-s.Addr:]
		}
	}
	return nil
}

// Segments returns the mapped segments in address order.
func (m *Image) Segments() []Segment {
	return slices.Clone(m.segments)
}
