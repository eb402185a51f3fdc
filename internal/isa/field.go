package isa

import "fmt"

// PCBase selects the address a PC-relative displacement is measured from.
type PCBase uint8

// Displacement origins
const (
	// BaseStart measures from the first byte of the instruction (arm64 branches, ADR).
	BaseStart PCBase = iota
	// BaseEnd measures from the byte following the instruction (x86 rel8/rel32, RIP-relative).
	BaseEnd
	// BasePage measures between pages of Scale bytes (arm64 ADRP).
	BasePage
)

// BitRange is a run of bits inside an instruction encoding. Bits are
// numbered little-endian across the instruction bytes: bit 0 is the least
// significant bit of byte 0, bit 8 the least significant bit of byte 1.
type BitRange struct {
	Pos   uint
	Width uint
}

// DispField describes where and how a PC-relative displacement is encoded.
// Ranges hold the value from its least significant bits upward, which lets a
// single description cover contiguous fields (x86 disp32) as well as split
// ones (arm64 ADR immlo/immhi).
type DispField struct {
	Ranges []BitRange
	Scale  int64
	Base   PCBase
}

// Width returns the total number of encoded bits.
func (f DispField) Width() uint {
	var w uint
	for _, r := range f.Ranges {
		w += r.Width
	}
	return w
}

func (f DispField) scale() int64 {
	if f.Scale <= 0 {
		return 1
	}
	return f.Scale
}

func (f DispField) origin(addr uint64, size int) uint64 {
	switch f.Base {
	case BaseEnd:
		return addr + uint64(size)
	case BasePage:
		return addr &^ uint64(f.scale()-1)
	default:
		return addr
	}
}

// Displacement computes the encoded displacement for an instruction of size
// bytes placed at addr that must reach target. The value is returned even
// when it does not fit so callers can report it.
func (f DispField) Displacement(addr uint64, size int, target uint64) (int64, error) {
	s := f.scale()
	t := target
	if f.Base == BasePage {
		t &^= uint64(s - 1)
	}
	diff := int64(t - f.origin(addr, size))
	if diff%s != 0 {
		return diff, fmt.Errorf("%w: offset %d, scale %d", ErrMisalignedTarget, diff, s)
	}
	v := diff / s
	if !fitsSigned(v, f.Width()) {
		return v, fmt.Errorf("%w: %d needs more than %d bits", ErrDisplacementOverflow, v, f.Width())
	}
	return v, nil
}

// Target is the inverse of Displacement.
func (f DispField) Target(addr uint64, size int, disp int64) uint64 {
	return f.origin(addr, size) + uint64(disp*f.scale())
}

// Put writes disp into code. Bits of disp above Width are discarded, so
// callers must obtain disp from Displacement.
func (f DispField) Put(code []byte, disp int64) error {
	if err := f.check(code); err != nil {
		return err
	}
	v := uint64(disp)
	for _, r := range f.Ranges {
		for i := uint(0); i < r.Width; i++ {
			setBit(code, r.Pos+i, v&1 == 1)
			v >>= 1
		}
	}
	return nil
}

// Extract reads the sign-extended displacement stored in code.
func (f DispField) Extract(code []byte) (int64, error) {
	if err := f.check(code); err != nil {
		return 0, err
	}
	var v uint64
	var n uint
	for _, r := range f.Ranges {
		for i := uint(0); i < r.Width; i++ {
			if getBit(code, r.Pos+i) {
				v |= 1 << n
			}
			n++
		}
	}
	if n > 0 && n < 64 && v&(1<<(n-1)) != 0 {
		v |= ^uint64(0) << n
	}
	return int64(v), nil
}

func (f DispField) check(code []byte) error {
	limit := uint(len(code)) * 8
	for _, r := range f.Ranges {
		if r.Pos+r.Width > limit {
			return fmt.Errorf("%w: bits [%d,%d) of %d", ErrFieldOutOfBounds, r.Pos, r.Pos+r.Width, limit)
		}
	}
	return nil
}

func fitsSigned(v int64, width uint) bool {
	if width == 0 {
		return v == 0
	}
	if width >= 64 {
		return true
	}
	lo := -(int64(1) << (width - 1))
	hi := int64(1)<<(width-1) - 1
	return v >= lo && v <= hi
}

func setBit(code []byte, pos uint, on bool) {
	mask := byte(1) << (pos % 8)
	if on {
		code[pos/8] |= mask
	} else {
		code[pos/8] &^= mask
	}
}

func getBit(code []byte, pos uint) bool {
	return code[pos/8]&(1<<(pos%8)) != 0
}
