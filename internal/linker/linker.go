// Package linker places the relocatable instructions of a basic block at
// consecutive addresses and emits the final machine code.
package linker

import (
	"fmt"

	"github.com/isseis/go-patch-engine/internal/reloc"
)

// Unit is the finalized output of one patch.
type Unit struct {
	// Source is the address of the instruction the unit replaces.
	Source   uint64
	Instrs   []reloc.Instr
	Bindings reloc.Bindings
}

// Size returns the number of bytes the unit emits.
func (u Unit) Size() int {
	return reloc.TotalSize(u.Instrs)
}

// Size returns the number of bytes units emit once linked.
func Size(units []Unit) int {
	n := 0
	for _, u := range units {
		n += u.Size()
	}
	return n
}

// Linked is the machine code of a block placed at Base. Offsets holds the
// offset of each unit within Code.
type Linked struct {
	Base    uint64
	Code    []byte
	Offsets []int
}

// End returns the address following the last emitted byte.
func (l *Linked) End() uint64 {
	return l.Base + uint64(len(l.Code))
}

// AddrOf returns the address unit i was placed at.
func (l *Linked) AddrOf(i int) uint64 {
	return l.Base + uint64(l.Offsets[i])
}

// Link assigns addresses sequentially from base and emits every
// instruction. A relocation failure aborts the whole block.
func Link(base uint64, units []Unit) (*Linked, error) {
	out := &Linked{
		Base:    base,
		Code:    make([]byte, 0, Size(units)),
		Offsets: make([]int, len(units)),
	}
	for i, u := range units {
		out.Offsets[i] = len(out.Code)
		for _, in := range u.Instrs {
			addr := base + uint64(len(out.Code))
			b, err := in.Emit(addr, u.Bindings)
			if err != nil {
				return nil, &LinkError{Unit: i, Source: u.Source, Addr: addr, Err: err}
			}
			out.Code = append(out.Code, b...)
		}
	}
	return out, nil
}

// LinkError reports the instruction a block could not be linked at.
type LinkError struct {
	Unit   int
	Source uint64
	Addr   uint64
	Err    error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("link unit %d (source %#x) at %#x: %v", e.Unit, e.Source, e.Addr, e.Err)
}

func (e *LinkError) Unwrap() error {
	return e.Err
}
