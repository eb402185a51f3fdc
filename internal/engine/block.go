package engine

import (
	"github.com/isseis/go-patch-engine/internal/isa"
	"github.com/isseis/go-patch-engine/internal/linker"
	"github.com/isseis/go-patch-engine/internal/patch"
	"github.com/isseis/go-patch-engine/internal/reloc"
)

// Block is a translated basic block: the source range [Start, End) and one
// applied patch per source instruction, in address order.
//
// Exit holds the code continuing at End. It is empty when the last
// instruction never falls through (returns, unconditional branches).
type Block struct {
	Arch    isa.Arch
	Start   uint64
	End     uint64
	Patches []*patch.Patch
	Exit    []reloc.Instr
}

// Len returns the number of source instructions.
func (b *Block) Len() int {
	return len(b.Patches)
}

// Size returns the number of bytes the block emits once linked.
func (b *Block) Size() int {
	n := 0
	for _, p := range b.Patches {
		n += p.Size()
	}
	return n + reloc.TotalSize(b.Exit)
}

// Units returns the linker input of the block: one unit per patch, followed
// by the exit unit when there is one.
func (b *Block) Units() []linker.Unit {
	units := make([]linker.Unit, 0, len(b.Patches)+1)
	for _, p := range b.Patches {
		instrs, bindings, err := p.Output()
		if err != nil {
			// Blocks only hold applied patches.
			panic(err)
		}
		units = append(units, linker.Unit{Source: p.Address(), Instrs: instrs, Bindings: bindings})
	}
	if len(b.Exit) > 0 {
		units = append(units, linker.Unit{Source: b.End, Instrs: b.Exit})
	}
	return units
}

// Rules returns the name of the rule applied to each instruction.
func (b *Block) Rules() []string {
	names := make([]string, len(b.Patches))
	for i, p := range b.Patches {
		names[i] = p.Rule()
	}
	return names
}
