package amd64

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/isseis/go-patch-engine/internal/arch"
	"github.com/isseis/go-patch-engine/internal/isa"
	"github.com/isseis/go-patch-engine/internal/reloc"
)

const (
	// redZone is the System V area below rsp that leaf functions may use
	// without adjusting the stack pointer.
	redZone = 128

	// absJumpSize is the length of jmp qword ptr [rip+0] followed by its target.
	absJumpSize = 14

	// callSize is the length of both forms emitted by callEmitter.
	callSize = 16
)

var (
	// lea rsp, [rsp-128]
	skipRedZone = []byte{0x48, 0x8d, 0x64, 0x24, 0x80}
	// lea rsp, [rsp+128]
	restoreRedZone = []byte{0x48, 0x8d, 0xa4, 0x24, 0x80, 0x00, 0x00, 0x00}
	// lea rsp, [rsp-8]
	reserveSlot = []byte{0x48, 0x8d, 0x64, 0x24, 0xf8}

	rel32AtOpcodeEnd = isa.DispField{Ranges: []isa.BitRange{{Pos: 8, Width: 32}}, Base: isa.BaseEnd}
)

// Builder implements arch.Builder for x86-64.
type Builder struct{}

var _ arch.Builder = Builder{}

// Copy reproduces inst. RIP-relative and relative-branch operands become
// PC-relative templates that keep reaching the original target.
func (Builder) Copy(inst *isa.Instruction) reloc.Instr {
	if inst.PCRel != nil {
		return reloc.PCRelative(inst.Raw, inst.PCRel.Field, inst.PCRel.Target).WithLabel("original")
	}
	return reloc.Raw(inst.Raw...).WithLabel("original")
}

// RelocateBranch widens rel8 branches to rel32. loop/jrcxz have no rel32
// form and are routed through a short trampoline:
//
//	loop +2 ; jmp +5 ; jmp rel32 target
func (b Builder) RelocateBranch(inst *isa.Instruction) ([]reloc.Instr, error) {
	if inst.PCRel == nil || !inst.IsDirectBranch() || inst.PCRel.Field.Width() != 8 {
		return []reloc.Instr{b.Copy(inst)}, nil
	}
	opIdx := int(inst.PCRel.Field.Ranges[0].Pos/8) - 1
	if opIdx < 0 {
		return nil, fmt.Errorf("%w: malformed rel8 encoding at %#x", arch.ErrNotDirectBranch, inst.Address)
	}
	prefix := inst.Raw[:opIdx]
	op := inst.Raw[opIdx]
	target := inst.PCRel.Target

	switch {
	case op == 0xeb:
		return []reloc.Instr{rel32(prefix, []byte{0xe9}, target, "jmp rel32")}, nil
	case op >= 0x70 && op <= 0x7f:
		return []reloc.Instr{rel32(prefix, []byte{0x0f, 0x80 | op&0x0f}, target, "jcc rel32")}, nil
	case op >= 0xe0 && op <= 0xe3:
		return []reloc.Instr{
			reloc.Raw(append(clone(prefix), op, 0x02)...).WithLabel("loop to trampoline"),
			reloc.Raw(0xeb, 0x05),
			rel32(nil, []byte{0xe9}, target, "trampoline"),
		}, nil
	}
	return []reloc.Instr{b.Copy(inst)}, nil
}

// JumpAbsolute redirects a direct branch through jmp [rip+0]. Conditions are
// preserved by skipping the absolute jump on the inverted condition; calls
// push the original return address so the callee observes unchanged state.
func (Builder) JumpAbsolute(inst *isa.Instruction) ([]reloc.Instr, error) {
	if !inst.IsDirectBranch() {
		return nil, fmt.Errorf("%w: %s", arch.ErrNotDirectBranch, inst)
	}
	target := inst.PCRel.Target

	if inst.Class == isa.ClassCall {
		ret := inst.End()
		return []reloc.Instr{
			reloc.Raw(reserveSlot...).WithLabel("push original return address"),
			reloc.Raw(append([]byte{0xc7, 0x04, 0x24}, le32(uint32(ret))...)...),
			reloc.Raw(append([]byte{0xc7, 0x44, 0x24, 0x04}, le32(uint32(ret>>32))...)...),
			absJump(target),
		}, nil
	}
	if !inst.Conditional {
		return []reloc.Instr{absJump(target)}, nil
	}

	opIdx := int(inst.PCRel.Field.Ranges[0].Pos/8) - 1
	op := inst.Raw[opIdx]
	switch {
	case op >= 0x70 && op <= 0x7f:
		return []reloc.Instr{reloc.Raw(0x70|(op&0x0f)^1, absJumpSize).WithLabel("inverted condition"), absJump(target)}, nil
	case op >= 0x80 && op <= 0x8f && opIdx > 0 && inst.Raw[opIdx-1] == 0x0f:
		return []reloc.Instr{reloc.Raw(0x70|(op&0x0f)^1, absJumpSize).WithLabel("inverted condition"), absJump(target)}, nil
	case op >= 0xe0 && op <= 0xe3:
		return []reloc.Instr{
			reloc.Raw(append(clone(inst.Raw[:opIdx]), op, 0x02)...).WithLabel("loop to trampoline"),
			reloc.Raw(0xeb, absJumpSize),
			absJump(target),
		}, nil
	}
	return nil, fmt.Errorf("%w: unsupported conditional encoding % x", arch.ErrNotDirectBranch, inst.Raw)
}

// Call calls target from below the red zone. See callEmitter for the two
// encodings.
func (Builder) Call(target uint64) []reloc.Instr {
	return []reloc.Instr{
		reloc.Raw(skipRedZone...),
		reloc.Custom(callEmitter{target: target}).WithLabel("callback"),
		reloc.Raw(restoreRedZone...),
	}
}

// CallTemp emits call temp. The encoding always carries a REX prefix so its
// size does not depend on the register.
func (Builder) CallTemp(temp reloc.TempID) []reloc.Instr {
	return []reloc.Instr{reloc.WithTemps(3, func(regs []isa.Reg) (reloc.Instr, error) {
		b, low := rex(regs[0])
		return reloc.Raw(0x40|b, 0xff, 0xd0|low), nil
	}, temp).WithLabel("callback")}
}

// LoadImmediate emits movabs temp, value.
func (Builder) LoadImmediate(temp reloc.TempID, value uint64) []reloc.Instr {
	return []reloc.Instr{reloc.WithTemps(10, func(regs []isa.Reg) (reloc.Instr, error) {
		b, low := rex(regs[0])
		return reloc.Raw(append([]byte{0x48 | b, 0xb8 | low}, le64(value)...)...), nil
	}, temp)}
}

// SaveTemp pushes temp below the red zone.
func (Builder) SaveTemp(temp reloc.TempID) []reloc.Instr {
	return []reloc.Instr{
		reloc.Raw(skipRedZone...).WithLabel("save temp"),
		reloc.WithTemps(2, func(regs []isa.Reg) (reloc.Instr, error) {
			b, low := rex(regs[0])
			return reloc.Raw(0x40|b, 0x50|low), nil
		}, temp),
	}
}

// RestoreTemp undoes SaveTemp.
func (Builder) RestoreTemp(temp reloc.TempID) []reloc.Instr {
	return []reloc.Instr{
		reloc.WithTemps(2, func(regs []isa.Reg) (reloc.Instr, error) {
			b, low := rex(regs[0])
			return reloc.Raw(0x40|b, 0x58|low), nil
		}, temp).WithLabel("restore temp"),
		reloc.Raw(restoreRedZone...),
	}
}

// Exit jumps to target through jmp [rip+0].
func (Builder) Exit(target uint64) []reloc.Instr {
	return []reloc.Instr{absJump(target).WithLabel(fmt.Sprintf("exit to %#x", target))}
}

// Nop emits a one-byte nop.
func (Builder) Nop() reloc.Instr {
	return reloc.Raw(0x90)
}

// Breakpoint emits int3.
func (Builder) Breakpoint() reloc.Instr {
	return reloc.Raw(0xcc).WithLabel("breakpoint")
}

func rel32(prefix, opcode []byte, target uint64, label string) reloc.Instr {
	code := make([]byte, 0, len(prefix)+len(opcode)+4)
	code = append(code, prefix...)
	code = append(code, opcode...)
	code = append(code, 0, 0, 0, 0)
	field := isa.DispField{
		Ranges: []isa.BitRange{{Pos: uint(len(prefix)+len(opcode)) * 8, Width: 32}},
		Base:   isa.BaseEnd,
	}
	return reloc.PCRelative(code, field, target).WithLabel(label)
}

// callEmitter calls target with call rel32 when it is within reach of the
// emission address, and through an inline literal otherwise:
//
//	call rel32 ; jmp +9 ; int3 * 9
//	call qword ptr [rip+2] ; jmp +8 ; .quad target
type callEmitter struct {
	target uint64
}

func (callEmitter) Size() int { return callSize }

func (c callEmitter) Emit(addr uint64, _ reloc.Bindings) ([]byte, error) {
	near := []byte{0xe8, 0, 0, 0, 0}
	if disp, err := rel32AtOpcodeEnd.Displacement(addr, len(near), c.target); err == nil {
		if err := rel32AtOpcodeEnd.Put(near, disp); err == nil {
			near = append(near, 0xeb, 9)
			return append(near, bytes.Repeat([]byte{0xcc}, 9)...), nil
		}
	}
	far := []byte{0xff, 0x15, 0x02, 0x00, 0x00, 0x00, 0xeb, 0x08}
	return append(far, le64(c.target)...), nil
}

// absJump emits jmp qword ptr [rip+0] followed by the 8-byte target.
func absJump(target uint64) reloc.Instr {
	code := append([]byte{0xff, 0x25, 0, 0, 0, 0}, le64(target)...)
	return reloc.Raw(code...).WithLabel(fmt.Sprintf("jmp %#x", target))
}

func le32(v uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, v)
}

func le64(v uint64) []byte {
	return binary.LittleEndian.AppendUint64(nil, v)
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}
