package arm64

import (
	"encoding/binary"
	"fmt"

	"github.com/isseis/go-patch-engine/internal/arch"
	"github.com/isseis/go-patch-engine/internal/isa"
	"github.com/isseis/go-patch-engine/internal/reloc"
)

// Fixed encodings.
const (
	opB         = 0x14000000
	opBL        = 0x94000000
	opBR        = 0xd61f0000
	opBLR       = 0xd63f0000
	opLDRLit64  = 0x58000000
	opNop       = 0xd503201f
	opBrk       = 0xd4200000
	opSTPPre64  = 0xa9800000
	opLDPPost64 = 0xa8c00000

	// ip0 is the intra-procedure-call scratch register used for absolute
	// branches, as linker veneers do.
	ip0 = X16
)

// Builder implements arch.Builder for AArch64.
type Builder struct{}

var _ arch.Builder = Builder{}

// Copy reproduces inst. PC-relative encodings become templates that keep
// reaching the original target.
func (Builder) Copy(inst *isa.Instruction) reloc.Instr {
	if inst.PCRel != nil {
		return reloc.PCRelative(inst.Raw, inst.PCRel.Field, inst.PCRel.Target).WithLabel("original")
	}
	return reloc.Raw(inst.Raw...).WithLabel("original")
}

// RelocateBranch turns short-range conditional branches (B.cond, CBZ, TBZ:
// ±1MB/±32KB) into an inverted skip over an unconditional B (±128MB):
//
//	b.!cond +8 ; b target
func (b Builder) RelocateBranch(inst *isa.Instruction) ([]reloc.Instr, error) {
	if !inst.IsDirectBranch() || !inst.Conditional {
		return []reloc.Instr{b.Copy(inst)}, nil
	}
	skip, err := invertedSkip(inst, 2)
	if err != nil {
		return nil, err
	}
	return []reloc.Instr{skip, branch(opB, inst.PCRel.Target, "b target")}, nil
}

// JumpAbsolute reaches the target through a literal loaded into x16:
//
//	ldr x16, #8 ; br x16 ; .quad target
//
// Calls first load the original return address into x30. The guest value
// of x16 is not preserved.
func (Builder) JumpAbsolute(inst *isa.Instruction) ([]reloc.Instr, error) {
	if !inst.IsDirectBranch() {
		return nil, fmt.Errorf("%w: %s", arch.ErrNotDirectBranch, inst)
	}
	target := inst.PCRel.Target

	if inst.Class == isa.ClassCall {
		return []reloc.Instr{
			word(ldrLiteral(LR, 12)).WithLabel("load original return address"),
			word(ldrLiteral(ip0, 16)),
			word(opBR | uint32(ip0)<<5),
			reloc.Raw(le64(inst.End())...),
			reloc.Raw(le64(target)...).WithLabel(fmt.Sprintf("call %#x", target)),
		}, nil
	}

	seq := make([]reloc.Instr, 0, 4)
	if inst.Conditional {
		// skip the 16-byte indirection below
		skip, err := invertedSkip(inst, 5)
		if err != nil {
			return nil, err
		}
		seq = append(seq, skip)
	}
	return append(seq,
		word(ldrLiteral(ip0, 8)),
		word(opBR|uint32(ip0)<<5),
		reloc.Raw(le64(target)...).WithLabel(fmt.Sprintf("jmp %#x", target)),
	), nil
}

// Call calls target, preserving the frame pointer and x30. See callEmitter
// for the two encodings.
func (Builder) Call(target uint64) []reloc.Instr {
	return []reloc.Instr{
		word(stpPre(FP, LR)),
		reloc.Custom(callEmitter{target: target}).WithLabel("callback"),
		word(ldpPost(FP, LR)),
	}
}

// CallTemp emits blr temp. x30 is clobbered; SaveTemp preserves it.
func (Builder) CallTemp(temp reloc.TempID) []reloc.Instr {
	return []reloc.Instr{tempWord(temp, func(r isa.Reg) uint32 {
		return opBLR | uint32(r)<<5
	}).WithLabel("callback")}
}

// LoadImmediate loads value into temp from an inline literal:
//
//	ldr temp, #8 ; b #12 ; .quad value
func (Builder) LoadImmediate(temp reloc.TempID, value uint64) []reloc.Instr {
	return []reloc.Instr{
		tempWord(temp, func(r isa.Reg) uint32 { return ldrLiteral(r, 8) }),
		word(opB | 3),
		reloc.Raw(le64(value)...),
	}
}

// SaveTemp pushes temp together with x30.
func (Builder) SaveTemp(temp reloc.TempID) []reloc.Instr {
	return []reloc.Instr{tempWord(temp, func(r isa.Reg) uint32 {
		return stpPre(r, LR)
	}).WithLabel("save temp")}
}

// RestoreTemp undoes SaveTemp.
func (Builder) RestoreTemp(temp reloc.TempID) []reloc.Instr {
	return []reloc.Instr{tempWord(temp, func(r isa.Reg) uint32 {
		return ldpPost(r, LR)
	}).WithLabel("restore temp")}
}

// Exit branches to target. See exitEmitter for the two encodings.
func (Builder) Exit(target uint64) []reloc.Instr {
	return []reloc.Instr{reloc.Custom(exitEmitter{target: target}).WithLabel(fmt.Sprintf("exit to %#x", target))}
}

// Nop emits nop.
func (Builder) Nop() reloc.Instr {
	return word(opNop)
}

// Breakpoint emits brk #0.
func (Builder) Breakpoint() reloc.Instr {
	return word(opBrk).WithLabel("breakpoint")
}

// invertedSkip returns inst with its condition inverted and its displacement
// set to skip words instructions.
func invertedSkip(inst *isa.Instruction, skip int64) (reloc.Instr, error) {
	enc := binary.LittleEndian.Uint32(inst.Raw)
	switch {
	case encBCond.match(enc):
		if condAlways(enc & 0xf) {
			return word(opNop).WithLabel("condition always true"), nil
		}
		enc ^= 1
	case encCompareBr.match(enc), encTestBr.match(enc):
		enc ^= 1 << 24
	default:
		return reloc.Instr{}, fmt.Errorf("%w: unsupported conditional encoding %#08x", arch.ErrNotDirectBranch, enc)
	}
	code := binary.LittleEndian.AppendUint32(nil, enc)
	if err := inst.PCRel.Field.Put(code, skip); err != nil {
		return reloc.Instr{}, err
	}
	return reloc.Raw(code...).WithLabel("inverted condition"), nil
}

const (
	callSize = 28
	exitSize = 16
)

// callEmitter calls target with BL when it is within ±128MB of the
// emission address, and through x16 otherwise, saving x16 and x17:
//
//	bl target ; b #24 ; brk * 5
//	stp x16, x17, [sp, #-16]! ; ldr x16, #8 ; b #12 ; .quad target ; blr x16 ; ldp x16, x17, [sp], #16
type callEmitter struct {
	target uint64
}

func (callEmitter) Size() int { return callSize }

func (c callEmitter) Emit(addr uint64, _ reloc.Bindings) ([]byte, error) {
	if code, ok := nearBranch(opBL, addr, c.target); ok {
		code = appendWords(code, opB|6)
		return appendWords(code, opBrk, opBrk, opBrk, opBrk, opBrk), nil
	}
	code := appendWords(nil, stpPre(ip0, X17), ldrLiteral(ip0, 8), opB|3)
	code = append(code, le64(c.target)...)
	return appendWords(code, opBLR|uint32(ip0)<<5, ldpPost(ip0, X17)), nil
}

// exitEmitter branches to target with B when it is within ±128MB of the
// emission address, and through x16 otherwise:
//
//	b target ; brk * 3
//	ldr x16, #8 ; br x16 ; .quad target
type exitEmitter struct {
	target uint64
}

func (exitEmitter) Size() int { return exitSize }

func (e exitEmitter) Emit(addr uint64, _ reloc.Bindings) ([]byte, error) {
	if code, ok := nearBranch(opB, addr, e.target); ok {
		return appendWords(code, opBrk, opBrk, opBrk), nil
	}
	code := appendWords(nil, ldrLiteral(ip0, 8), opBR|uint32(ip0)<<5)
	return append(code, le64(e.target)...), nil
}

// nearBranch encodes op (B or BL) at addr, if target is in range.
func nearBranch(op uint32, addr, target uint64) ([]byte, bool) {
	code := binary.LittleEndian.AppendUint32(nil, op)
	disp, err := imm26Field.Displacement(addr, instSize, target)
	if err != nil {
		return nil, false
	}
	if err := imm26Field.Put(code, disp); err != nil {
		return nil, false
	}
	return code, true
}

func appendWords(code []byte, words ...uint32) []byte {
	for _, w := range words {
		code = binary.LittleEndian.AppendUint32(code, w)
	}
	return code
}

func branch(op uint32, target uint64, label string) reloc.Instr {
	return reloc.PCRelative(binary.LittleEndian.AppendUint32(nil, op), imm26Field, target).WithLabel(label)
}

func tempWord(temp reloc.TempID, enc func(isa.Reg) uint32) reloc.Instr {
	return reloc.WithTemps(instSize, func(regs []isa.Reg) (reloc.Instr, error) {
		return word(enc(regs[0])), nil
	}, temp)
}

func word(enc uint32) reloc.Instr {
	return reloc.Raw(binary.LittleEndian.AppendUint32(nil, enc)...)
}

// ldrLiteral encodes ldr xt, #offset.
func ldrLiteral(rt isa.Reg, offset uint32) uint32 {
	return opLDRLit64 | (offset/4)<<5 | uint32(rt)
}

// stpPre encodes stp rt, rt2, [sp, #-16]!.
func stpPre(rt, rt2 isa.Reg) uint32 {
	const imm7 = 0x7e // -2 * 8
	return opSTPPre64 | imm7<<15 | uint32(rt2)<<10 | uint32(SP)<<5 | uint32(rt)
}

// ldpPost encodes ldp rt, rt2, [sp], #16.
func ldpPost(rt, rt2 isa.Reg) uint32 {
	const imm7 = 0x02
	return opLDPPost64 | imm7<<15 | uint32(rt2)<<10 | uint32(SP)<<5 | uint32(rt)
}

func le64(v uint64) []byte {
	return binary.LittleEndian.AppendUint64(nil, v)
}
