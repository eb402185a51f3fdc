package amd64

import (
	"strings"

	"golang.org/x/arch/x86/x86asm"

	"github.com/isseis/go-patch-engine/internal/isa"
)

// bitMode is the x86asm decoding mode for 64-bit code.
const bitMode = 64

// Decoder implements isa.Decoder and isa.Disassembler for x86-64.
type Decoder struct{}

// NewDecoder creates a new Decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Decode decodes a single x86-64 instruction located at addr.
func (d *Decoder) Decode(code []byte, addr uint64) (isa.Instruction, error) {
	if len(code) == 0 {
		return isa.Instruction{}, &isa.DecodeError{Addr: addr, Err: isa.ErrEmptyCode}
	}
	inst, err := x86asm.Decode(code, bitMode)
	if err != nil {
		return isa.Instruction{}, &isa.DecodeError{Addr: addr, Err: err}
	}

	raw := make([]byte, inst.Len)
	copy(raw, code[:inst.Len])

	out := isa.Instruction{
		Address:  addr,
		Raw:      raw,
		Mnemonic: strings.ToLower(inst.Op.String()),
	}
	out.Class, out.Conditional, out.Indirect = classify(inst)
	out.Reads, out.Writes = registerUse(inst)
	out.PCRel = pcRel(inst, addr)

	return out, nil
}

// Disassemble renders one instruction in Intel syntax.
func (d *Decoder) Disassemble(code []byte, pc uint64) (string, int, error) {
	inst, err := x86asm.Decode(code, bitMode)
	if err != nil {
		return "", 0, err
	}
	return strings.ToLower(x86asm.IntelSyntax(inst, pc, nil)), inst.Len, nil
}

func classify(inst x86asm.Inst) (isa.Class, bool, bool) {
	_, direct := inst.Args[0].(x86asm.Rel)

	switch inst.Op {
	case x86asm.JMP:
		return isa.ClassBranch, false, !direct
	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE,
		x86asm.JE, x86asm.JG, x86asm.JGE, x86asm.JL, x86asm.JLE,
		x86asm.JNE, x86asm.JNO, x86asm.JNP, x86asm.JNS, x86asm.JO,
		x86asm.JP, x86asm.JS, x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ,
		x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		return isa.ClassBranch, true, false
	case x86asm.CALL:
		return isa.ClassCall, false, !direct
	case x86asm.RET, x86asm.LRET, x86asm.IRET, x86asm.IRETD, x86asm.IRETQ:
		return isa.ClassReturn, false, true
	}
	return isa.ClassOther, false, false
}

// pureWrite lists operations that overwrite their first operand without reading it.
var pureWrite = map[x86asm.Op]bool{
	x86asm.MOV:    true,
	x86asm.MOVZX:  true,
	x86asm.MOVSX:  true,
	x86asm.MOVSXD: true,
	x86asm.LEA:    true,
	x86asm.POP:    true,
}

// readOnly lists operations that do not write their first operand.
var readOnly = map[x86asm.Op]bool{
	x86asm.CMP:  true,
	x86asm.TEST: true,
	x86asm.PUSH: true,
	x86asm.JMP:  true,
	x86asm.CALL: true,
	x86asm.BT:   true,
}

type implicitUse struct {
	reads, writes isa.RegSet
}

var (
	stackUse  = implicitUse{reads: isa.NewRegSet(RSP), writes: isa.NewRegSet(RSP)}
	mulDivUse = implicitUse{reads: isa.NewRegSet(RAX, RDX), writes: isa.NewRegSet(RAX, RDX)}
	stringUse = implicitUse{reads: isa.NewRegSet(RSI, RDI, RCX, RAX), writes: isa.NewRegSet(RSI, RDI, RCX)}
	loopUse   = implicitUse{reads: isa.NewRegSet(RCX), writes: isa.NewRegSet(RCX)}
)

// implicitOperands lists registers used without appearing in Args.
var implicitOperands = map[x86asm.Op]implicitUse{
	x86asm.PUSH:    stackUse,
	x86asm.POP:     stackUse,
	x86asm.PUSHF:   stackUse,
	x86asm.PUSHFQ:  stackUse,
	x86asm.POPFQ:   stackUse,
	x86asm.CALL:    stackUse,
	x86asm.RET:     stackUse,
	x86asm.LRET:    stackUse,
	x86asm.IRETQ:   stackUse,
	x86asm.ENTER:   {reads: isa.NewRegSet(RSP, RBP), writes: isa.NewRegSet(RSP, RBP)},
	x86asm.LEAVE:   {reads: isa.NewRegSet(RSP, RBP), writes: isa.NewRegSet(RSP, RBP)},
	x86asm.MUL:     mulDivUse,
	x86asm.IMUL:    mulDivUse,
	x86asm.DIV:     mulDivUse,
	x86asm.IDIV:    mulDivUse,
	x86asm.CWD:     {reads: isa.NewRegSet(RAX), writes: isa.NewRegSet(RDX)},
	x86asm.CDQ:     {reads: isa.NewRegSet(RAX), writes: isa.NewRegSet(RDX)},
	x86asm.CQO:     {reads: isa.NewRegSet(RAX), writes: isa.NewRegSet(RDX)},
	x86asm.CBW:     {reads: isa.NewRegSet(RAX), writes: isa.NewRegSet(RAX)},
	x86asm.CWDE:    {reads: isa.NewRegSet(RAX), writes: isa.NewRegSet(RAX)},
	x86asm.CDQE:    {reads: isa.NewRegSet(RAX), writes: isa.NewRegSet(RAX)},
	x86asm.CMPXCHG: {reads: isa.NewRegSet(RAX), writes: isa.NewRegSet(RAX)},
	x86asm.XLATB:   {reads: isa.NewRegSet(RAX, RBX), writes: isa.NewRegSet(RAX)},
	x86asm.CPUID:   {reads: isa.NewRegSet(RAX, RCX), writes: isa.NewRegSet(RAX, RBX, RCX, RDX)},
	x86asm.RDTSC:   {writes: isa.NewRegSet(RAX, RDX)},
	x86asm.SYSCALL: {reads: isa.NewRegSet(RAX, RDI, RSI, RDX, R10, R8, R9), writes: isa.NewRegSet(RAX, RCX, R11)},
	x86asm.LOOP:    loopUse,
	x86asm.LOOPE:   loopUse,
	x86asm.LOOPNE:  loopUse,
	x86asm.JCXZ:    {reads: isa.NewRegSet(RCX)},
	x86asm.JECXZ:   {reads: isa.NewRegSet(RCX)},
	x86asm.JRCXZ:   {reads: isa.NewRegSet(RCX)},
	x86asm.MOVSB:   stringUse,
	x86asm.MOVSW:   stringUse,
	x86asm.MOVSD:   stringUse,
	x86asm.MOVSQ:   stringUse,
	x86asm.STOSB:   stringUse,
	x86asm.STOSW:   stringUse,
	x86asm.STOSD:   stringUse,
	x86asm.STOSQ:   stringUse,
	x86asm.LODSB:   {reads: isa.NewRegSet(RSI, RCX), writes: isa.NewRegSet(RSI, RCX, RAX)},
	x86asm.LODSW:   {reads: isa.NewRegSet(RSI, RCX), writes: isa.NewRegSet(RSI, RCX, RAX)},
	x86asm.LODSD:   {reads: isa.NewRegSet(RSI, RCX), writes: isa.NewRegSet(RSI, RCX, RAX)},
	x86asm.LODSQ:   {reads: isa.NewRegSet(RSI, RCX), writes: isa.NewRegSet(RSI, RCX, RAX)},
	x86asm.SCASB:   stringUse,
	x86asm.SCASW:   stringUse,
	x86asm.SCASD:   stringUse,
	x86asm.SCASQ:   stringUse,
	x86asm.CMPSB:   stringUse,
	x86asm.CMPSW:   stringUse,
	x86asm.CMPSD:   stringUse,
	x86asm.CMPSQ:   stringUse,
}

func registerUse(inst x86asm.Inst) (isa.RegSet, isa.RegSet) {
	var reads, writes isa.RegSet

	for i, arg := range inst.Args {
		if arg == nil {
			break
		}
		switch a := arg.(type) {
		case x86asm.Reg:
			r, ok := family(a)
			if !ok {
				continue
			}
			if i > 0 || readOnly[inst.Op] {
				reads = reads.With(r)
				continue
			}
			writes = writes.With(r)
			if !pureWrite[inst.Op] {
				reads = reads.With(r)
			}
		case x86asm.Mem:
			if r, ok := family(a.Base); ok {
				reads = reads.With(r)
			}
			if r, ok := family(a.Index); ok {
				reads = reads.With(r)
			}
		}
	}
	// xchg swaps both operands
	if inst.Op == x86asm.XCHG {
		writes = writes.Union(reads)
	}

	if imp, ok := implicitOperands[inst.Op]; ok {
		reads = reads.Union(imp.reads)
		writes = writes.Union(imp.writes)
	}
	return reads, writes
}

func pcRel(inst x86asm.Inst, addr uint64) *isa.PCRel {
	if inst.PCRel == 0 {
		return nil
	}
	end := addr + uint64(inst.Len)
	field := isa.DispField{
		Ranges: []isa.BitRange{{Pos: uint(inst.PCRelOff) * 8, Width: uint(inst.PCRel) * 8}},
		Base:   isa.BaseEnd,
	}
	for _, arg := range inst.Args {
		switch a := arg.(type) {
		case x86asm.Rel:
			return &isa.PCRel{Target: end + uint64(int64(a)), Field: field}
		case x86asm.Mem:
			if a.Base == x86asm.RIP {
				return &isa.PCRel{Target: end + uint64(a.Disp), Field: field}
			}
		}
	}
	return nil
}
