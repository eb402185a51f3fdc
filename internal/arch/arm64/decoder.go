package arm64

import (
	"encoding/binary"
	"strings"

	"golang.org/x/arch/arm64/arm64asm"

	"github.com/isseis/go-patch-engine/internal/isa"
)

// instSize is the fixed A64 instruction length.
const instSize = 4

// Displacement fields of the PC-relative encodings.
var (
	imm26Field = isa.DispField{Ranges: []isa.BitRange{{Pos: 0, Width: 26}}, Scale: 4}
	imm19Field = isa.DispField{Ranges: []isa.BitRange{{Pos: 5, Width: 19}}, Scale: 4}
	imm14Field = isa.DispField{Ranges: []isa.BitRange{{Pos: 5, Width: 14}}, Scale: 4}
	adrField   = isa.DispField{Ranges: []isa.BitRange{{Pos: 29, Width: 2}, {Pos: 5, Width: 19}}, Scale: 1}
	adrpField  = isa.DispField{Ranges: []isa.BitRange{{Pos: 29, Width: 2}, {Pos: 5, Width: 19}}, Scale: 4096, Base: isa.BasePage}
)

// Encoding classes, matched on (enc & mask) == value.
type encClass struct {
	mask, value uint32
}

var (
	encBranch    = encClass{0x7c000000, 0x14000000} // B, BL
	encBCond     = encClass{0xff000010, 0x54000000}
	encCompareBr = encClass{0x7e000000, 0x34000000} // CBZ, CBNZ
	encTestBr    = encClass{0x7e000000, 0x36000000} // TBZ, TBNZ
	encLiteral   = encClass{0x3b000000, 0x18000000} // LDR/LDRSW/PRFM (literal)
	encADR       = encClass{0x9f000000, 0x10000000}
	encADRP      = encClass{0x9f000000, 0x90000000}
)

func (c encClass) match(enc uint32) bool {
	return enc&c.mask == c.value
}

// Decoder implements isa.Decoder and isa.Disassembler for AArch64.
type Decoder struct{}

// NewDecoder creates a new Decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Decode decodes the instruction word at addr.
func (d *Decoder) Decode(code []byte, addr uint64) (isa.Instruction, error) {
	if len(code) == 0 {
		return isa.Instruction{}, &isa.DecodeError{Addr: addr, Err: isa.ErrEmptyCode}
	}
	inst, err := arm64asm.Decode(code)
	if err != nil {
		return isa.Instruction{}, &isa.DecodeError{Addr: addr, Err: err}
	}

	raw := make([]byte, instSize)
	copy(raw, code[:instSize])

	out := isa.Instruction{
		Address:  addr,
		Raw:      raw,
		Mnemonic: mnemonic(inst),
	}
	out.Class, out.Conditional, out.Indirect = classify(inst)
	out.Reads, out.Writes = registerUse(inst)
	out.PCRel = pcRel(raw, addr)

	return out, nil
}

// Disassemble renders one instruction in GNU syntax.
func (d *Decoder) Disassemble(code []byte, _ uint64) (string, int, error) {
	inst, err := arm64asm.Decode(code)
	if err != nil {
		return "", 0, err
	}
	return arm64asm.GNUSyntax(inst), instSize, nil
}

func mnemonic(inst arm64asm.Inst) string {
	if c, ok := inst.Args[0].(arm64asm.Cond); ok && inst.Op == arm64asm.B {
		return "b." + strings.ToLower(c.String())
	}
	return strings.ToLower(inst.Op.String())
}

// condAlways reports whether a condition code is AL or NV.
func condAlways(cond uint32) bool {
	return cond&0xe == 0xe
}

func classify(inst arm64asm.Inst) (isa.Class, bool, bool) {
	switch inst.Op {
	case arm64asm.B:
		if encBCond.match(inst.Enc) {
			return isa.ClassBranch, !condAlways(inst.Enc & 0xf), false
		}
		return isa.ClassBranch, false, false
	case arm64asm.CBZ, arm64asm.CBNZ, arm64asm.TBZ, arm64asm.TBNZ:
		return isa.ClassBranch, true, false
	case arm64asm.BL:
		return isa.ClassCall, false, false
	case arm64asm.BR:
		return isa.ClassBranch, false, true
	case arm64asm.BLR:
		return isa.ClassCall, false, true
	case arm64asm.RET, arm64asm.ERET:
		return isa.ClassReturn, false, true
	}
	return isa.ClassOther, false, false
}

// storeOps read their first operand.
var storeOps = map[arm64asm.Op]bool{
	arm64asm.STR:   true,
	arm64asm.STRB:  true,
	arm64asm.STRH:  true,
	arm64asm.STUR:  true,
	arm64asm.STURB: true,
	arm64asm.STURH: true,
	arm64asm.STP:   true,
	arm64asm.STNP:  true,
	arm64asm.STLR:  true,
	arm64asm.STLRB: true,
	arm64asm.STLRH: true,
}

// pairLoads write their first two operands.
var pairLoads = map[arm64asm.Op]bool{
	arm64asm.LDP:   true,
	arm64asm.LDNP:  true,
	arm64asm.LDPSW: true,
	arm64asm.LDXP:  true,
	arm64asm.LDAXP: true,
}

// readOnly lists operations without a destination register.
var readOnly = map[arm64asm.Op]bool{
	arm64asm.CMP:  true,
	arm64asm.CMN:  true,
	arm64asm.TST:  true,
	arm64asm.CCMP: true,
	arm64asm.CCMN: true,
	arm64asm.CBZ:  true,
	arm64asm.CBNZ: true,
	arm64asm.TBZ:  true,
	arm64asm.TBNZ: true,
	arm64asm.BR:   true,
	arm64asm.BLR:  true,
	arm64asm.RET:  true,
	arm64asm.PRFM: true,
}

// readModifyWrite lists operations whose destination is also a source.
var readModifyWrite = map[arm64asm.Op]bool{
	arm64asm.MOVK:  true,
	arm64asm.BFI:   true,
	arm64asm.BFXIL: true,
	arm64asm.BFM:   true,
}

func registerUse(inst arm64asm.Inst) (isa.RegSet, isa.RegSet) {
	var reads, writes isa.RegSet

	isDest := func(i int) bool {
		switch {
		case readOnly[inst.Op], storeOps[inst.Op]:
			return false
		case pairLoads[inst.Op]:
			return i < 2
		}
		return i == 0
	}
	use := func(i int, r isa.Reg) {
		if !isDest(i) {
			reads = reads.With(r)
			return
		}
		writes = writes.With(r)
		if readModifyWrite[inst.Op] {
			reads = reads.With(r)
		}
	}

	for i, arg := range inst.Args {
		if arg == nil {
			break
		}
		switch a := arg.(type) {
		case arm64asm.Reg:
			if r, ok := family(a); ok {
				use(i, r)
			}
		case arm64asm.RegSP:
			if r, ok := familySP(a); ok {
				use(i, r)
			}
		case arm64asm.RegExtshiftAmount:
			// Always the Rm operand; its register is not exported.
			if rm := (inst.Enc >> 16) & 0x1f; rm != 31 {
				reads = reads.With(isa.Reg(rm))
			}
		case arm64asm.MemImmediate:
			r, ok := familySP(a.Base)
			if !ok {
				continue
			}
			reads = reads.With(r)
			if a.Mode == arm64asm.AddrPreIndex || a.Mode == arm64asm.AddrPostIndex || a.Mode == arm64asm.AddrPostReg {
				writes = writes.With(r)
			}
		case arm64asm.MemExtend:
			if r, ok := familySP(a.Base); ok {
				reads = reads.With(r)
			}
			if r, ok := family(a.Index); ok {
				reads = reads.With(r)
			}
		}
	}
	if inst.Op == arm64asm.BL || inst.Op == arm64asm.BLR {
		writes = writes.With(LR)
	}
	return reads, writes
}

func pcRel(raw []byte, addr uint64) *isa.PCRel {
	enc := binary.LittleEndian.Uint32(raw)

	var field isa.DispField
	switch {
	case encBranch.match(enc):
		field = imm26Field
	case encBCond.match(enc), encCompareBr.match(enc), encLiteral.match(enc):
		field = imm19Field
	case encTestBr.match(enc):
		field = imm14Field
	case encADR.match(enc):
		field = adrField
	case encADRP.match(enc):
		field = adrpField
	default:
		return nil
	}
	disp, err := field.Extract(raw)
	if err != nil {
		return nil
	}
	return &isa.PCRel{Target: field.Target(addr, instSize, disp), Field: field}
}
