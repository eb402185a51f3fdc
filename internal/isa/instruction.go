package isa

import "fmt"

// PCRel describes the PC-relative operand of an instruction: the absolute
// address it resolves to at the instruction's original location and the
// field holding the displacement.
type PCRel struct {
	Target uint64
	Field  DispField
}

// Instruction is an immutable description of one decoded instruction.
// It is produced by a Decoder and consumed read-only by conditions and
// generators for the duration of one patch operation.
type Instruction struct {
	// Address is the instruction's original virtual address.
	Address uint64

	// Raw contains the original encoding. It must not be modified.
	Raw []byte

	// Mnemonic is the lower-case opcode name (e.g. "jmp", "b.ne").
	Mnemonic string

	Class       Class
	Conditional bool
	Indirect    bool

	// Reads and Writes hold the register families the instruction uses,
	// including implicit operands.
	Reads  RegSet
	Writes RegSet

	// PCRel is nil unless the encoding contains a PC-relative operand.
	PCRel *PCRel
}

// Len returns the encoded length in bytes.
func (i *Instruction) Len() int {
	return len(i.Raw)
}

// End returns the address of the following instruction.
func (i *Instruction) End() uint64 {
	return i.Address + uint64(len(i.Raw))
}

// Uses returns every register the instruction reads or writes.
func (i *Instruction) Uses() RegSet {
	return i.Reads.Union(i.Writes)
}

// IsPCRelative reports whether the encoding depends on the instruction address.
func (i *Instruction) IsPCRelative() bool {
	return i.PCRel != nil
}

// IsDirectBranch reports whether the instruction transfers control to a
// PC-relative target (jmp/jcc/call rel, b/bl/cbz/...).
func (i *Instruction) IsDirectBranch() bool {
	return i.PCRel != nil && !i.Indirect && (i.Class == ClassBranch || i.Class == ClassCall)
}

// Bytes returns a copy of the original encoding.
func (i *Instruction) Bytes() []byte {
	out := make([]byte, len(i.Raw))
	copy(out, i.Raw)
	return out
}

func (i *Instruction) String() string {
	return fmt.Sprintf("%#x: %s (% x)", i.Address, i.Mnemonic, i.Raw)
}

// Decoder decodes a single instruction from code located at addr.
type Decoder interface {
	Decode(code []byte, addr uint64) (Instruction, error)
}

// Disassembler renders one instruction of already generated code for
// listings. It returns the text and the number of bytes consumed.
type Disassembler interface {
	Disassemble(code []byte, pc uint64) (string, int, error)
}
