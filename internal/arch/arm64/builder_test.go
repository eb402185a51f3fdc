package arm64

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isseis/go-patch-engine/internal/arch"
	"github.com/isseis/go-patch-engine/internal/isa"
	"github.com/isseis/go-patch-engine/internal/reloc"
)

func decodeAt(t *testing.T, addr uint64, code []byte) isa.Instruction {
	t.Helper()
	inst, err := NewDecoder().Decode(code, addr)
	require.NoError(t, err)
	return inst
}

func emitAt(t *testing.T, seq []reloc.Instr, addr uint64, b reloc.Bindings) []byte {
	t.Helper()
	out, err := reloc.EmitAll(seq, addr, b)
	require.NoError(t, err)
	return out
}

func quad(v uint64) []byte {
	return binary.LittleEndian.AppendUint64(nil, v)
}

func TestBuilder_RelocateConditional(t *testing.T) {
	tests := []struct {
		name     string
		enc      uint32
		inverted string
	}{
		{name: "b.ne", enc: 0x54000081, inverted: "b.eq"},
		{name: "cbz", enc: 0xb4000100, inverted: "cbnz"},
		{name: "tbz", enc: 0x36180081, inverted: "tbnz"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst := decodeAt(t, 0x1000, le(tt.enc))
			seq, err := Builder{}.RelocateBranch(&inst)
			require.NoError(t, err)
			require.Len(t, seq, 2)

			const base = 0x8000
			out := emitAt(t, seq, base, nil)
			require.Len(t, out, 8)

			skip := decodeAt(t, base, out[:4])
			assert.Equal(t, tt.inverted, skip.Mnemonic)
			assert.Equal(t, uint64(base+8), skip.PCRel.Target)
			assert.Equal(t, inst.Reads, skip.Reads, "operands must be preserved")

			jump := decodeAt(t, base+4, out[4:])
			assert.Equal(t, "b", jump.Mnemonic)
			assert.Equal(t, inst.PCRel.Target, jump.PCRel.Target)
		})
	}
}

func TestBuilder_RelocateUnconditionalCopies(t *testing.T) {
	inst := decodeAt(t, 0x1000, le(0x14000400))
	seq, err := Builder{}.RelocateBranch(&inst)
	require.NoError(t, err)
	require.Len(t, seq, 1)

	moved := decodeAt(t, 0x5000, emitAt(t, seq, 0x5000, nil))
	assert.Equal(t, uint64(0x2000), moved.PCRel.Target)

	// Beyond ±128MB the branch cannot be placed.
	_, err = reloc.EmitAll(seq, 0x100000000, nil)
	var relErr *reloc.RelocationError
	require.ErrorAs(t, err, &relErr)
	assert.ErrorIs(t, err, reloc.ErrDisplacementOverflow)
	assert.Equal(t, uint(26), relErr.Width)
}

func TestBuilder_JumpAbsolute(t *testing.T) {
	tests := []struct {
		name string
		enc  uint32
		want []byte
	}{
		{
			name: "b",
			enc:  0x14000400,
			want: concat(le(0x58000050, 0xd61f0200), quad(0x2000)),
		},
		{
			name: "bl loads the original return address",
			enc:  0x94000400,
			want: concat(le(0x5800007e, 0x58000090, 0xd61f0200), quad(0x1004), quad(0x2000)),
		},
		{
			name: "b.ne",
			enc:  0x54000081,
			want: concat(le(0x540000a0, 0x58000050, 0xd61f0200), quad(0x1010)),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst := decodeAt(t, 0x1000, le(tt.enc))
			seq, err := Builder{}.JumpAbsolute(&inst)
			require.NoError(t, err)

			got := emitAt(t, seq, 0xffff000000, nil)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("JumpAbsolute() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestBuilder_JumpAbsoluteRejectsIndirect(t *testing.T) {
	inst := decodeAt(t, 0x1000, le(0xd65f03c0))
	_, err := Builder{}.JumpAbsolute(&inst)
	assert.ErrorIs(t, err, arch.ErrNotDirectBranch)
}

func TestBuilder_TempPrimitives(t *testing.T) {
	b := reloc.Bindings{0: X9}

	tests := []struct {
		name string
		seq  []reloc.Instr
		want []byte
	}{
		{name: "save", seq: Builder{}.SaveTemp(0), want: le(0xa9bf7be9)},
		{name: "restore", seq: Builder{}.RestoreTemp(0), want: le(0xa8c17be9)},
		{name: "call", seq: Builder{}.CallTemp(0), want: le(0xd63f0120)},
		{name: "load", seq: Builder{}.LoadImmediate(0, 0xdeadbeef), want: concat(le(0x58000049, 0x14000003), quad(0xdeadbeef))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, emitAt(t, tt.seq, 0x4000, b))
			assert.Equal(t, len(tt.want), reloc.TotalSize(tt.seq))
		})
	}
}

func TestBuilder_SaveTempKeepsLinkRegister(t *testing.T) {
	out := emitAt(t, Builder{}.SaveTemp(0), 0, reloc.Bindings{0: X(12)})
	inst := decodeAt(t, 0, out)
	assert.Equal(t, "stp", inst.Mnemonic)
	assert.True(t, inst.Reads.Has(X(12)))
	assert.True(t, inst.Reads.Has(LR))
	assert.True(t, inst.Writes.Has(SP))
}

func TestBuilder_Call(t *testing.T) {
	near := emitAt(t, Builder{}.Call(0x7000), 0x5000, nil)
	require.Len(t, near, 36)
	assert.Equal(t, le(0xa9bf7bfd), near[:4])
	call := decodeAt(t, 0x5004, near[4:8])
	assert.Equal(t, isa.ClassCall, call.Class)
	assert.Equal(t, uint64(0x7000), call.PCRel.Target)
	assert.Equal(t, le(0x14000006, opBrk, opBrk, opBrk, opBrk, opBrk), near[8:32])
	assert.Equal(t, le(0xa8c17bfd), near[32:])

	// Out of BL range: x16 and x17 are saved around blr x16.
	far := emitAt(t, Builder{}.Call(0x7f00dead0000), 0x7f0000000000, nil)
	want := concat(
		le(0xa9bf7bfd, 0xa9bf47f0, 0x58000050, 0x14000003),
		quad(0x7f00dead0000),
		le(0xd63f0200, 0xa8c147f0, 0xa8c17bfd),
	)
	if diff := cmp.Diff(want, far); diff != "" {
		t.Errorf("Call() mismatch (-want +got):\n%s", diff)
	}
}

func TestBuilder_Exit(t *testing.T) {
	seq := Builder{}.Exit(0x1008)
	require.Len(t, seq, 1)
	assert.Equal(t, "exit to 0x1008", seq[0].Label())
	assert.Equal(t, 16, reloc.TotalSize(seq))

	near := emitAt(t, seq, 0x40000, nil)
	b := decodeAt(t, 0x40000, near[:4])
	assert.Equal(t, isa.ClassBranch, b.Class)
	assert.False(t, b.Conditional)
	assert.Equal(t, uint64(0x1008), b.PCRel.Target)
	assert.Equal(t, le(opBrk, opBrk, opBrk), near[4:])

	far := emitAt(t, seq, 0x7f0000000000, nil)
	assert.Equal(t, concat(le(0x58000050, 0xd61f0200), quad(0x1008)), far)
}

func TestNewContext(t *testing.T) {
	ctx := NewContext()
	require.NoError(t, ctx.Validate())

	assert.Equal(t, isa.ArchARM64, ctx.Arch)
	assert.Equal(t, 26, ctx.MaxTemps())
	assert.Equal(t, "sp", ctx.RegName(ctx.StackPointer))
	assert.Equal(t, "x30", ctx.RegName(ctx.LinkRegister))
	for _, r := range ctx.Scratch {
		assert.NotContains(t, []isa.Reg{X16, X17, 18, FP, LR, SP}, r)
	}

	r, err := ctx.RegByName("X9")
	require.NoError(t, err)
	assert.Equal(t, X9, r)

	_, err = ctx.WithScratch(LR)
	assert.ErrorIs(t, err, arch.ErrReservedScratch)
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
