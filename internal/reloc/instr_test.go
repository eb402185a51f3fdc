package reloc

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isseis/go-patch-engine/internal/isa"
)

var rel32 = isa.DispField{Ranges: []isa.BitRange{{Pos: 8, Width: 32}}, Base: isa.BaseEnd}

func TestRaw_EmitIsAddressIndependent(t *testing.T) {
	in := Raw(0x90, 0xc3)

	a, err := in.Emit(0x1000, nil)
	require.NoError(t, err)
	b, err := in.Emit(0xdead0000, nil)
	require.NoError(t, err)

	assert.Equal(t, []byte{0x90, 0xc3}, a)
	assert.Equal(t, a, b)
	assert.Equal(t, 2, in.Size())
	assert.Equal(t, KindRaw, in.Kind())
}

func TestRaw_CopiesInput(t *testing.T) {
	code := []byte{0x90}
	in := Raw(code...)
	code[0] = 0xcc

	out, err := in.Emit(0, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x90}, out)

	out[0] = 0xcc
	again, err := in.Emit(0, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x90}, again)
}

func TestPCRelative_Emit(t *testing.T) {
	// Relative branch to 0x2000 originally at 0x1000, relocated to 0x5000.
	in := PCRelative([]byte{0xe9, 0, 0, 0, 0}, rel32, 0x2000)

	tests := []struct {
		name string
		addr uint64
	}{
		{name: "original address", addr: 0x1000},
		{name: "relocated", addr: 0x5000},
		{name: "far but in range", addr: 0x7fff0000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := in.Emit(tt.addr, nil)
			require.NoError(t, err)
			disp, err := rel32.Extract(out)
			require.NoError(t, err)
			assert.Equal(t, int64(0x2000)-int64(tt.addr+5), disp)
			assert.Equal(t, uint64(0x2000), rel32.Target(tt.addr, len(out), disp))
		})
	}
}

func TestPCRelative_Overflow(t *testing.T) {
	in := PCRelative([]byte{0xe9, 0, 0, 0, 0}, rel32, 0x2000)

	_, err := in.Emit(0x7f0000000000, nil)
	require.Error(t, err)

	var relErr *RelocationError
	require.True(t, errors.As(err, &relErr))
	assert.Equal(t, uint64(0x7f0000000000), relErr.Addr)
	assert.Equal(t, uint64(0x2000), relErr.Target)
	assert.Equal(t, uint(32), relErr.Width)
	assert.ErrorIs(t, err, ErrDisplacementOverflow)
}

func TestWithTemps_Resolve(t *testing.T) {
	build := func(regs []isa.Reg) (Instr, error) {
		return Raw(0x50 + byte(regs[0])), nil
	}
	in := WithTemps(1, build, 0).WithLabel("push temp")

	_, err := in.Emit(0, nil)
	assert.ErrorIs(t, err, ErrUnboundTemp)

	bound, err := in.Resolve(Bindings{0: 3})
	require.NoError(t, err)
	assert.Equal(t, KindRaw, bound.Kind())
	assert.Equal(t, "push temp", bound.Label())

	out, err := in.Emit(0x4000, Bindings{0: 3})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x53}, out)
}

func TestWithTemps_SizeMismatch(t *testing.T) {
	build := func([]isa.Reg) (Instr, error) {
		return Raw(0x41, 0x50), nil
	}
	in := WithTemps(1, build, 0)

	_, err := in.Resolve(Bindings{0: 8})
	assert.ErrorIs(t, err, ErrSizeMismatch)
}

func TestWithTemps_ResolvesToPCRelative(t *testing.T) {
	build := func(regs []isa.Reg) (Instr, error) {
		return PCRelative([]byte{0x48, 0x8d, 0x05 | byte(regs[0])<<3, 0, 0, 0, 0},
			isa.DispField{Ranges: []isa.BitRange{{Pos: 24, Width: 32}}, Base: isa.BaseEnd}, 0x9000), nil
	}
	in := WithTemps(7, build, 2)

	out, err := in.Emit(0x8000, Bindings{2: 1})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x48, 0x8d, 0x0d, 0xf9, 0x0f, 0x00, 0x00}, out)
}

type fixedEmitter struct {
	out []byte
}

func (f fixedEmitter) Size() int { return 4 }

func (f fixedEmitter) Emit(uint64, Bindings) ([]byte, error) { return f.out, nil }

func TestCustom(t *testing.T) {
	ok := Custom(fixedEmitter{out: []byte{1, 2, 3, 4}})
	out, err := ok.Emit(0, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, out)

	bad := Custom(fixedEmitter{out: []byte{1}})
	_, err = bad.Emit(0, nil)
	assert.ErrorIs(t, err, ErrSizeMismatch)
}

func TestCustom_NilEmitter(t *testing.T) {
	var in Instr
	require.NotPanics(t, func() { in = Custom(nil) })
	assert.Equal(t, KindCustom, in.Kind())
	assert.Zero(t, in.Size())

	_, err := in.Emit(0x1000, nil)
	assert.ErrorIs(t, err, ErrNilEmitter)
	_, err = EmitAll([]Instr{Raw(0x90), in}, 0x1000, nil)
	assert.ErrorIs(t, err, ErrNilEmitter)
}

func TestEmitAll(t *testing.T) {
	seq := []Instr{
		Raw(0x90),
		PCRelative([]byte{0xe9, 0, 0, 0, 0}, rel32, 0x1000),
	}

	out, err := EmitAll(seq, 0x1000, nil)
	require.NoError(t, err)
	// jmp at 0x1001 back to 0x1000: disp = 0x1000 - 0x1006 = -6
	assert.Equal(t, []byte{0x90, 0xe9, 0xfa, 0xff, 0xff, 0xff}, out)
	assert.Equal(t, 6, TotalSize(seq))
}
