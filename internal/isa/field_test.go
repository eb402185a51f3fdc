package isa

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispField_Rel32(t *testing.T) {
	// jmp rel32 at 0x5000 targeting 0x2000
	field := DispField{Ranges: []BitRange{{Pos: 8, Width: 32}}, Base: BaseEnd}
	code := []byte{0xe9, 0, 0, 0, 0}

	disp, err := field.Displacement(0x5000, len(code), 0x2000)
	require.NoError(t, err)
	assert.Equal(t, int64(0x2000-0x5005), disp)

	require.NoError(t, field.Put(code, disp))
	assert.Equal(t, []byte{0xe9, 0xfb, 0xcf, 0xff, 0xff}, code)

	got, err := field.Extract(code)
	require.NoError(t, err)
	assert.Equal(t, disp, got)
	assert.Equal(t, uint64(0x2000), field.Target(0x5000, len(code), got))
}

func TestDispField_Overflow(t *testing.T) {
	field := DispField{Ranges: []BitRange{{Pos: 8, Width: 8}}, Base: BaseEnd}

	tests := []struct {
		name    string
		target  uint64
		wantErr bool
	}{
		{name: "max forward", target: 0x1002 + 127},
		{name: "max backward", target: 0x1002 - 128},
		{name: "one past forward", target: 0x1002 + 128, wantErr: true},
		{name: "one past backward", target: 0x1002 - 129, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := field.Displacement(0x1000, 2, tt.target)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrDisplacementOverflow)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestDispField_ScaledSplit(t *testing.T) {
	// arm64 ADR x0, target: immlo in bits 29-30, immhi in bits 5-23
	field := DispField{
		Ranges: []BitRange{{Pos: 29, Width: 2}, {Pos: 5, Width: 19}},
		Base:   BaseStart,
	}
	code := []byte{0x00, 0x00, 0x00, 0x10}

	disp, err := field.Displacement(0x10000, 4, 0x10000-0x1235)
	require.NoError(t, err)
	require.NoError(t, field.Put(code, disp))

	got, err := field.Extract(code)
	require.NoError(t, err)
	assert.Equal(t, int64(-0x1235), got)
	// opcode bits are preserved
	assert.Equal(t, byte(0x10), code[3]&0x9f)
}

func TestDispField_Misaligned(t *testing.T) {
	field := DispField{Ranges: []BitRange{{Pos: 0, Width: 26}}, Scale: 4, Base: BaseStart}

	_, err := field.Displacement(0x1000, 4, 0x1002)
	assert.ErrorIs(t, err, ErrMisalignedTarget)
}

func TestDispField_Page(t *testing.T) {
	field := DispField{Ranges: []BitRange{{Pos: 29, Width: 2}, {Pos: 5, Width: 19}}, Scale: 4096, Base: BasePage}

	disp, err := field.Displacement(0x401234, 4, 0x403fff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), disp)
	assert.Equal(t, uint64(0x403000), field.Target(0x401234, 4, disp))
}

func TestDispField_OutOfBounds(t *testing.T) {
	field := DispField{Ranges: []BitRange{{Pos: 8, Width: 32}}}

	err := field.Put([]byte{0xe9, 0, 0}, 1)
	assert.ErrorIs(t, err, ErrFieldOutOfBounds)
}
