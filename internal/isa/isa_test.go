package isa

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegSet(t *testing.T) {
	s := NewRegSet(0, 3, 17)

	assert.True(t, s.Has(3))
	assert.False(t, s.Has(4))
	assert.False(t, s.Has(NoReg))
	assert.Equal(t, 3, s.Len())
	assert.Equal(t, []Reg{0, 3, 17}, s.Regs())
	assert.Equal(t, s, s.With(NoReg))
	assert.Equal(t, NewRegSet(0, 1, 3, 17), s.Union(NewRegSet(1)))
}

func TestParseClass(t *testing.T) {
	tests := []struct {
		in   string
		want Class
	}{
		{"branch", ClassBranch},
		{"Call", ClassCall},
		{"ret", ClassReturn},
		{" return ", ClassReturn},
		{"other", ClassOther},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseClass(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseClass("syscall")
	assert.ErrorIs(t, err, ErrUnknownClass)
}

func TestParseArch(t *testing.T) {
	a, err := ParseArch("x86_64")
	require.NoError(t, err)
	assert.Equal(t, ArchAMD64, a)

	a, err = ParseArch("AArch64")
	require.NoError(t, err)
	assert.Equal(t, ArchARM64, a)

	_, err = ParseArch("mips")
	assert.ErrorIs(t, err, ErrUnknownArch)
}

func TestInstruction_IsDirectBranch(t *testing.T) {
	rel := &PCRel{Target: 0x2000}

	assert.True(t, (&Instruction{Class: ClassBranch, PCRel: rel}).IsDirectBranch())
	assert.True(t, (&Instruction{Class: ClassCall, PCRel: rel}).IsDirectBranch())
	assert.False(t, (&Instruction{Class: ClassOther, PCRel: rel}).IsDirectBranch())
	assert.False(t, (&Instruction{Class: ClassBranch, Indirect: true}).IsDirectBranch())
}
