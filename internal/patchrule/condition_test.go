package patchrule

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isseis/go-patch-engine/internal/arch"
	"github.com/isseis/go-patch-engine/internal/arch/amd64"
	"github.com/isseis/go-patch-engine/internal/isa"
)

func decodeAMD64(t *testing.T, addr uint64, code ...byte) *isa.Instruction {
	t.Helper()
	inst, err := amd64.NewDecoder().Decode(code, addr)
	require.NoError(t, err)
	return &inst
}

func TestConditions(t *testing.T) {
	ctx := amd64.NewContext()

	ret := decodeAMD64(t, 0x1000, 0xc3)
	jne := decodeAMD64(t, 0x2000, 0x75, 0x10)
	callRAX := decodeAMD64(t, 0x3000, 0xff, 0xd0)
	movRAXRCX := decodeAMD64(t, 0x4000, 0x48, 0x89, 0xc8)
	ripLoad := decodeAMD64(t, 0x5000, 0x48, 0x8b, 0x05, 0x10, 0x00, 0x00, 0x00)

	tests := []struct {
		name  string
		cond  Condition
		match []*isa.Instruction
		miss  []*isa.Instruction
	}{
		{
			name:  "true",
			cond:  True(),
			match: []*isa.Instruction{ret, jne, callRAX, movRAXRCX},
		},
		{
			name:  "class return",
			cond:  ClassIs(isa.ClassReturn),
			match: []*isa.Instruction{ret},
			miss:  []*isa.Instruction{jne, callRAX, movRAXRCX},
		},
		{
			name:  "class branch or call",
			cond:  ClassIs(isa.ClassBranch, isa.ClassCall),
			match: []*isa.Instruction{jne, callRAX},
			miss:  []*isa.Instruction{ret, movRAXRCX},
		},
		{
			name:  "mnemonic is case-insensitive",
			cond:  MnemonicIs("MOV", "Ret"),
			match: []*isa.Instruction{ret, movRAXRCX, ripLoad},
			miss:  []*isa.Instruction{jne},
		},
		{
			name:  "reads rcx",
			cond:  ReadsReg(amd64.RCX),
			match: []*isa.Instruction{movRAXRCX},
			miss:  []*isa.Instruction{ret, callRAX},
		},
		{
			name:  "writes rax",
			cond:  WritesReg(amd64.RAX),
			match: []*isa.Instruction{movRAXRCX, ripLoad},
			miss:  []*isa.Instruction{callRAX},
		},
		{
			name:  "address range is half open",
			cond:  AddressIn(0x2000, 0x4000),
			match: []*isa.Instruction{jne, callRAX},
			miss:  []*isa.Instruction{ret, movRAXRCX},
		},
		{
			name:  "pc-relative",
			cond:  PCRelative(),
			match: []*isa.Instruction{jne, ripLoad},
			miss:  []*isa.Instruction{ret, callRAX, movRAXRCX},
		},
		{
			name:  "conditional",
			cond:  Conditional(),
			match: []*isa.Instruction{jne},
			miss:  []*isa.Instruction{ret, callRAX},
		},
		{
			name:  "indirect",
			cond:  Indirect(),
			match: []*isa.Instruction{ret, callRAX},
			miss:  []*isa.Instruction{jne, movRAXRCX},
		},
		{
			name:  "and",
			cond:  And(PCRelative(), Not(Conditional())),
			match: []*isa.Instruction{ripLoad},
			miss:  []*isa.Instruction{jne, ret},
		},
		{
			name:  "or",
			cond:  Or(ClassIs(isa.ClassReturn), MnemonicIs("jne")),
			match: []*isa.Instruction{ret, jne},
			miss:  []*isa.Instruction{movRAXRCX},
		},
		{
			name:  "empty and matches everything",
			cond:  And(),
			match: []*isa.Instruction{ret, movRAXRCX},
		},
		{
			name: "empty or matches nothing",
			cond: Or(),
			miss: []*isa.Instruction{ret, movRAXRCX},
		},
		{
			name: "func",
			cond: Func("long", func(inst *isa.Instruction, _ *arch.Context) bool {
				return inst.Len() > 4
			}),
			match: []*isa.Instruction{ripLoad},
			miss:  []*isa.Instruction{ret, movRAXRCX},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, inst := range tt.match {
				assert.True(t, tt.cond.Match(inst, ctx), "%s should match %s", tt.cond, inst)
			}
			for _, inst := range tt.miss {
				assert.False(t, tt.cond.Match(inst, ctx), "%s should not match %s", tt.cond, inst)
			}
		})
	}
}

func TestConditionString(t *testing.T) {
	cond := And(ClassIs(isa.ClassReturn), Not(AddressIn(0x10, 0x20)))
	assert.Equal(t, "and(class in [return], not(address in [0x10, 0x20)))", cond.String())

	op, children := Children(cond)
	assert.Equal(t, "and", op)
	assert.Len(t, children, 2)

	op, children = Children(True())
	assert.Empty(t, op)
	assert.Nil(t, children)
}

func TestConditionsDoNotAliasArguments(t *testing.T) {
	classes := []isa.Class{isa.ClassReturn}
	cond := ClassIs(classes...)
	classes[0] = isa.ClassBranch

	assert.True(t, cond.Match(decodeAMD64(t, 0, 0xc3), amd64.NewContext()))
}
