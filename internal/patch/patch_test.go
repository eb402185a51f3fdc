package patch

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isseis/go-patch-engine/internal/arch"
	"github.com/isseis/go-patch-engine/internal/arch/amd64"
	"github.com/isseis/go-patch-engine/internal/isa"
	"github.com/isseis/go-patch-engine/internal/reloc"
)

func newPatch(t *testing.T, addr uint64, code ...byte) *Patch {
	t.Helper()
	inst, err := amd64.NewDecoder().Decode(code, addr)
	require.NoError(t, err)
	return New(inst)
}

func scoped(t *testing.T, ctx *arch.Context, addr uint64, code ...byte) *Patch {
	t.Helper()
	p := newPatch(t, addr, code...)
	require.NoError(t, p.BeginScope(ctx))
	return p
}

func TestRequestTemp_StableAndDistinct(t *testing.T) {
	p := scoped(t, amd64.NewContext(), 0x1000, 0xc3)

	a, err := p.RequestTemp(0)
	require.NoError(t, err)
	b, err := p.RequestTemp(1)
	require.NoError(t, err)
	again, err := p.RequestTemp(0)
	require.NoError(t, err)

	assert.Equal(t, amd64.R11, a)
	assert.Equal(t, amd64.R10, b)
	assert.Equal(t, a, again)
}

func TestRequestTemp_AvoidsInstructionRegisters(t *testing.T) {
	// mov r11, r10
	p := scoped(t, amd64.NewContext(), 0x1000, 0x4d, 0x89, 0xd3)

	r, err := p.RequestTemp(0)
	require.NoError(t, err)
	assert.Equal(t, amd64.R9, r)
	assert.False(t, p.Instruction().Uses().Has(r))
}

func TestRequestTemp_Exhaustion(t *testing.T) {
	base := amd64.NewContext()

	tests := []struct {
		name      string
		scratch   []isa.Reg
		requests  int
		available int
	}{
		{name: "every scratch register is live", scratch: []isa.Reg{amd64.R11, amd64.R10}, requests: 1, available: 0},
		{name: "more temps than the pool", scratch: []isa.Reg{amd64.R11, amd64.R10, amd64.R9}, requests: 2, available: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, err := base.WithScratch(tt.scratch...)
			require.NoError(t, err)
			p := scoped(t, ctx, 0x1000, 0x4d, 0x89, 0xd3)

			for i := 0; i < tt.requests-1; i++ {
				_, err := p.RequestTemp(reloc.TempID(i))
				require.NoError(t, err)
			}
			r, err := p.RequestTemp(reloc.TempID(tt.requests - 1))
			assert.Equal(t, isa.NoReg, r)
			require.ErrorIs(t, err, ErrRegisterExhaustion)

			var exErr *RegisterExhaustionError
			require.True(t, errors.As(err, &exErr))
			assert.Equal(t, uint64(0x1000), exErr.Addr)
			assert.Equal(t, tt.available, exErr.Available)
		})
	}
}

func TestRequestTemp_IDOutsideTable(t *testing.T) {
	ctx, err := amd64.NewContext().WithScratch(amd64.R11)
	require.NoError(t, err)
	p := scoped(t, ctx, 0x1000, 0x90)

	_, err = p.RequestTemp(1)
	assert.ErrorIs(t, err, ErrRegisterExhaustion)
	_, err = p.RequestTemp(-1)
	assert.ErrorIs(t, err, ErrRegisterExhaustion)
}

func TestPatch_Lifecycle(t *testing.T) {
	ctx := amd64.NewContext()
	p := newPatch(t, 0x1000, 0x90)

	_, _, err := p.Output()
	assert.ErrorIs(t, err, ErrNotApplied)
	assert.ErrorIs(t, p.Append(reloc.Raw(0x90)), ErrNoScope)

	require.NoError(t, p.BeginScope(ctx))
	require.NoError(t, p.Append(reloc.Raw(0xcc), reloc.Raw(0x90)))
	assert.ErrorIs(t, p.EndScope("r"), ErrScopeNotResolved)
	require.NoError(t, p.ResolveScope())
	require.NoError(t, p.EndScope("breakpoint-then-copy"))

	assert.Equal(t, Applied, p.State())
	assert.Equal(t, "breakpoint-then-copy", p.Rule())
	assert.Equal(t, 2, p.Size())

	out, _, err := p.Output()
	require.NoError(t, err)
	code, err := reloc.EmitAll(out, 0x1000, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xcc, 0x90}, code)

	assert.ErrorIs(t, p.BeginScope(ctx), ErrAlreadyApplied)
	assert.ErrorIs(t, p.Append(reloc.Raw(0x90)), ErrNoScope)
}

func TestPatch_SaveCallRestore(t *testing.T) {
	ctx := amd64.NewContext()
	p := scoped(t, ctx, 0x1000, 0xc3)

	save, err := p.SaveTemp(0)
	require.NoError(t, err)
	restore, err := p.RestoreTemp(0)
	require.NoError(t, err)

	require.NoError(t, p.Append(save...))
	require.NoError(t, p.Append(ctx.Builder.LoadImmediate(0, 0x7f00dead0000)...))
	require.NoError(t, p.Append(ctx.Builder.CallTemp(0)...))
	require.NoError(t, p.Append(restore...))
	require.NoError(t, p.ResolveScope())
	require.NoError(t, p.EndScope("callback"))

	out, b, err := p.Output()
	require.NoError(t, err)
	for _, in := range out {
		assert.NotEqual(t, reloc.KindTemp, in.Kind(), in.String())
	}
	assert.Equal(t, reloc.Bindings{0: amd64.R11}, b)

	code, err := reloc.EmitAll(out, 0x5000, b)
	require.NoError(t, err)
	assert.Contains(t, string(code), string([]byte{0x41, 0x53}), "push r11")
	assert.Contains(t, string(code), string([]byte{0x41, 0xff, 0xd3}), "call r11")
	assert.Contains(t, string(code), string([]byte{0x41, 0x5b}), "pop r11")
}

func TestPatch_SaveRestoreObligations(t *testing.T) {
	ctx := amd64.NewContext()

	t.Run("restore without save", func(t *testing.T) {
		p := scoped(t, ctx, 0x1000, 0x90)
		_, err := p.RequestTemp(0)
		require.NoError(t, err)
		_, err = p.RestoreTemp(0)
		assert.ErrorIs(t, err, ErrTempNotSaved)
	})

	t.Run("save without restore", func(t *testing.T) {
		p := scoped(t, ctx, 0x1000, 0x90)
		_, err := p.SaveTemp(2)
		require.NoError(t, err)
		assert.ErrorIs(t, p.ResolveScope(), ErrTempNotRestored)
	})

	t.Run("unrequested temp", func(t *testing.T) {
		p := scoped(t, ctx, 0x1000, 0x90)
		require.NoError(t, p.Append(ctx.Builder.CallTemp(3)...))
		assert.ErrorIs(t, p.ResolveScope(), reloc.ErrUnboundTemp)
	})
}

func TestPatch_Abort(t *testing.T) {
	p := scoped(t, amd64.NewContext(), 0x1000, 0x90)
	require.NoError(t, p.Append(reloc.Raw(0x90)))

	cause := errors.New("generator failed")
	p.Abort(cause)

	assert.Equal(t, Invalid, p.State())
	assert.Empty(t, p.Instrs())
	_, _, err := p.Output()
	assert.ErrorIs(t, err, ErrInvalidPatch)
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, p.BeginScope(amd64.NewContext()), ErrAlreadyApplied)
}

func TestPatch_TempsDoNotLeakBetweenPatches(t *testing.T) {
	ctx := amd64.NewContext()
	first := scoped(t, ctx, 0x1000, 0x90)
	second := scoped(t, ctx, 0x1001, 0x90)

	_, err := first.RequestTemp(0)
	require.NoError(t, err)
	_, err = first.RequestTemp(1)
	require.NoError(t, err)

	r, err := second.RequestTemp(1)
	require.NoError(t, err)
	assert.Equal(t, amd64.R11, r, "second patch starts from an empty table")

	require.NoError(t, first.ResolveScope())
	require.NoError(t, second.ResolveScope())
	require.NoError(t, first.EndScope("a"))
	require.NoError(t, second.EndScope("b"))

	_, b1, err := first.Output()
	require.NoError(t, err)
	_, b2, err := second.Output()
	require.NoError(t, err)
	assert.Len(t, b1, 2)
	assert.Equal(t, reloc.Bindings{1: amd64.R11}, b2)
}
