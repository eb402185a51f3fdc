package ruleconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isseis/go-patch-engine/internal/arch"
	"github.com/isseis/go-patch-engine/internal/codecache"
	"github.com/isseis/go-patch-engine/internal/engine"
	"github.com/isseis/go-patch-engine/internal/isa"
)

const sampleConfig = `
arch = "amd64"
no_match = "error"
max_block_instructions = 16
scratch = ["r10", "r11"]
parallelism = 2

[cache]
base = 0x7f0000000000
size = 0x10000
capacity = 128

[[rule]]
name = "instrument-returns"
[rule.when]
class = ["return"]
[[rule.generate]]
kind = "callback"
target = 0x7f00dead0000
[[rule.generate]]
kind = "copy"

[[rule]]
name = "relocate-branches"
[rule.when]
pc_relative = true
[[rule.when.any]]
class = ["branch"]
[[rule.when.any]]
class = ["call"]
[[rule.generate]]
kind = "relocate_branch"

[[rule]]
name = "everything-else"
[[rule.generate]]
kind = "copy"
`

func TestParse_Sample(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "amd64", cfg.Arch)
	assert.Equal(t, "error", cfg.NoMatch)
	assert.Equal(t, 16, cfg.MaxBlockInstructions)
	assert.Equal(t, []string{"r10", "r11"}, cfg.Scratch)
	assert.Equal(t, 2, cfg.Parallelism)
	assert.Equal(t, CacheSpec{Base: 0x7f0000000000, Size: 0x10000, Align: codecache.DefaultAlign, Capacity: 128}, cfg.Cache)

	require.Len(t, cfg.Rules, 3)
	assert.Equal(t, "instrument-returns", cfg.Rules[0].Name)
	assert.Equal(t, []string{"return"}, cfg.Rules[0].When.Class)
	require.Len(t, cfg.Rules[0].Generate, 2)
	assert.Equal(t, uint64(0x7f00dead0000), cfg.Rules[0].Generate[0].Target)
	require.NotNil(t, cfg.Rules[1].When.PCRelative)
	assert.True(t, *cfg.Rules[1].When.PCRelative)
	assert.Len(t, cfg.Rules[1].When.Any, 2)
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(`
[[rule]]
name = "copy"
[[rule.generate]]
kind = "copy"
`))
	require.NoError(t, err)
	assert.Equal(t, DefaultArch, cfg.Arch)
	assert.Equal(t, DefaultNoMatch, cfg.NoMatch)
	assert.Equal(t, engine.DefaultMaxInstructions, cfg.MaxBlockInstructions)
	assert.Equal(t, DefaultParallelism, cfg.Parallelism)
	assert.Equal(t, uint64(DefaultCacheBase), cfg.Cache.Base)
	assert.Equal(t, uint64(DefaultCacheSize), cfg.Cache.Size)
	assert.Equal(t, codecache.DefaultCapacity, cfg.Cache.Capacity)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr error
	}{
		{
			name:    "syntax",
			content: `arch = `,
		},
		{
			name:    "unknown key",
			content: "colour = \"red\"\n[[rule]]\nname = \"a\"\n[[rule.generate]]\nkind = \"copy\"\n",
			wantErr: ErrUnknownKey,
		},
		{
			name:    "no rules",
			content: `arch = "arm64"`,
			wantErr: ErrNoRules,
		},
		{
			name:    "unknown arch",
			content: "arch = \"mips\"\n[[rule]]\nname = \"a\"\n[[rule.generate]]\nkind = \"copy\"\n",
			wantErr: isa.ErrUnknownArch,
		},
		{
			name:    "unknown policy",
			content: "no_match = \"drop\"\n[[rule]]\nname = \"a\"\n[[rule.generate]]\nkind = \"copy\"\n",
			wantErr: engine.ErrUnknownPolicy,
		},
		{
			name:    "unknown scratch register",
			content: "scratch = [\"r99\"]\n[[rule]]\nname = \"a\"\n[[rule.generate]]\nkind = \"copy\"\n",
			wantErr: arch.ErrUnknownRegister,
		},
		{
			name:    "reserved scratch register",
			content: "scratch = [\"rsp\"]\n[[rule]]\nname = \"a\"\n[[rule.generate]]\nkind = \"copy\"\n",
			wantErr: arch.ErrReservedScratch,
		},
		{
			name:    "negative parallelism",
			content: "parallelism = -1\n[[rule]]\nname = \"a\"\n[[rule.generate]]\nkind = \"copy\"\n",
			wantErr: ErrInvalidSetting,
		},
		{
			name:    "misaligned cache base",
			content: "[cache]\nbase = 0x1001\n[[rule]]\nname = \"a\"\n[[rule.generate]]\nkind = \"copy\"\n",
			wantErr: codecache.ErrInvalidRegion,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.content))
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.toml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Rules, 3)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.toml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
