// Package ruleconfig loads patch rules and engine settings from TOML files.
//
// A file names the target architecture, the engine settings and an ordered
// list of [[rule]] tables. Each rule has a [rule.when] condition table and
// one or more [[rule.generate]] steps:
//
//	arch = "amd64"
//	no_match = "passthrough"
//
//	[[rule]]
//	name = "instrument-returns"
//	[rule.when]
//	class = ["return"]
//	[[rule.generate]]
//	kind = "callback"
//	target = 0x7f00dead0000
//	[[rule.generate]]
//	kind = "copy"
package ruleconfig

// ConfigSpec is the parsed content of a rule file.
type ConfigSpec struct {
	Arch                 string     `toml:"arch"`
	NoMatch              string     `toml:"no_match"`
	MaxBlockInstructions int        `toml:"max_block_instructions"`
	Scratch              []string   `toml:"scratch"`
	Parallelism          int        `toml:"parallelism"`
	Cache                CacheSpec  `toml:"cache"`
	Rules                []RuleSpec `toml:"rule"`
}

// CacheSpec describes the code cache region and its entry bound.
type CacheSpec struct {
	Base     uint64 `toml:"base"`
	Size     uint64 `toml:"size"`
	Align    uint64 `toml:"align"`
	Capacity int    `toml:"capacity"`
}

// RuleSpec is one [[rule]] table.
type RuleSpec struct {
	Name     string          `toml:"name"`
	When     ConditionSpec   `toml:"when"`
	Generate []GeneratorSpec `toml:"generate"`
}

// ConditionSpec is a condition table. Leaf keys are AND-ed together; an
// empty table matches every instruction.
type ConditionSpec struct {
	Class        []string `toml:"class"`
	Mnemonic     []string `toml:"mnemonic"`
	Reads        []string `toml:"reads"`
	Writes       []string `toml:"writes"`
	AddressRange []uint64 `toml:"address_range"`
	PCRelative   *bool    `toml:"pc_relative"`
	Conditional  *bool    `toml:"conditional"`
	Indirect     *bool    `toml:"indirect"`

	All []ConditionSpec `toml:"all"`
	Any []ConditionSpec `toml:"any"`
	Not *ConditionSpec  `toml:"not"`
}

// GeneratorSpec is one [[rule.generate]] step. Which fields apply depends
// on Kind.
type GeneratorSpec struct {
	Kind   string `toml:"kind"`
	Target uint64 `toml:"target"`
	Temp   *int   `toml:"temp"`
	Value  uint64 `toml:"value"`
	Bytes  string `toml:"bytes"`
}

// Generator kinds
const (
	KindCopy           = "copy"
	KindRelocateBranch = "relocate_branch"
	KindIndirectBranch = "indirect_branch"
	KindCallback       = "callback"
	KindLoadImmediate  = "load_immediate"
	KindBytes          = "bytes"
	KindNop            = "nop"
	KindBreakpoint     = "breakpoint"
)
