package ruleconfig

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"github.com/isseis/go-patch-engine/internal/arch"
	"github.com/isseis/go-patch-engine/internal/arch/amd64"
	"github.com/isseis/go-patch-engine/internal/arch/arm64"
	"github.com/isseis/go-patch-engine/internal/codecache"
	"github.com/isseis/go-patch-engine/internal/engine"
	"github.com/isseis/go-patch-engine/internal/isa"
	"github.com/isseis/go-patch-engine/internal/patchrule"
	"github.com/isseis/go-patch-engine/internal/reloc"
)

// Setup is a validated configuration turned into engine inputs.
type Setup struct {
	Config *ConfigSpec
	CPU    *arch.Context
	Rules  []*patchrule.Rule
	Policy engine.NoMatchPolicy
}

// NewContext returns the default CPU context of a.
func NewContext(a isa.Arch) (*arch.Context, error) {
	switch a {
	case isa.ArchAMD64:
		return amd64.NewContext(), nil
	case isa.ArchARM64:
		return arm64.NewContext(), nil
	}
	return nil, fmt.Errorf("%w: %q", isa.ErrUnknownArch, a)
}

// Validate checks that cfg can be built.
func Validate(cfg *ConfigSpec) error {
	_, err := Build(cfg)
	return err
}

// Build resolves architecture, registers and rules of cfg.
func Build(cfg *ConfigSpec) (*Setup, error) {
	a, err := isa.ParseArch(cfg.Arch)
	if err != nil {
		return nil, err
	}
	cpu, err := NewContext(a)
	if err != nil {
		return nil, err
	}
	if len(cfg.Scratch) > 0 {
		regs, err := regsByName(cpu, cfg.Scratch)
		if err != nil {
			return nil, fmt.Errorf("scratch: %w", err)
		}
		if cpu, err = cpu.WithScratch(regs...); err != nil {
			return nil, fmt.Errorf("scratch: %w", err)
		}
	}

	policy, err := engine.ParsePolicy(cfg.NoMatch)
	if err != nil {
		return nil, err
	}
	if err := validateSettings(cfg); err != nil {
		return nil, err
	}

	rules, err := buildRules(cpu, cfg.Rules)
	if err != nil {
		return nil, err
	}
	return &Setup{Config: cfg, CPU: cpu, Rules: rules, Policy: policy}, nil
}

func validateSettings(cfg *ConfigSpec) error {
	switch {
	case cfg.MaxBlockInstructions < 0:
		return fmt.Errorf("%w: max_block_instructions %d", ErrInvalidSetting, cfg.MaxBlockInstructions)
	case cfg.Parallelism < 0:
		return fmt.Errorf("%w: parallelism %d", ErrInvalidSetting, cfg.Parallelism)
	case cfg.Cache.Capacity < 0:
		return fmt.Errorf("%w: cache.capacity %d", ErrInvalidSetting, cfg.Cache.Capacity)
	}
	// Region parameters are checked by the allocator itself.
	if _, err := codecache.NewRegion(cfg.Cache.Base, cfg.Cache.Size, cfg.Cache.Align); err != nil {
		return fmt.Errorf("%w: cache: %w", ErrInvalidSetting, err)
	}
	return nil
}

// EngineOptions returns the engine options the configuration selects,
// followed by extra.
func (s *Setup) EngineOptions(extra ...engine.Option) []engine.Option {
	opts := []engine.Option{
		engine.WithNoMatchPolicy(s.Policy),
		engine.WithMaxInstructions(s.Config.MaxBlockInstructions),
		engine.WithParallelism(s.Config.Parallelism),
	}
	return append(opts, extra...)
}

// NewEngine creates the configured engine.
func (s *Setup) NewEngine(logger *slog.Logger) *engine.Engine {
	return engine.New(s.Rules, s.EngineOptions(engine.WithLogger(logger))...)
}

// NewRegion creates the configured code region.
func (s *Setup) NewRegion() (*codecache.Region, error) {
	c := s.Config.Cache
	return codecache.NewRegion(c.Base, c.Size, c.Align)
}

// CacheOptions returns the code cache options the configuration selects.
func (s *Setup) CacheOptions() []codecache.Option {
	return []codecache.Option{codecache.WithCapacity(s.Config.Cache.Capacity)}
}

func buildRules(cpu *arch.Context, specs []RuleSpec) ([]*patchrule.Rule, error) {
	if len(specs) == 0 {
		return nil, ErrNoRules
	}
	seen := make(map[string]struct{}, len(specs))
	rules := make([]*patchrule.Rule, 0, len(specs))
	for i, spec := range specs {
		r, err := buildRule(cpu, spec)
		if err == nil {
			if _, dup := seen[spec.Name]; dup {
				err = ErrDuplicateRuleName
			}
		}
		if err != nil {
			return nil, &RuleError{Index: i, Name: spec.Name, Err: err}
		}
		seen[spec.Name] = struct{}{}
		rules = append(rules, r)
	}
	return rules, nil
}

func buildRule(cpu *arch.Context, spec RuleSpec) (*patchrule.Rule, error) {
	switch {
	case strings.TrimSpace(spec.Name) == "":
		return nil, ErrEmptyRuleName
	case spec.Name == patchrule.PassThroughName:
		return nil, fmt.Errorf("%w: %q", ErrReservedRuleName, spec.Name)
	case len(spec.Generate) == 0:
		return nil, ErrNoGenerators
	}

	cond, err := buildCondition(cpu, spec.When)
	if err != nil {
		return nil, fmt.Errorf("when: %w", err)
	}
	gens := make([]patchrule.Generator, 0, len(spec.Generate))
	for i, g := range spec.Generate {
		gen, err := buildGenerator(g)
		if err != nil {
			return nil, fmt.Errorf("generate #%d: %w", i, err)
		}
		gens = append(gens, gen)
	}
	return patchrule.NewRule(spec.Name, cond, gens...), nil
}

func buildCondition(cpu *arch.Context, spec ConditionSpec) (patchrule.Condition, error) {
	var conds []patchrule.Condition

	if len(spec.Class) > 0 {
		classes := make([]isa.Class, 0, len(spec.Class))
		for _, name := range spec.Class {
			c, err := isa.ParseClass(name)
			if err != nil {
				return nil, err
			}
			classes = append(classes, c)
		}
		conds = append(conds, patchrule.ClassIs(classes...))
	}
	if len(spec.Mnemonic) > 0 {
		conds = append(conds, patchrule.MnemonicIs(spec.Mnemonic...))
	}
	if len(spec.Reads) > 0 {
		regs, err := regsByName(cpu, spec.Reads)
		if err != nil {
			return nil, fmt.Errorf("reads: %w", err)
		}
		conds = append(conds, patchrule.ReadsReg(regs...))
	}
	if len(spec.Writes) > 0 {
		regs, err := regsByName(cpu, spec.Writes)
		if err != nil {
			return nil, fmt.Errorf("writes: %w", err)
		}
		conds = append(conds, patchrule.WritesReg(regs...))
	}
	if spec.AddressRange != nil {
		r := spec.AddressRange
		if len(r) != 2 || r[0] >= r[1] {
			return nil, fmt.Errorf("%w: %#x", ErrInvalidAddressRange, r)
		}
		conds = append(conds, patchrule.AddressIn(r[0], r[1]))
	}
	conds = appendFlag(conds, spec.PCRelative, patchrule.PCRelative())
	conds = appendFlag(conds, spec.Conditional, patchrule.Conditional())
	conds = appendFlag(conds, spec.Indirect, patchrule.Indirect())

	if len(spec.All) > 0 {
		sub, err := buildConditions(cpu, "all", spec.All)
		if err != nil {
			return nil, err
		}
		conds = append(conds, patchrule.And(sub...))
	}
	if len(spec.Any) > 0 {
		sub, err := buildConditions(cpu, "any", spec.Any)
		if err != nil {
			return nil, err
		}
		conds = append(conds, patchrule.Or(sub...))
	}
	if spec.Not != nil {
		sub, err := buildCondition(cpu, *spec.Not)
		if err != nil {
			return nil, fmt.Errorf("not: %w", err)
		}
		conds = append(conds, patchrule.Not(sub))
	}

	switch len(conds) {
	case 0:
		return patchrule.True(), nil
	case 1:
		return conds[0], nil
	}
	return patchrule.And(conds...), nil
}

func buildConditions(cpu *arch.Context, key string, specs []ConditionSpec) ([]patchrule.Condition, error) {
	out := make([]patchrule.Condition, 0, len(specs))
	for i, s := range specs {
		c, err := buildCondition(cpu, s)
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", key, i, err)
		}
		out = append(out, c)
	}
	return out, nil
}

func appendFlag(conds []patchrule.Condition, flag *bool, c patchrule.Condition) []patchrule.Condition {
	switch {
	case flag == nil:
		return conds
	case *flag:
		return append(conds, c)
	}
	return append(conds, patchrule.Not(c))
}

func buildGenerator(spec GeneratorSpec) (patchrule.Generator, error) {
	switch strings.ToLower(strings.TrimSpace(spec.Kind)) {
	case KindCopy:
		return patchrule.CopyOriginal(), nil
	case KindRelocateBranch:
		return patchrule.RelocateBranch(), nil
	case KindIndirectBranch:
		return patchrule.IndirectBranch(), nil
	case KindCallback:
		if spec.Target == 0 {
			return nil, ErrMissingTarget
		}
		if spec.Temp == nil {
			return patchrule.CallCallback(spec.Target), nil
		}
		temp, err := tempID(spec.Temp)
		if err != nil {
			return nil, err
		}
		return patchrule.CallCallbackTemp(spec.Target, temp), nil
	case KindLoadImmediate:
		temp, err := tempID(spec.Temp)
		if err != nil {
			return nil, err
		}
		return patchrule.PreserveTemp(temp, patchrule.LoadImmediate(temp, spec.Value)), nil
	case KindBytes:
		code, err := hex.DecodeString(strings.Join(strings.Fields(spec.Bytes), ""))
		if err != nil || len(code) == 0 {
			return nil, fmt.Errorf("%w: %q", ErrInvalidBytes, spec.Bytes)
		}
		return patchrule.EmitBytes(code...), nil
	case KindNop:
		return patchrule.Nop(), nil
	case KindBreakpoint:
		return patchrule.Breakpoint(), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownGenerator, spec.Kind)
}

// tempID defaults to temp 0 when unset.
func tempID(v *int) (reloc.TempID, error) {
	if v == nil {
		return 0, nil
	}
	if *v < 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidTemp, *v)
	}
	return reloc.TempID(*v), nil
}

func regsByName(cpu *arch.Context, names []string) ([]isa.Reg, error) {
	regs := make([]isa.Reg, 0, len(names))
	for _, n := range names {
		r, err := cpu.RegByName(n)
		if err != nil {
			return nil, err
		}
		regs = append(regs, r)
	}
	return regs, nil
}
