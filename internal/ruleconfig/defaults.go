package ruleconfig

import (
	"github.com/isseis/go-patch-engine/internal/codecache"
	"github.com/isseis/go-patch-engine/internal/engine"
)

// Default values for configuration fields
const (
	DefaultArch        = "amd64"
	DefaultNoMatch     = "passthrough"
	DefaultParallelism = 1
	DefaultCacheBase   = 0x7f0000000000
	DefaultCacheSize   = 0x100000
)

// ApplyDefaults fills unset fields of cfg.
func ApplyDefaults(cfg *ConfigSpec) {
	if cfg.Arch == "" {
		cfg.Arch = DefaultArch
	}
	if cfg.NoMatch == "" {
		cfg.NoMatch = DefaultNoMatch
	}
	if cfg.MaxBlockInstructions == 0 {
		cfg.MaxBlockInstructions = engine.DefaultMaxInstructions
	}
	if cfg.Parallelism == 0 {
		cfg.Parallelism = DefaultParallelism
	}
	if cfg.Cache.Base == 0 {
		cfg.Cache.Base = DefaultCacheBase
	}
	if cfg.Cache.Size == 0 {
		cfg.Cache.Size = DefaultCacheSize
	}
	if cfg.Cache.Align == 0 {
		cfg.Cache.Align = codecache.DefaultAlign
	}
	if cfg.Cache.Capacity == 0 {
		cfg.Cache.Capacity = codecache.DefaultCapacity
	}
}
