package main

import (
	"github.com/isseis/go-patch-engine/internal/codecache"
	"github.com/isseis/go-patch-engine/internal/engine"
	"github.com/isseis/go-patch-engine/internal/isa"
	"github.com/isseis/go-patch-engine/internal/ruleconfig"
)

// loadSetup builds the engine inputs from the rule file, or a pass-through
// setup for archName when no rule file is given.
func loadSetup(rulesPath, archName string) (*ruleconfig.Setup, error) {
	if rulesPath != "" {
		cfg, err := ruleconfig.LoadFile(rulesPath)
		if err != nil {
			return nil, err
		}
		return ruleconfig.Build(cfg)
	}

	cfg := &ruleconfig.ConfigSpec{Arch: archName}
	ruleconfig.ApplyDefaults(cfg)
	a, err := isa.ParseArch(cfg.Arch)
	if err != nil {
		return nil, err
	}
	cpu, err := ruleconfig.NewContext(a)
	if err != nil {
		return nil, err
	}
	return &ruleconfig.Setup{Config: cfg, CPU: cpu, Policy: engine.PolicyPassThrough}, nil
}

func newCache(setup *ruleconfig.Setup, store codecache.Store, a *app) *codecache.Cache {
	opts := append(setup.CacheOptions(), codecache.WithLogger(a.log()))
	if store != nil {
		opts = append(opts, codecache.WithStore(store))
	}
	return codecache.New(opts...)
}
