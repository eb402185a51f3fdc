package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/isseis/go-patch-engine/internal/blockstore"
	"github.com/isseis/go-patch-engine/internal/codecache"
	"github.com/isseis/go-patch-engine/internal/translate"
)

// ErrNoInput is returned when rewrite has neither hex arguments nor --file.
var ErrNoInput = errors.New("no input: pass hex bytes or --file")

type rewriteOptions struct {
	file  string
	arch  string
	addr  uint64
	entry uint64
	base  uint64
	all   bool
}

func newRewriteCmd(a *app) *cobra.Command {
	var opts rewriteOptions
	cmd := &cobra.Command{
		Use:   "rewrite [hex bytes...]",
		Short: "Translate guest code and print the generated blocks",
		Example: `  patcher rewrite --rules rules.toml "55 48 89 e5 c3"
  patcher rewrite --file code.bin --addr 0x401000 --all`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRewrite(cmd, a, opts, args)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.file, "file", "", "raw code file loaded at --addr")
	f.StringVar(&opts.arch, "arch", "amd64", "architecture when no rule file is given")
	f.Uint64Var(&opts.addr, "addr", 0x1000, "guest address of the first byte")
	f.Uint64Var(&opts.entry, "entry", 0, "address to translate (default --addr)")
	f.Uint64Var(&opts.base, "cache-base", 0, "code cache base address (default from the rule file)")
	f.BoolVar(&opts.all, "all", false, "translate consecutive blocks until the end of the code")
	return cmd
}

func runRewrite(cmd *cobra.Command, a *app, opts rewriteOptions, args []string) error {
	code, err := readCode(opts.file, args)
	if err != nil {
		return err
	}
	setup, err := loadSetup(a.opts.rulesPath, opts.arch)
	if err != nil {
		return err
	}

	var store codecache.Store
	if a.opts.storePath != "" {
		s, err := blockstore.Open(a.opts.storePath)
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }()
		store = s
	}

	img, err := translate.NewImage(translate.Segment{Addr: opts.addr, Data: code})
	if err != nil {
		return err
	}
	if opts.base != 0 {
		setup.Config.Cache.Base = opts.base
	}
	region, err := setup.NewRegion()
	if err != nil {
		return err
	}
	tr, err := translate.New(setup.NewEngine(a.log()), setup.CPU, img, region, newCache(setup, store, a), translate.WithLogger(a.log()))
	if err != nil {
		return err
	}

	entry := opts.entry
	if entry == 0 {
		entry = opts.addr
	}
	var entries []*codecache.Entry
	if opts.all {
		entries, err = tr.TranslateAll(cmd.Context(), entry)
	} else {
		var e *codecache.Entry
		e, err = tr.Translate(cmd.Context(), entry)
		entries = []*codecache.Entry{e}
	}
	if err != nil {
		return err
	}

	a.log().Info("Translation finished", "blocks", len(entries), "rules", len(setup.Rules), "code_bytes", region.Used())
	return writeListing(a.stdout, setup.CPU.Disassembler, img, entries, a.useColor())
}

// readCode reads the file, or decodes the arguments as hex. Spaces inside
// arguments are ignored.
func readCode(path string, args []string) ([]byte, error) {
	switch {
	case path != "" && len(args) > 0:
		return nil, fmt.Errorf("%w: --file and hex arguments", ErrConflictingFlags)
	case path != "":
		// #nosec G304 - path is supplied by the operator
		return os.ReadFile(path)
	case len(args) == 0:
		return nil, ErrNoInput
	}
	code, err := hex.DecodeString(strings.Join(strings.Fields(strings.Join(args, " ")), ""))
	if err != nil {
		return nil, fmt.Errorf("invalid hex input: %w", err)
	}
	return code, nil
}
