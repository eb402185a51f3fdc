package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/xlab/treeprint"

	"github.com/isseis/go-patch-engine/internal/patchrule"
	"github.com/isseis/go-patch-engine/internal/ruleconfig"
)

// ErrRulesRequired is returned when a command needs a rule file.
var ErrRulesRequired = errors.New("rule file is required: pass --rules or set " + envRules)

func newRulesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rules",
		Short: "Validate the rule file and print its rules as a tree",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			if a.opts.rulesPath == "" {
				return ErrRulesRequired
			}
			setup, err := loadSetup(a.opts.rulesPath, "")
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(a.stdout, rulesTree(a.opts.rulesPath, setup).String())
			return err
		},
	}
}

func rulesTree(name string, setup *ruleconfig.Setup) treeprint.Tree {
	tree := treeprint.NewWithRoot(fmt.Sprintf("%s (%s, no_match=%s, context %s)", name, setup.CPU.Arch, setup.Policy, setup.CPU.Key()))
	for _, r := range setup.Rules {
		branch := tree.AddBranch(r.Name())
		addCondition(branch.AddBranch("when"), r.Condition())
		gens := branch.AddBranch("generate")
		for _, g := range r.Generators() {
			gens.AddNode(g.String())
		}
	}
	return tree
}

func addCondition(tree treeprint.Tree, c patchrule.Condition) {
	op, children := patchrule.Children(c)
	if op == "" {
		tree.AddNode(c.String())
		return
	}
	branch := tree.AddBranch(op)
	for _, child := range children {
		addCondition(branch, child)
	}
}
