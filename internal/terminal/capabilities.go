// Package terminal decides how the patcher CLI presents its console output:
// whether stderr is an interactive terminal and whether ANSI colors may be
// used for listings and log lines.
package terminal

import (
	"os"
	"strings"
)

// Options carries command-line overrides. Environment variables are consulted
// when no override is set.
type Options struct {
	ForceInteractive    bool
	ForceNonInteractive bool
	ForceColor          bool
	DisableColor        bool
}

// Capabilities reports what the attached console supports.
type Capabilities interface {
	IsInteractive() bool
	SupportsColor() bool
}

// Env abstracts environment and terminal lookups.
type Env interface {
	Getenv(key string) string
	LookupEnv(key string) (string, bool)
	IsTerminal() bool
}

// DefaultCapabilities resolves capabilities from Options and an Env.
type DefaultCapabilities struct {
	opts Options
	env  Env
}

// NewCapabilities returns capabilities backed by the process environment.
func NewCapabilities(opts Options) *DefaultCapabilities {
	return NewCapabilitiesWithEnv(opts, processEnv{})
}

// NewCapabilitiesWithEnv returns capabilities backed by env.
func NewCapabilitiesWithEnv(opts Options, env Env) *DefaultCapabilities {
	return &DefaultCapabilities{opts: opts, env: env}
}

// IsInteractive reports whether output goes to a person at a terminal.
// CI environments are never interactive unless forced.
func (c *DefaultCapabilities) IsInteractive() bool {
	switch {
	case c.opts.ForceInteractive:
		return true
	case c.opts.ForceNonInteractive:
		return false
	case c.isCI():
		return false
	}
	return c.env.IsTerminal()
}

// SupportsColor applies, in order: flags, CLICOLOR_FORCE, NO_COLOR, then
// TERM and CLICOLOR on interactive terminals.
func (c *DefaultCapabilities) SupportsColor() bool {
	switch {
	case c.opts.ForceColor:
		return true
	case c.opts.DisableColor:
		return false
	case isTruthy(c.env.Getenv("CLICOLOR_FORCE")):
		return true
	}
	if _, ok := c.env.LookupEnv("NO_COLOR"); ok {
		return false
	}
	if !c.IsInteractive() || !colorTerm(c.env.Getenv("TERM")) {
		return false
	}
	if v := c.env.Getenv("CLICOLOR"); v != "" {
		return isTruthy(v)
	}
	return true
}

var ciEnvVars = []string{
	"CI",
	"CONTINUOUS_INTEGRATION",
	"GITHUB_ACTIONS",
	"GITLAB_CI",
	"BUILDKITE",
	"CIRCLECI",
	"JENKINS_URL",
	"TF_BUILD",
}

func (c *DefaultCapabilities) isCI() bool {
	for _, key := range ciEnvVars {
		v := c.env.Getenv(key)
		if v == "" {
			continue
		}
		if key == "CI" {
			switch strings.ToLower(strings.TrimSpace(v)) {
			case "0", "false", "no":
				return false
			}
		}
		return true
	}
	return false
}

var colorTerms = []string{"xterm", "screen", "tmux", "rxvt", "vt100", "ansi", "linux", "cygwin", "putty"}

func colorTerm(term string) bool {
	term = strings.ToLower(strings.TrimSpace(term))
	for _, t := range colorTerms {
		if term == t || strings.HasPrefix(term, t+"-") {
			return true
		}
	}
	return false
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

type processEnv struct{}

func (processEnv) Getenv(key string) string { return os.Getenv(key) }

func (processEnv) LookupEnv(key string) (string, bool) { return os.LookupEnv(key) }

func (processEnv) IsTerminal() bool { return IsTerminal(os.Stderr) }
