package engine

import (
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/isseis/go-patch-engine/internal/patchrule"
)

// NoMatchPolicy selects what happens to an instruction no rule applies to.
type NoMatchPolicy int

// No-match policies
const (
	// PolicyPassThrough applies the default rule (a plain copy unless
	// replaced with WithDefaultRule).
	PolicyPassThrough NoMatchPolicy = iota
	// PolicyError fails the instruction with *NoMatchingRuleError.
	PolicyError
)

func (p NoMatchPolicy) String() string {
	switch p {
	case PolicyPassThrough:
		return "passthrough"
	case PolicyError:
		return "error"
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

// ParsePolicy converts a configuration string into a NoMatchPolicy.
func ParsePolicy(s string) (NoMatchPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "passthrough", "pass-through", "copy":
		return PolicyPassThrough, nil
	case "error", "fail":
		return PolicyError, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
}

// DefaultMaxInstructions bounds the length of a translated block.
const DefaultMaxInstructions = 64

// Option configures an Engine.
type Option func(*Engine)

// WithNoMatchPolicy sets the no-match policy.
func WithNoMatchPolicy(p NoMatchPolicy) Option {
	return func(e *Engine) {
		e.policy = p
	}
}

// WithDefaultRule replaces the rule applied under PolicyPassThrough.
func WithDefaultRule(r *patchrule.Rule) Option {
	return func(e *Engine) {
		if r != nil {
			e.fallback = r
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithParallelism sets how many patches of a block are generated
// concurrently. Values below 2 generate sequentially.
func WithParallelism(n int) Option {
	return func(e *Engine) {
		e.parallelism = n
	}
}

// WithMaxInstructions bounds the number of instructions per block.
func WithMaxInstructions(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxInstructions = n
		}
	}
}

// WithTracer sets the tracer used for block spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}
