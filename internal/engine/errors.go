package engine

import (
	"errors"
	"fmt"
)

// Static errors
var (
	// ErrNoMatchingRule is returned when no rule applies and the engine is
	// configured with PolicyError.
	ErrNoMatchingRule = errors.New("no matching rule")

	// ErrUnmapped is returned when a block starts at an address without code.
	ErrUnmapped = errors.New("address not mapped")

	// ErrUnknownPolicy is returned by ParsePolicy.
	ErrUnknownPolicy = errors.New("unknown no-match policy")
)

// NoMatchingRuleError identifies the instruction no rule applied to.
type NoMatchingRuleError struct {
	Addr     uint64
	Mnemonic string
}

func (e *NoMatchingRuleError) Error() string {
	return fmt.Sprintf("no matching rule for %s at %#x", e.Mnemonic, e.Addr)
}

func (e *NoMatchingRuleError) Unwrap() error {
	return ErrNoMatchingRule
}
