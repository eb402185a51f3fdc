package ruleconfig

import (
	"errors"
	"fmt"
)

// Configuration errors
var (
	// ErrUnknownKey is returned when a rule file contains a key that maps to
	// no setting.
	ErrUnknownKey = errors.New("unknown configuration key")

	// ErrNoRules is returned when a file defines no rule.
	ErrNoRules = errors.New("no rules defined")

	// ErrEmptyRuleName is returned when a rule has no name.
	ErrEmptyRuleName = errors.New("rule has empty name")

	// ErrDuplicateRuleName is returned when two rules share a name.
	ErrDuplicateRuleName = errors.New("duplicate rule name")

	// ErrReservedRuleName is returned when a rule uses the name of the
	// built-in pass-through rule.
	ErrReservedRuleName = errors.New("reserved rule name")

	// ErrNoGenerators is returned when a rule has no [[rule.generate]] step.
	ErrNoGenerators = errors.New("rule has no generators")

	// ErrUnknownGenerator is returned for an unsupported generator kind.
	ErrUnknownGenerator = errors.New("unknown generator kind")

	// ErrMissingTarget is returned when a callback has no target address.
	ErrMissingTarget = errors.New("callback target is required")

	// ErrInvalidTemp is returned for a negative temp id.
	ErrInvalidTemp = errors.New("invalid temp id")

	// ErrInvalidBytes is returned when a bytes generator is not valid hex.
	ErrInvalidBytes = errors.New("invalid bytes")

	// ErrInvalidAddressRange is returned when address_range is not [lo, hi)
	// with lo < hi.
	ErrInvalidAddressRange = errors.New("invalid address range")

	// ErrInvalidSetting is returned for an out-of-range engine or cache setting.
	ErrInvalidSetting = errors.New("invalid setting")
)

// RuleError reports which rule of a file is invalid.
type RuleError struct {
	Index int
	Name  string
	Err   error
}

func (e *RuleError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("rule #%d: %v", e.Index, e.Err)
	}
	return fmt.Sprintf("rule %q (#%d): %v", e.Name, e.Index, e.Err)
}

func (e *RuleError) Unwrap() error {
	return e.Err
}
