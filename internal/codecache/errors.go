package codecache

import (
	"errors"
	"fmt"
)

// Static errors
var (
	// ErrCacheFull is returned when the code region cannot hold a new block.
	ErrCacheFull = errors.New("code cache region exhausted")

	// ErrInvalidRegion is returned by NewRegion for an empty or misaligned region.
	ErrInvalidRegion = errors.New("invalid code cache region")

	// ErrNilEntry is returned when a compile function reports success without
	// producing an entry.
	ErrNilEntry = errors.New("compile returned no entry")
)

// CompileError reports the key whose generation failed.
type CompileError struct {
	Key Key
	Err error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compile %s: %v", e.Key, e.Err)
}

func (e *CompileError) Unwrap() error {
	return e.Err
}
