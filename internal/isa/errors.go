package isa

import (
	"errors"
	"fmt"
)

// Static errors
var (
	// ErrUnknownArch is returned when an architecture name is not supported.
	ErrUnknownArch = errors.New("unknown architecture")

	// ErrUnknownClass is returned when a control-flow class name is not recognized.
	ErrUnknownClass = errors.New("unknown instruction class")

	// ErrDisplacementOverflow indicates a displacement does not fit its encoding field.
	ErrDisplacementOverflow = errors.New("displacement out of encodable range")

	// ErrMisalignedTarget indicates a target is not a multiple of the field scale.
	ErrMisalignedTarget = errors.New("target not aligned to displacement scale")

	// ErrFieldOutOfBounds indicates a field describes bits beyond the instruction bytes.
	ErrFieldOutOfBounds = errors.New("displacement field exceeds instruction length")

	// ErrEmptyCode is returned by decoders when no bytes are available.
	ErrEmptyCode = errors.New("no code bytes to decode")
)

// DecodeError reports a decoder failure at a given address. The engine
// propagates it unchanged to its caller.
type DecodeError struct {
	Addr uint64
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode failed at %#x: %v", e.Addr, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
