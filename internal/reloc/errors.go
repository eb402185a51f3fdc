package reloc

import (
	"errors"
	"fmt"

	"github.com/isseis/go-patch-engine/internal/isa"
)

// Static errors
var (
	// ErrDisplacementOverflow is returned when a relocated displacement exceeds
	// the encodable range. It aliases the isa sentinel so errors.Is works on
	// either name.
	ErrDisplacementOverflow = isa.ErrDisplacementOverflow

	// ErrMisalignedTarget is returned when a target cannot be expressed in the
	// field's scale.
	ErrMisalignedTarget = isa.ErrMisalignedTarget

	// ErrUnboundTemp is returned when a temp-register instruction is emitted
	// without a binding for one of its temporaries.
	ErrUnboundTemp = errors.New("temporary register not bound")

	// ErrSizeMismatch is returned when an instruction emits a different number
	// of bytes than it declared.
	ErrSizeMismatch = errors.New("emitted size differs from declared size")

	// ErrNilBuilder is returned when a temp-register instruction has no builder.
	ErrNilBuilder = errors.New("temp instruction has no builder")

	// ErrNilEmitter is returned when a custom instruction has no emitter.
	ErrNilEmitter = errors.New("custom instruction has no emitter")
)

// RelocationError reports that an instruction could not be finalized at its
// assigned address. It is fatal for the basic block being linked.
type RelocationError struct {
	Addr         uint64
	Target       uint64
	Displacement int64
	Width        uint
	Err          error
}

func (e *RelocationError) Error() string {
	return fmt.Sprintf("relocation at %#x to %#x (displacement %d, %d bits): %v",
		e.Addr, e.Target, e.Displacement, e.Width, e.Err)
}

func (e *RelocationError) Unwrap() error {
	return e.Err
}
