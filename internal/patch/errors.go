package patch

import (
	"errors"
	"fmt"

	"github.com/isseis/go-patch-engine/internal/reloc"
)

// Static errors
var (
	// ErrAlreadyApplied is returned when a rule is applied to a patch that is
	// not in the Unapplied state.
	ErrAlreadyApplied = errors.New("patch already applied")

	// ErrNotApplied is returned by Output before a rule has been applied.
	ErrNotApplied = errors.New("patch not applied")

	// ErrInvalidPatch is returned by Output after a failed application.
	ErrInvalidPatch = errors.New("patch is invalid")

	// ErrNoScope is returned by scope operations outside BeginScope/EndScope.
	ErrNoScope = errors.New("no temporary register scope is open")

	// ErrScopeNotResolved is returned by EndScope before ResolveScope.
	ErrScopeNotResolved = errors.New("temporary register scope not resolved")

	// ErrRegisterExhaustion is returned when no scratch register is left for
	// a temporary.
	ErrRegisterExhaustion = errors.New("register exhaustion")

	// ErrTempNotSaved is returned when a temporary is restored without a
	// matching save.
	ErrTempNotSaved = errors.New("temporary register restored without a save")

	// ErrTempNotRestored is returned by ResolveScope when a saved temporary
	// is never restored.
	ErrTempNotRestored = errors.New("temporary register saved but not restored")
)

// RegisterExhaustionError reports a temporary that could not be allocated.
type RegisterExhaustionError struct {
	Addr      uint64
	Temp      reloc.TempID
	Available int
}

func (e *RegisterExhaustionError) Error() string {
	return fmt.Sprintf("register exhaustion at %#x: temp %d requested, %d scratch registers usable",
		e.Addr, e.Temp, e.Available)
}

func (e *RegisterExhaustionError) Unwrap() error {
	return ErrRegisterExhaustion
}
