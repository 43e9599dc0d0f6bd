package errors

import (
	"fmt"
	"strings"
)

// Phase indicates where in the exchange protocol the error occurred
type Phase string

const (
	PhaseLoad        Phase = "load"        // binary validation and compilation
	PhaseInstantiate Phase = "instantiate" // policy checks and instantiation
	PhaseMemory      Phase = "memory"      // broker allocation and access
	PhaseMarshal     Phase = "marshal"     // encoding/decoding payloads
	PhaseInvoke      Phase = "invoke"      // guest function execution
	PhaseSession     Phase = "session"     // call orchestration
	PhaseRegistry    Phase = "registry"    // lifecycle bookkeeping
)

// Kind categorizes the error
type Kind string

const (
	KindInvalidBinary         Kind = "invalid_binary"
	KindDisallowedCapability  Kind = "disallowed_capability"
	KindAllocationFailed      Kind = "allocation_failed"
	KindOutOfBounds           Kind = "out_of_bounds"
	KindDoubleFree            Kind = "double_free"
	KindModuleTrap            Kind = "module_trap"
	KindSerialization         Kind = "serialization"
	KindNotFound              Kind = "not_found"
	KindInvalidInput          Kind = "invalid_input"
	KindInvalidTransition     Kind = "invalid_transition"
)

// Error is the structured error type used throughout the bridge.
// Offset and Length carry memory context where it exists; Module and
// Export identify the instance and entry point involved.
type Error struct {
	Cause  error
	Phase  Phase
	Kind   Kind
	Module string
	Export string
	Detail string
	Offset uint32
	Length uint32
	HasLoc bool
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Module != "" {
		b.WriteString(" module=")
		b.WriteString(e.Module)
	}
	if e.Export != "" {
		b.WriteString(" export=")
		b.WriteString(e.Export)
	}
	if e.HasLoc {
		fmt.Fprintf(&b, " range=[%d,+%d)", e.Offset, e.Length)
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error. Two bridge errors match
// when their Kinds agree; an empty Phase on the target acts as a wildcard,
// so sentinel comparisons like errors.Is(err, &Error{Kind: KindDoubleFree})
// work regardless of which component produced the error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Phase != "" && e.Phase != t.Phase {
		return false
	}
	return e.Kind == t.Kind
}

// IsKind reports whether err (or anything it wraps) is a bridge error of
// the given kind.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Kind == kind {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Convenience constructors for the protocol taxonomy

// InvalidBinary reports a binary that failed validation at load.
func InvalidBinary(cause error) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindInvalidBinary,
		Detail: "binary failed validation",
		Cause:  cause,
	}
}

// DisallowedCapability reports an instantiation that requested a resource
// category outside the module's policy.
func DisallowedCapability(module, category string) *Error {
	return &Error{
		Phase:  PhaseInstantiate,
		Kind:   KindDisallowedCapability,
		Module: module,
		Detail: fmt.Sprintf("capability %q denied by policy", category),
	}
}

// AllocationFailed reports an acquire that could not obtain memory even
// after growth attempts.
func AllocationFailed(size uint32, cause error) *Error {
	return &Error{
		Phase:  PhaseMemory,
		Kind:   KindAllocationFailed,
		Detail: fmt.Sprintf("failed to allocate %d bytes", size),
		Cause:  cause,
	}
}

// OutOfBounds reports an access outside a tracked live allocation.
func OutOfBounds(phase Phase, offset, length uint32, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOutOfBounds,
		Offset: offset,
		Length: length,
		HasLoc: true,
		Detail: detail,
	}
}

// DoubleFree reports a release of an allocation that is not live.
func DoubleFree(offset, length uint32) *Error {
	return &Error{
		Phase:  PhaseMemory,
		Kind:   KindDoubleFree,
		Offset: offset,
		Length: length,
		HasLoc: true,
		Detail: "allocation is not live",
	}
}

// Trap reports a runtime fault raised by the module during execution.
func Trap(export string, cause error) *Error {
	return &Error{
		Phase:  PhaseInvoke,
		Kind:   KindModuleTrap,
		Export: export,
		Detail: "module raised a trap",
		Cause:  cause,
	}
}

// Faulted reports a call attempted on an instance already marked faulted.
// It carries the trap kind so callers observe the same failure mode as the
// original fault.
func Faulted(module string) *Error {
	return &Error{
		Phase:  PhaseSession,
		Kind:   KindModuleTrap,
		Module: module,
		Detail: "instance is faulted and must be reloaded",
	}
}

// Serialization reports a columnar payload that failed to parse.
func Serialization(cause error, detail string) *Error {
	return &Error{
		Phase:  PhaseMarshal,
		Kind:   KindSerialization,
		Detail: detail,
		Cause:  cause,
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// InvalidTransition reports a lifecycle transition the registry does not
// permit.
func InvalidTransition(module, from, to string) *Error {
	return &Error{
		Phase:  PhaseRegistry,
		Kind:   KindInvalidTransition,
		Module: module,
		Detail: fmt.Sprintf("cannot transition %s -> %s", from, to),
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}
