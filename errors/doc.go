// Package errors provides the structured error type for the bridge.
//
// Errors are categorized by Phase (where the error occurred) and Kind (the
// protocol taxonomy: invalid_binary, disallowed_capability,
// allocation_failed, out_of_bounds, double_free, module_trap,
// serialization). Memory errors carry the offending offset/length range.
//
// Sentinel matching works through errors.Is with a Kind-only target:
//
//	if errors.Is(err, &bridgeerrors.Error{Kind: bridgeerrors.KindDoubleFree}) { ... }
//
// or the IsKind helper:
//
//	if bridgeerrors.IsKind(err, bridgeerrors.KindModuleTrap) { ... }
package errors
