// Package wasmbridge defines the small shared contracts of the host/module
// exchange protocol: the page-granular linear memory owned by a module
// instance and the exports every module must provide.
//
// The interesting packages live below:
//
//	engine   - sandbox engine boundary and the wazero-backed implementation
//	memory   - bounds-checked allocation broker over module memory
//	abi      - the three marshaling conventions (C-string, native, columnar)
//	columnar - self-describing record batches in protobuf wire format
//	policy   - per-module capability policy (default deny)
//	runtime  - module registry, host runtime and one-shot call sessions
package wasmbridge
