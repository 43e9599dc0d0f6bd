// Package abi implements the three data-marshaling conventions of the
// exchange protocol: zero-terminated C strings, explicit offset/length
// spans with a two-word result record, and opaque columnar messages
// carried over the latter. All memory access goes through the broker's
// validated primitives.
package abi
