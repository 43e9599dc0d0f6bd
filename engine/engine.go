package engine

import (
	"context"

	"github.com/hostbridge/wasmbridge"
	"github.com/hostbridge/wasmbridge/policy"
)

// Engine is the sandbox execution engine boundary. The bridge assumes the
// engine as a trusted external runtime: it validates binaries, enforces
// instruction-level sandboxing, and owns trap detection. Everything the
// core needs from it is captured here.
type Engine interface {
	// Load validates and compiles a module binary. A binary that fails
	// validation, or that lacks the required allocator exports, yields
	// an invalid-binary error.
	Load(ctx context.Context, binary []byte) (CompiledModule, error)

	Close(ctx context.Context) error
}

// CompiledModule is a validated binary ready for instantiation. One
// compiled module can back many independent instances.
type CompiledModule interface {
	// ImportedCapabilities returns the resource categories the module's
	// imports reach for, derived from its sandbox import namespaces.
	ImportedCapabilities() []policy.Category

	// Instantiate creates a fresh instance under the given capability
	// policy. Instantiation fails with disallowed-capability when the
	// module imports a denied category.
	Instantiate(ctx context.Context, pol policy.Policy) (Instance, error)

	Close(ctx context.Context) error
}

// Instance is one isolated execution of a compiled module, with its own
// linear memory. Instances are NOT safe for concurrent use; callers
// needing concurrency instantiate one per thread from the same module.
type Instance interface {
	wasmbridge.Guest

	// Memory returns the instance's linear memory region.
	Memory() wasmbridge.Memory

	Close(ctx context.Context) error
}

// Config holds configuration for engine creation.
type Config struct {
	// MemoryLimitPages sets the hard engine-level memory limit per
	// instance in 64 KiB pages. 0 means the engine default. Per-policy
	// caps layer on top of this in the memory broker.
	MemoryLimitPages uint32
}
