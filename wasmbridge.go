package wasmbridge

import "context"

// PageSize is the granularity by which a module's linear memory grows.
const PageSize = 64 * 1024

// Memory is the linear memory owned by one module instance. Offsets are
// byte addresses within the region; the region grows in whole pages and
// never shrinks, so a valid offset stays valid across growth.
type Memory interface {
	Read(offset, length uint32) ([]byte, error)
	Write(offset uint32, data []byte) error

	// Size returns the current region size in bytes.
	Size() uint32

	// Grow extends the region by deltaPages whole pages and returns the
	// previous page count. The engine may deny growth.
	Grow(deltaPages uint32) (uint32, error)
}

// Guest is the set of exports the exchange protocol requires from every
// module: an allocator pair plus named entry points. The module owns its
// memory layout; the host only ever requests sizes, never offsets.
type Guest interface {
	// Allocate invokes the module's exported allocator and returns the
	// offset of a writable span of at least size bytes. A zero offset
	// means the module's allocator could not place the request within
	// the current region.
	Allocate(ctx context.Context, size uint32) (uint32, error)

	// Deallocate returns a span previously produced by the module's
	// allocator (via Allocate or internally while building a result).
	Deallocate(ctx context.Context, ptr, size uint32) error

	// Invoke calls an arbitrary exported function with raw numeric
	// arguments and returns its raw results.
	Invoke(ctx context.Context, name string, args ...uint64) ([]uint64, error)
}
