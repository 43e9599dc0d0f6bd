// Package memory implements the allocation broker between the host and
// one module instance: bounds-checked read/write into the module's linear
// memory, allocation bookkeeping with detectable double-free and
// use-after-free, and explicit page-granular growth. The module owns its
// memory layout; the broker only requests sizes and validates what comes
// back.
package memory
