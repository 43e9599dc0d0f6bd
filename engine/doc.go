// Package engine defines the sandbox execution engine boundary the bridge
// builds on, and implements it with wazero. The engine owns binary
// validation, instruction-level sandboxing and trap detection; the rest of
// the bridge only sees compiled modules, instances, and page-granular
// linear memory.
package engine
