// Package runtime is the host-side entry point: it loads module binaries
// under capability policies, registers each instance in a lifecycle state
// machine (unloaded, loading, ready, faulted), and runs every invocation
// as a one-shot call session over the memory broker and marshaling
// adapter. A trap faults the instance; a faulted instance refuses calls
// until it is unloaded and reloaded.
package runtime
