package engine

import (
	"strings"

	"github.com/hostbridge/wasmbridge/policy"
)

// wasiNamespace is the import module name WASI preview1 functions live in.
const wasiNamespace = "wasi_snapshot_preview1"

// capabilityForImport maps one sandbox import to the resource category it
// reaches for, or "" when the import is part of the always-available
// process surface (stdio descriptors, args, exit).
func capabilityForImport(module, name string) policy.Category {
	if module != wasiNamespace {
		// Non-WASI imports are host functions the runtime itself
		// provides; they carry no ambient capability.
		return ""
	}

	switch {
	case strings.HasPrefix(name, "path_"),
		strings.HasPrefix(name, "fd_prestat_"):
		return policy.Filesystem
	case strings.HasPrefix(name, "sock_"):
		return policy.Network
	case strings.HasPrefix(name, "clock_"):
		return policy.Clock
	case name == "random_get":
		return policy.Random
	case strings.HasPrefix(name, "environ_"):
		return policy.Environ
	}

	// fd_read/fd_write and friends operate on descriptors the module
	// already holds (stdio unless filesystem preopens were granted), so
	// they are not themselves a capability.
	return ""
}

// importedCapabilities folds a module's import list into the distinct set
// of categories it requires, in policy.Categories order.
func importedCapabilities(imports [][2]string) []policy.Category {
	seen := make(map[policy.Category]bool)
	for _, imp := range imports {
		if c := capabilityForImport(imp[0], imp[1]); c != "" {
			seen[c] = true
		}
	}

	var out []policy.Category
	for _, c := range policy.Categories() {
		if seen[c] {
			out = append(out, c)
		}
	}
	return out
}
