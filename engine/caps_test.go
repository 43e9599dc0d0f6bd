package engine

import (
	"testing"

	"github.com/hostbridge/wasmbridge/policy"
)

func TestCapabilityForImport(t *testing.T) {
	tests := []struct {
		module string
		name   string
		want   policy.Category
	}{
		{"wasi_snapshot_preview1", "path_open", policy.Filesystem},
		{"wasi_snapshot_preview1", "fd_prestat_get", policy.Filesystem},
		{"wasi_snapshot_preview1", "fd_prestat_dir_name", policy.Filesystem},
		{"wasi_snapshot_preview1", "sock_accept", policy.Network},
		{"wasi_snapshot_preview1", "sock_recv", policy.Network},
		{"wasi_snapshot_preview1", "clock_time_get", policy.Clock},
		{"wasi_snapshot_preview1", "random_get", policy.Random},
		{"wasi_snapshot_preview1", "environ_get", policy.Environ},
		{"wasi_snapshot_preview1", "environ_sizes_get", policy.Environ},

		// Stdio and process basics carry no capability.
		{"wasi_snapshot_preview1", "fd_write", ""},
		{"wasi_snapshot_preview1", "fd_read", ""},
		{"wasi_snapshot_preview1", "fd_close", ""},
		{"wasi_snapshot_preview1", "proc_exit", ""},
		{"wasi_snapshot_preview1", "args_get", ""},

		// Imports from other namespaces are host functions, not
		// ambient capabilities.
		{"host", "random_get", ""},
		{"env", "sock_accept", ""},
	}

	for _, tc := range tests {
		if got := capabilityForImport(tc.module, tc.name); got != tc.want {
			t.Errorf("capabilityForImport(%q, %q) = %q, want %q",
				tc.module, tc.name, got, tc.want)
		}
	}
}

func TestImportedCapabilitiesDedupesAndOrders(t *testing.T) {
	imports := [][2]string{
		{"wasi_snapshot_preview1", "random_get"},
		{"wasi_snapshot_preview1", "path_open"},
		{"wasi_snapshot_preview1", "path_create_directory"},
		{"wasi_snapshot_preview1", "fd_write"},
		{"wasi_snapshot_preview1", "clock_time_get"},
	}

	got := importedCapabilities(imports)
	want := []policy.Category{policy.Filesystem, policy.Clock, policy.Random}

	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestImportedCapabilitiesEmpty(t *testing.T) {
	if got := importedCapabilities(nil); got != nil {
		t.Errorf("no imports should yield no capabilities, got %v", got)
	}
}
