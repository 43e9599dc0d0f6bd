package runtime

import (
	"context"
	"testing"

	bridgeerrors "github.com/hostbridge/wasmbridge/errors"
	"github.com/hostbridge/wasmbridge/internal/enginetest"
	"github.com/hostbridge/wasmbridge/policy"
)

func newRuntime(t *testing.T, eng *enginetest.Engine) *Runtime {
	t.Helper()
	ctx := context.Background()

	rt, err := New(ctx, WithEngine(eng))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { rt.Close(ctx) })
	return rt
}

func TestLoadAndLookup(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t, &enginetest.Engine{})

	inst, err := rt.Load(ctx, "greeter", enginetest.Binary(), policy.Default())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if inst.ID() != "greeter" {
		t.Errorf("ID = %q, want greeter", inst.ID())
	}
	if inst.State() != StateReady {
		t.Errorf("state = %v, want ready", inst.State())
	}

	got, err := rt.Lookup("greeter")
	if err != nil || got != inst {
		t.Errorf("Lookup = %v, %v", got, err)
	}
	if _, err := rt.Lookup("missing"); !bridgeerrors.IsKind(err, bridgeerrors.KindNotFound) {
		t.Errorf("Lookup missing: want not_found, got %v", err)
	}
}

func TestLoadGeneratesIdentifier(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t, &enginetest.Engine{})

	inst, err := rt.Load(ctx, "", enginetest.Binary(), policy.Default())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if inst.ID() == "" {
		t.Fatal("empty id must be replaced with a generated one")
	}
	if _, err := rt.Lookup(inst.ID()); err != nil {
		t.Errorf("Lookup generated id: %v", err)
	}
}

func TestLoadDuplicateIdentifier(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t, &enginetest.Engine{})

	if _, err := rt.Load(ctx, "m", enginetest.Binary(), policy.Default()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	_, err := rt.Load(ctx, "m", enginetest.Binary(), policy.Default())
	if !bridgeerrors.IsKind(err, bridgeerrors.KindInvalidTransition) {
		t.Fatalf("duplicate load: want invalid_transition, got %v", err)
	}
}

func TestLoadInvalidBinary(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t, &enginetest.Engine{})

	_, err := rt.Load(ctx, "m", []byte("not wasm"), policy.Default())
	if !bridgeerrors.IsKind(err, bridgeerrors.KindInvalidBinary) {
		t.Fatalf("want invalid_binary, got %v", err)
	}

	// The failed load returns the identifier to unloaded; it is reusable.
	if _, err := rt.Load(ctx, "m", enginetest.Binary(), policy.Default()); err != nil {
		t.Errorf("reload after failed load: %v", err)
	}
}

func TestLoadDisallowedCapability(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t, &enginetest.Engine{
		RequiredCaps: []policy.Category{policy.Network},
	})

	_, err := rt.Load(ctx, "m", enginetest.Binary(), policy.Default())
	if !bridgeerrors.IsKind(err, bridgeerrors.KindDisallowedCapability) {
		t.Fatalf("default-deny policy: want disallowed_capability, got %v", err)
	}

	pol := policy.Policy{Allow: []policy.Category{policy.Network}}
	if _, err := rt.Load(ctx, "m", enginetest.Binary(), pol); err != nil {
		t.Errorf("load with capability allowed: %v", err)
	}
}

func TestUnload(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t, &enginetest.Engine{})

	if _, err := rt.Load(ctx, "m", enginetest.Binary(), policy.Default()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := rt.Unload(ctx, "m"); err != nil {
		t.Fatalf("Unload: %v", err)
	}
	if _, err := rt.Lookup("m"); !bridgeerrors.IsKind(err, bridgeerrors.KindNotFound) {
		t.Errorf("lookup after unload: want not_found, got %v", err)
	}
	// Unloaded identifiers can be loaded again.
	if _, err := rt.Load(ctx, "m", enginetest.Binary(), policy.Default()); err != nil {
		t.Errorf("reload after unload: %v", err)
	}

	if err := rt.Unload(ctx, "missing"); !bridgeerrors.IsKind(err, bridgeerrors.KindNotFound) {
		t.Errorf("unload unknown: want not_found, got %v", err)
	}
}

func TestListDiagnostics(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t, &enginetest.Engine{})

	if _, err := rt.Load(ctx, "b", enginetest.Binary(), policy.Default()); err != nil {
		t.Fatalf("Load b: %v", err)
	}
	if _, err := rt.Load(ctx, "a", enginetest.Binary(), policy.Default()); err != nil {
		t.Fatalf("Load a: %v", err)
	}

	infos := rt.List()
	if len(infos) != 2 {
		t.Fatalf("List = %d entries, want 2", len(infos))
	}
	if infos[0].ID != "a" || infos[1].ID != "b" {
		t.Errorf("List order = %q, %q, want sorted by id", infos[0].ID, infos[1].ID)
	}
	for _, info := range infos {
		if info.State != StateReady {
			t.Errorf("%s state = %v, want ready", info.ID, info.State)
		}
		if info.MemoryPages != 1 {
			t.Errorf("%s pages = %d, want 1", info.ID, info.MemoryPages)
		}
		if info.LiveAllocations != 0 {
			t.Errorf("%s live allocations = %d, want 0", info.ID, info.LiveAllocations)
		}
	}
}

func TestCloseUnloadsEverything(t *testing.T) {
	ctx := context.Background()
	eng := &enginetest.Engine{}
	rt, err := New(ctx, WithEngine(eng))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := rt.Load(ctx, "m", enginetest.Binary(), policy.Default()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := rt.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := rt.List(); len(got) != 0 {
		t.Errorf("List after Close = %+v, want empty", got)
	}
}
