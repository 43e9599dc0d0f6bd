package runtime

import (
	"context"
	"testing"

	"github.com/hostbridge/wasmbridge/abi"
	"github.com/hostbridge/wasmbridge/columnar"
	bridgeerrors "github.com/hostbridge/wasmbridge/errors"
	"github.com/hostbridge/wasmbridge/internal/enginetest"
	"github.com/hostbridge/wasmbridge/policy"
)

func loadInstance(t *testing.T, eng *enginetest.Engine) (*Instance, *enginetest.Instance) {
	t.Helper()
	ctx := context.Background()

	rt := newRuntime(t, eng)
	inst, err := rt.Load(ctx, "m", enginetest.Binary(), policy.Default())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return inst, inst.guest.(*enginetest.Instance)
}

func TestCallScalarC(t *testing.T) {
	ctx := context.Background()
	inst, _ := loadInstance(t, &enginetest.Engine{})

	got, err := inst.Call(ctx, enginetest.ExportGreetC, abi.ScalarC, []byte("test"))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(got) != "Hello World, test!" {
		t.Errorf("result = %q, want %q", got, "Hello World, test!")
	}
	if live := inst.broker.Live(); len(live) != 0 {
		t.Errorf("allocations leaked after call: %+v", live)
	}
}

func TestCallScalarNative(t *testing.T) {
	ctx := context.Background()
	inst, _ := loadInstance(t, &enginetest.Engine{})

	got, err := inst.Call(ctx, enginetest.ExportGreetNative, abi.ScalarNative, []byte("test"))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(got) != "Hello World, test!" {
		t.Errorf("result = %q, want %q", got, "Hello World, test!")
	}
	if live := inst.broker.Live(); len(live) != 0 {
		t.Errorf("allocations leaked after call: %+v", live)
	}
}

func TestCallColumnar(t *testing.T) {
	ctx := context.Background()
	inst, _ := loadInstance(t, &enginetest.Engine{})

	batch := &columnar.Batch{Records: []columnar.Record{
		{Fields: []columnar.Field{{Name: "name", Value: []byte("test")}}},
	}}
	got, err := inst.Call(ctx, enginetest.ExportTransformCols, abi.ColumnarBulk, batch.Encode())
	if err != nil {
		t.Fatalf("Call: %v", err)
	}

	out, err := columnar.Decode(got)
	if err != nil {
		t.Fatalf("decode result: %v", err)
	}
	result, ok := out.Records[0].Get("result")
	if !ok || string(result) != "Hello World, test!" {
		t.Errorf("result field = %q, %v", result, ok)
	}
	if live := inst.broker.Live(); len(live) != 0 {
		t.Errorf("allocations leaked after call: %+v", live)
	}
}

func TestCallColumnarRejectsGarbageBeforeStaging(t *testing.T) {
	ctx := context.Background()
	inst, fake := loadInstance(t, &enginetest.Engine{})

	_, err := inst.Call(ctx, enginetest.ExportTransformCols, abi.ColumnarBulk, []byte{0x0a})
	if !bridgeerrors.IsKind(err, bridgeerrors.KindSerialization) {
		t.Fatalf("want serialization, got %v", err)
	}
	if fake.InvokeCalls != 0 {
		t.Error("malformed payload must never reach the guest")
	}
	if inst.State() != StateReady {
		t.Errorf("state = %v, want ready after marshal failure", inst.State())
	}
}

func TestCallTrapFaultsInstance(t *testing.T) {
	ctx := context.Background()
	inst, fake := loadInstance(t, &enginetest.Engine{})

	_, err := inst.Call(ctx, enginetest.ExportBoom, abi.ScalarC, []byte("test"))
	if !bridgeerrors.IsKind(err, bridgeerrors.KindModuleTrap) {
		t.Fatalf("want module_trap, got %v", err)
	}
	if inst.State() != StateFaulted {
		t.Fatalf("state = %v, want faulted after trap", inst.State())
	}

	// A faulted instance refuses calls without re-entering the guest.
	invoked := fake.InvokeCalls
	_, err = inst.Call(ctx, enginetest.ExportGreetC, abi.ScalarC, []byte("test"))
	if !bridgeerrors.IsKind(err, bridgeerrors.KindModuleTrap) {
		t.Fatalf("call on faulted instance: want module_trap, got %v", err)
	}
	if fake.InvokeCalls != invoked {
		t.Error("faulted instance must not be re-entered")
	}
}

func TestFaultedModuleReloadsAfterUnload(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t, &enginetest.Engine{})

	inst, err := rt.Load(ctx, "m", enginetest.Binary(), policy.Default())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := inst.Call(ctx, enginetest.ExportBoom, abi.ScalarC, []byte("x")); err == nil {
		t.Fatal("trap expected")
	}

	if err := rt.Unload(ctx, "m"); err != nil {
		t.Fatalf("Unload faulted module: %v", err)
	}
	fresh, err := rt.Load(ctx, "m", enginetest.Binary(), policy.Default())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if _, err := fresh.Call(ctx, enginetest.ExportGreetC, abi.ScalarC, []byte("test")); err != nil {
		t.Errorf("call on reloaded module: %v", err)
	}
}

func TestCallUnknownExportLeavesInstanceReady(t *testing.T) {
	ctx := context.Background()
	inst, _ := loadInstance(t, &enginetest.Engine{})

	_, err := inst.Call(ctx, "missing", abi.ScalarC, []byte("test"))
	if !bridgeerrors.IsKind(err, bridgeerrors.KindNotFound) {
		t.Fatalf("want not_found, got %v", err)
	}
	if inst.State() != StateReady {
		t.Errorf("state = %v, want ready", inst.State())
	}
	// The staged input was released during abort.
	if live := inst.broker.Live(); len(live) != 0 {
		t.Errorf("allocations leaked after failed call: %+v", live)
	}

	if _, err := inst.Call(ctx, enginetest.ExportGreetC, abi.ScalarC, []byte("test")); err != nil {
		t.Errorf("subsequent call: %v", err)
	}
}

func TestCallAllocationFailure(t *testing.T) {
	ctx := context.Background()
	inst, fake := loadInstance(t, &enginetest.Engine{ExhaustAllocator: true})

	_, err := inst.Call(ctx, enginetest.ExportGreetC, abi.ScalarC, []byte("test"))
	if !bridgeerrors.IsKind(err, bridgeerrors.KindAllocationFailed) {
		t.Fatalf("want allocation_failed, got %v", err)
	}
	if fake.InvokeCalls != 0 {
		t.Error("allocation failure must abort before invoke")
	}
	if inst.State() != StateReady {
		t.Errorf("state = %v, want ready; allocation failure is not a fault", inst.State())
	}
}

func TestSessionRunsOnce(t *testing.T) {
	ctx := context.Background()
	inst, _ := loadInstance(t, &enginetest.Engine{})

	s := newSession(inst, enginetest.ExportGreetC, abi.ScalarC)
	if _, err := s.run(ctx, []byte("test")); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if s.state != stateDone {
		t.Fatalf("state = %v, want done", s.state)
	}

	_, err := s.run(ctx, []byte("again"))
	if !bridgeerrors.IsKind(err, bridgeerrors.KindInvalidTransition) {
		t.Fatalf("second run: want invalid_transition, got %v", err)
	}
}

func TestSessionStateOrder(t *testing.T) {
	inst, _ := loadInstance(t, &enginetest.Engine{})

	s := newSession(inst, enginetest.ExportGreetC, abi.ScalarC)
	if err := s.advance(stateWriting); !bridgeerrors.IsKind(err, bridgeerrors.KindInvalidTransition) {
		t.Fatalf("skipping a phase: want invalid_transition, got %v", err)
	}
}
