// Package enginetest provides an in-process fake of the sandbox engine
// boundary: a Go-side guest with a real allocator over a growable region,
// the three marshaling entry points, and a trapping export. It lets the
// protocol packages exercise every path of the exchange contract without
// compiled module binaries.
package enginetest

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"

	"github.com/hostbridge/wasmbridge"
	"github.com/hostbridge/wasmbridge/columnar"
	"github.com/hostbridge/wasmbridge/engine"
	bridgeerrors "github.com/hostbridge/wasmbridge/errors"
	"github.com/hostbridge/wasmbridge/policy"
)

var wasmMagic = []byte{0x00, 0x61, 0x73, 0x6d}

// Binary returns bytes the fake engine accepts as a valid module binary.
func Binary() []byte {
	return append(append([]byte(nil), wasmMagic...), 0x01, 0x00, 0x00, 0x00)
}

// Exports implemented by the fake guest.
const (
	ExportGreetC        = "greet_c"
	ExportGreetNative   = "greet_native"
	ExportTransformCols = "transform_columnar"
	ExportBoom          = "boom"
)

// Engine is a fake engine.Engine. Knobs configured before Load apply to
// every module it compiles.
type Engine struct {
	// RequiredCaps is reported as the compiled module's imported
	// capability set.
	RequiredCaps []policy.Category

	// InitialPages sizes new instance regions. Defaults to 1.
	InitialPages uint32

	// DenyGrow makes every growth request fail, as a sandbox that
	// refuses to extend the region would.
	DenyGrow bool

	// ExhaustAllocator makes the guest allocator return 0 even after
	// growth, to drive the allocation_failed path.
	ExhaustAllocator bool
}

func (e *Engine) Load(_ context.Context, binary []byte) (engine.CompiledModule, error) {
	if !bytes.HasPrefix(binary, wasmMagic) {
		return nil, bridgeerrors.InvalidBinary(errors.New("bad magic"))
	}
	return &module{engine: e}, nil
}

func (e *Engine) Close(context.Context) error { return nil }

type module struct {
	engine *Engine
}

func (m *module) ImportedCapabilities() []policy.Category {
	return m.engine.RequiredCaps
}

func (m *module) Instantiate(_ context.Context, pol policy.Policy) (engine.Instance, error) {
	for _, c := range m.engine.RequiredCaps {
		if !pol.Allows(c) {
			return nil, bridgeerrors.DisallowedCapability("", string(c))
		}
	}

	pages := m.engine.InitialPages
	if pages == 0 {
		pages = 1
	}
	inst := &Instance{
		denyGrow:  m.engine.DenyGrow,
		exhausted: m.engine.ExhaustAllocator,
		data:      make([]byte, pages*wasmbridge.PageSize),
		next:      16, // offset 0 stays reserved as the null result
		held:      make(map[uint32]uint32),
	}
	return inst, nil
}

func (m *module) Close(context.Context) error { return nil }

// Instance is a fake engine.Instance whose guest logic runs in-process.
type Instance struct {
	data      []byte
	held      map[uint32]uint32
	next      uint32
	denyGrow  bool
	exhausted bool
	closed    bool

	// InvokeCalls counts Invoke executions, letting tests assert that a
	// faulted instance is never re-entered.
	InvokeCalls int
}

func (i *Instance) Memory() wasmbridge.Memory { return (*instanceMemory)(i) }

func (i *Instance) Close(context.Context) error {
	i.closed = true
	return nil
}

// Allocate is the guest allocator: a bump allocator that refuses requests
// not fitting the current region, which is exactly the behavior that
// forces the broker's growth-and-retry path.
func (i *Instance) Allocate(_ context.Context, size uint32) (uint32, error) {
	return i.guestAlloc(size, false), nil
}

func (i *Instance) Deallocate(_ context.Context, ptr, size uint32) error {
	held, ok := i.held[ptr]
	if !ok || held != size {
		return bridgeerrors.Trap(engine.ExportDeallocate,
			errors.New("deallocate of unknown span"))
	}
	delete(i.held, ptr)
	return nil
}

// guestAlloc places size bytes. When internal is set the guest grows its
// own region as a real module would while building a result; otherwise a
// non-fitting request returns 0 and the host is expected to grow.
func (i *Instance) guestAlloc(size uint32, internal bool) uint32 {
	if i.exhausted {
		return 0
	}
	aligned := (i.next + 7) &^ 7
	if uint64(aligned)+uint64(size) > uint64(len(i.data)) {
		if !internal {
			return 0
		}
		need := uint64(aligned) + uint64(size) - uint64(len(i.data))
		pages := uint32((need + wasmbridge.PageSize - 1) / wasmbridge.PageSize)
		if _, err := i.Memory().Grow(pages); err != nil {
			return 0
		}
	}
	i.next = aligned + size
	i.held[aligned] = size
	return aligned
}

func (i *Instance) Invoke(ctx context.Context, name string, args ...uint64) ([]uint64, error) {
	i.InvokeCalls++

	switch name {
	case ExportGreetC:
		return i.greetC(args)
	case ExportGreetNative:
		return i.greetNative(args)
	case ExportTransformCols:
		return i.transformColumnar(args)
	case ExportBoom:
		return nil, bridgeerrors.Trap(name, errors.New("unreachable executed"))
	default:
		return nil, bridgeerrors.NotFound(bridgeerrors.PhaseInvoke, "export", name)
	}
}

func (i *Instance) greetC(args []uint64) ([]uint64, error) {
	ptr := uint32(args[0])
	end := ptr
	for end < uint32(len(i.data)) && i.data[end] != 0 {
		end++
	}
	if end == uint32(len(i.data)) {
		return nil, bridgeerrors.Trap(ExportGreetC, errors.New("unterminated input"))
	}

	result := greeting(i.data[ptr:end])
	roff := i.guestAlloc(uint32(len(result))+1, true)
	if roff == 0 {
		return nil, bridgeerrors.Trap(ExportGreetC, errors.New("guest allocator exhausted"))
	}
	copy(i.data[roff:], result)
	i.data[roff+uint32(len(result))] = 0
	return []uint64{uint64(roff)}, nil
}

func (i *Instance) greetNative(args []uint64) ([]uint64, error) {
	ptr, length := uint32(args[0]), uint32(args[1])
	if uint64(ptr)+uint64(length) > uint64(len(i.data)) {
		return nil, bridgeerrors.Trap(ExportGreetNative, errors.New("input out of range"))
	}
	result := greeting(i.data[ptr : ptr+length])
	return i.returnNative(ExportGreetNative, result)
}

func (i *Instance) transformColumnar(args []uint64) ([]uint64, error) {
	ptr, length := uint32(args[0]), uint32(args[1])
	if uint64(ptr)+uint64(length) > uint64(len(i.data)) {
		return nil, bridgeerrors.Trap(ExportTransformCols, errors.New("input out of range"))
	}

	batch, err := columnar.Decode(i.data[ptr : ptr+length])
	if err != nil {
		return nil, bridgeerrors.Trap(ExportTransformCols, err)
	}
	for r := range batch.Records {
		name, _ := batch.Records[r].Get("name")
		batch.Records[r].Set("result", greeting(name))
	}
	return i.returnNative(ExportTransformCols, batch.Encode())
}

// returnNative places result in guest memory and returns the offset of a
// two-word (result_offset, result_length) record, little-endian.
func (i *Instance) returnNative(export string, result []byte) ([]uint64, error) {
	roff := i.guestAlloc(uint32(len(result)), true)
	rec := i.guestAlloc(8, true)
	if roff == 0 || rec == 0 {
		return nil, bridgeerrors.Trap(export, errors.New("guest allocator exhausted"))
	}
	copy(i.data[roff:], result)
	binary.LittleEndian.PutUint32(i.data[rec:], roff)
	binary.LittleEndian.PutUint32(i.data[rec+4:], uint32(len(result)))
	return []uint64{uint64(rec)}, nil
}

func greeting(name []byte) []byte {
	out := make([]byte, 0, len(name)+14)
	out = append(out, "Hello World, "...)
	out = append(out, name...)
	return append(out, '!')
}

// instanceMemory exposes the fake region through the wasmbridge.Memory
// contract.
type instanceMemory Instance

func (m *instanceMemory) Read(offset, length uint32) ([]byte, error) {
	if uint64(offset)+uint64(length) > uint64(len(m.data)) {
		return nil, bridgeerrors.OutOfBounds(bridgeerrors.PhaseMemory, offset, length,
			"engine read out of bounds")
	}
	return m.data[offset : offset+length], nil
}

func (m *instanceMemory) Write(offset uint32, data []byte) error {
	if uint64(offset)+uint64(len(data)) > uint64(len(m.data)) {
		return bridgeerrors.OutOfBounds(bridgeerrors.PhaseMemory, offset, uint32(len(data)),
			"engine write out of bounds")
	}
	copy(m.data[offset:], data)
	return nil
}

func (m *instanceMemory) Size() uint32 { return uint32(len(m.data)) }

func (m *instanceMemory) Grow(deltaPages uint32) (uint32, error) {
	if m.denyGrow {
		return 0, bridgeerrors.Wrap(bridgeerrors.PhaseMemory,
			bridgeerrors.KindAllocationFailed, nil, "engine denied memory growth")
	}
	prev := uint32(len(m.data)) / wasmbridge.PageSize
	m.data = append(m.data, make([]byte, deltaPages*wasmbridge.PageSize)...)
	return prev, nil
}

var _ engine.Engine = (*Engine)(nil)
var _ engine.Instance = (*Instance)(nil)
