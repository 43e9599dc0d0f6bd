package engine

import (
	"context"
	"crypto/rand"
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"

	"github.com/hostbridge/wasmbridge"
	bridgeerrors "github.com/hostbridge/wasmbridge/errors"
	"github.com/hostbridge/wasmbridge/policy"
)

// WazeroEngine implements Engine using the wazero runtime.
type WazeroEngine struct {
	runtime      wazero.Runtime
	wasiInitMu   sync.Mutex
	wasiInitDone atomic.Bool
}

// NewWazeroEngine creates a new wazero-based engine.
func NewWazeroEngine(ctx context.Context) (*WazeroEngine, error) {
	return NewWazeroEngineWithConfig(ctx, nil)
}

// NewWazeroEngineWithConfig creates a new engine with custom configuration.
func NewWazeroEngineWithConfig(ctx context.Context, cfg *Config) (*WazeroEngine, error) {
	runtimeCfg := wazero.NewRuntimeConfig()
	if cfg != nil && cfg.MemoryLimitPages > 0 {
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(cfg.MemoryLimitPages)
	}

	return &WazeroEngine{
		runtime: wazero.NewRuntimeWithConfig(ctx, runtimeCfg),
	}, nil
}

func (e *WazeroEngine) Close(ctx context.Context) error {
	return e.runtime.Close(ctx)
}

// Load compiles and validates a module binary. Beyond wazero's own
// bytecode validation it checks the protocol's required exports, so a
// module that cannot cooperate with the broker is rejected at load.
func (e *WazeroEngine) Load(ctx context.Context, binary []byte) (CompiledModule, error) {
	compiled, err := e.runtime.CompileModule(ctx, binary)
	if err != nil {
		return nil, bridgeerrors.InvalidBinary(err)
	}

	exports := compiled.ExportedFunctions()
	for _, required := range []string{ExportAllocate, ExportDeallocate} {
		if _, ok := exports[required]; !ok {
			compiled.Close(ctx)
			return nil, bridgeerrors.Wrap(bridgeerrors.PhaseLoad,
				bridgeerrors.KindInvalidBinary, nil,
				"module does not export "+required)
		}
	}

	var imports [][2]string
	var needsWASI bool
	for _, def := range compiled.ImportedFunctions() {
		mod, name, isImport := def.Import()
		if !isImport {
			continue
		}
		imports = append(imports, [2]string{mod, name})
		if mod == wasiNamespace {
			needsWASI = true
		}
	}

	return &wazeroModule{
		engine:   e,
		compiled: compiled,
		caps:     importedCapabilities(imports),
		wasi:     needsWASI,
	}, nil
}

// initWASI instantiates the WASI host module once per engine. Safe for
// concurrent calls from modules sharing the engine.
func (e *WazeroEngine) initWASI(ctx context.Context) error {
	if e.wasiInitDone.Load() {
		return nil
	}

	e.wasiInitMu.Lock()
	defer e.wasiInitMu.Unlock()

	if e.wasiInitDone.Load() {
		return nil
	}
	if e.runtime.Module(wasiNamespace) == nil {
		if _, err := wasi_snapshot_preview1.Instantiate(ctx, e.runtime); err != nil {
			return bridgeerrors.Wrap(bridgeerrors.PhaseInstantiate,
				bridgeerrors.KindInvalidBinary, err, "instantiate WASI")
		}
	}
	e.wasiInitDone.Store(true)
	return nil
}

// wazeroModule is a compiled module plus the capability set its imports
// require.
type wazeroModule struct {
	engine   *WazeroEngine
	compiled wazero.CompiledModule
	caps     []policy.Category
	wasi     bool
}

func (m *wazeroModule) ImportedCapabilities() []policy.Category {
	return m.caps
}

func (m *wazeroModule) Close(ctx context.Context) error {
	return m.compiled.Close(ctx)
}

func (m *wazeroModule) Instantiate(ctx context.Context, pol policy.Policy) (Instance, error) {
	for _, c := range m.caps {
		if !pol.Allows(c) {
			return nil, bridgeerrors.DisallowedCapability("", string(c))
		}
	}

	if m.wasi {
		if err := m.engine.initWASI(ctx); err != nil {
			return nil, err
		}
	}

	// Anonymous name so independent instances of the same binary never
	// collide in the runtime's namespace.
	modCfg := wazero.NewModuleConfig().WithName("")
	if pol.Allows(policy.Filesystem) && pol.FilesystemRoot != "" {
		modCfg = modCfg.WithFSConfig(
			wazero.NewFSConfig().WithDirMount(pol.FilesystemRoot, "/"))
	}
	if pol.Allows(policy.Clock) {
		modCfg = modCfg.WithSysWalltime().WithSysNanotime()
	}
	if pol.Allows(policy.Random) {
		modCfg = modCfg.WithRandSource(rand.Reader)
	}

	mod, err := m.engine.runtime.InstantiateModule(ctx, m.compiled, modCfg)
	if err != nil {
		return nil, bridgeerrors.Wrap(bridgeerrors.PhaseInstantiate,
			bridgeerrors.KindInvalidBinary, err, "instantiate module")
	}

	inst := &wazeroInstance{
		mod:      mod,
		allocFn:  mod.ExportedFunction(ExportAllocate),
		freeFn:   mod.ExportedFunction(ExportDeallocate),
		fnCache:  make(map[string]api.Function),
		stackBuf: make([]uint64, 8),
	}
	if mem := mod.Memory(); mem != nil {
		inst.memory = &wazeroMemory{mem: mem}
	}
	return inst, nil
}

// wazeroInstance is a running module instance. It is NOT safe for
// concurrent use; each caller needs its own instance.
type wazeroInstance struct {
	mod      api.Module
	allocFn  api.Function
	freeFn   api.Function
	memory   *wazeroMemory
	fnCache  map[string]api.Function
	stackBuf []uint64
}

func (i *wazeroInstance) Memory() wasmbridge.Memory {
	if i.memory == nil {
		return nil
	}
	return i.memory
}

func (i *wazeroInstance) Allocate(ctx context.Context, size uint32) (uint32, error) {
	i.stackBuf[0] = uint64(size)
	if err := i.allocFn.CallWithStack(ctx, i.stackBuf[:1]); err != nil {
		return 0, bridgeerrors.Trap(ExportAllocate, err)
	}
	return uint32(i.stackBuf[0]), nil
}

func (i *wazeroInstance) Deallocate(ctx context.Context, ptr, size uint32) error {
	i.stackBuf[0] = uint64(ptr)
	i.stackBuf[1] = uint64(size)
	if err := i.freeFn.CallWithStack(ctx, i.stackBuf[:2]); err != nil {
		Logger().Warn("deallocate trapped",
			zap.Uint32("ptr", ptr),
			zap.Uint32("size", size),
			zap.Error(err))
		return bridgeerrors.Trap(ExportDeallocate, err)
	}
	return nil
}

func (i *wazeroInstance) Invoke(ctx context.Context, name string, args ...uint64) ([]uint64, error) {
	fn, ok := i.fnCache[name]
	if !ok {
		fn = i.mod.ExportedFunction(name)
		if fn == nil {
			return nil, bridgeerrors.NotFound(bridgeerrors.PhaseInvoke, "export", name)
		}
		i.fnCache[name] = fn
	}

	results, err := fn.Call(ctx, args...)
	if err != nil {
		// Any fault inside the guest surfaces as a recoverable trap at
		// this boundary; it must never propagate as a host fault.
		return nil, bridgeerrors.Trap(name, err)
	}
	return results, nil
}

func (i *wazeroInstance) Close(ctx context.Context) error {
	if i.mod == nil {
		return nil
	}
	err := i.mod.Close(ctx)
	i.mod = nil
	i.fnCache = nil
	i.memory = nil
	i.allocFn = nil
	i.freeFn = nil
	return err
}

// wazeroMemory adapts wazero's api.Memory. Read returns a view into guest
// memory; the broker copies before handing bytes to callers.
type wazeroMemory struct {
	mem api.Memory
}

func (m *wazeroMemory) Read(offset, length uint32) ([]byte, error) {
	data, ok := m.mem.Read(offset, length)
	if !ok {
		return nil, bridgeerrors.OutOfBounds(bridgeerrors.PhaseMemory,
			offset, length, "engine read out of bounds")
	}
	return data, nil
}

func (m *wazeroMemory) Write(offset uint32, data []byte) error {
	if !m.mem.Write(offset, data) {
		return bridgeerrors.OutOfBounds(bridgeerrors.PhaseMemory,
			offset, uint32(len(data)), "engine write out of bounds")
	}
	return nil
}

func (m *wazeroMemory) Size() uint32 {
	return m.mem.Size()
}

func (m *wazeroMemory) Grow(deltaPages uint32) (uint32, error) {
	prev, ok := m.mem.Grow(deltaPages)
	if !ok {
		return 0, bridgeerrors.Wrap(bridgeerrors.PhaseMemory,
			bridgeerrors.KindAllocationFailed, nil, "engine denied memory growth")
	}
	return prev, nil
}

var _ Engine = (*WazeroEngine)(nil)
var _ CompiledModule = (*wazeroModule)(nil)
var _ Instance = (*wazeroInstance)(nil)
var _ wasmbridge.Memory = (*wazeroMemory)(nil)
