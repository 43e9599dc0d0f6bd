package runtime

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hostbridge/wasmbridge/abi"
	"github.com/hostbridge/wasmbridge/engine"
	"github.com/hostbridge/wasmbridge/errors"
	"github.com/hostbridge/wasmbridge/memory"
	"github.com/hostbridge/wasmbridge/policy"
)

// Runtime loads module binaries under capability policies and tracks every
// resulting instance through its lifecycle.
type Runtime struct {
	engine     engine.Engine
	reg        *registry
	log        *zap.Logger
	ownsEngine bool
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithEngine substitutes the sandbox engine. The runtime does not close an
// injected engine.
func WithEngine(e engine.Engine) Option {
	return func(r *Runtime) {
		r.engine = e
		r.ownsEngine = false
	}
}

// WithLogger sets the runtime's logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Runtime) { r.log = l }
}

// New creates a runtime. Without WithEngine it owns a wazero engine and
// closes it on Close.
func New(ctx context.Context, opts ...Option) (*Runtime, error) {
	r := &Runtime{
		reg: newRegistry(),
		log: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.engine == nil {
		eng, err := engine.NewWazeroEngine(ctx)
		if err != nil {
			return nil, errors.Wrap(errors.PhaseLoad, errors.KindInvalidInput, err, "create engine")
		}
		r.engine = eng
		r.ownsEngine = true
	}
	return r, nil
}

// Load validates, compiles, and instantiates a module binary under the
// given policy. An empty id gets a generated one. The identifier passes
// through loading and lands in ready; any failure on the way returns it to
// unloaded.
func (r *Runtime) Load(ctx context.Context, id string, binary []byte, pol policy.Policy) (*Instance, error) {
	if id == "" {
		id = uuid.NewString()
	}

	e, err := r.reg.begin(id)
	if err != nil {
		return nil, err
	}

	compiled, err := r.engine.Load(ctx, binary)
	if err != nil {
		r.reg.abandon(id)
		return nil, err
	}

	engInst, err := compiled.Instantiate(ctx, pol)
	if err != nil {
		compiled.Close(ctx)
		r.reg.abandon(id)
		return nil, err
	}

	broker := memory.New(engInst, engInst.Memory(),
		memory.WithMaxPages(pol.MaxMemoryPages),
		memory.WithLogger(r.log.Named("broker")))

	inst := &Instance{
		id:       id,
		entry:    e,
		runtime:  r,
		compiled: compiled,
		guest:    engInst,
		broker:   broker,
		adapter:  abi.New(broker),
		log:      r.log.With(zap.String("module", id)),
	}
	e.ready(inst)

	r.log.Info("module loaded",
		zap.String("module", id),
		zap.Uint32("pages", broker.Pages()),
		zap.Int("capabilities", len(compiled.ImportedCapabilities())))
	return inst, nil
}

// Lookup returns the instance registered under id.
func (r *Runtime) Lookup(id string) (*Instance, error) {
	e, err := r.reg.lookup(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inst == nil {
		return nil, errors.NotFound(errors.PhaseRegistry, "module", id)
	}
	return e.inst, nil
}

// Unload closes a module's instance and frees its identifier. Both ready
// and faulted modules unload; reloading a faulted module is the only way to
// bring its identifier back into service.
func (r *Runtime) Unload(ctx context.Context, id string) error {
	e, err := r.reg.lookup(id)
	if err != nil {
		return err
	}

	inst, err := e.detach()
	if err != nil {
		return err
	}
	r.reg.remove(id)

	if inst == nil {
		return nil
	}
	return inst.close(ctx)
}

// List enumerates registered modules with their state and memory
// diagnostics.
func (r *Runtime) List() []ModuleInfo {
	return r.reg.list()
}

// Close unloads every module and, if the runtime owns its engine, closes
// the engine. The first error is returned; cleanup continues past it.
func (r *Runtime) Close(ctx context.Context) error {
	var first error
	for _, info := range r.reg.list() {
		if err := r.Unload(ctx, info.ID); err != nil && first == nil {
			first = err
		}
	}
	if r.ownsEngine {
		if err := r.engine.Close(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}
