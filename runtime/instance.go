package runtime

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/hostbridge/wasmbridge/abi"
	"github.com/hostbridge/wasmbridge/engine"
	"github.com/hostbridge/wasmbridge/errors"
	"github.com/hostbridge/wasmbridge/memory"
)

// Instance is one loaded module. It serializes its callers: the guest, its
// allocator, and the broker's bookkeeping are single-threaded per instance.
type Instance struct {
	mu       sync.Mutex
	id       string
	entry    *entry
	runtime  *Runtime
	compiled engine.CompiledModule
	guest    engine.Instance
	broker   *memory.Broker
	adapter  *abi.Adapter
	log      *zap.Logger
}

// ID returns the identifier the instance is registered under.
func (i *Instance) ID() string {
	return i.id
}

// State returns the instance's current lifecycle state.
func (i *Instance) State() State {
	return i.entry.currentState()
}

// Call invokes an exported function with payload marshaled under the given
// convention and returns a host-side copy of the result. A faulted instance
// fails immediately without entering the guest. A trap during the call
// marks the instance faulted; every other failure leaves it ready.
func (i *Instance) Call(ctx context.Context, export string, conv abi.Convention, payload []byte) ([]byte, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if state := i.entry.currentState(); state != StateReady {
		if state == StateFaulted {
			return nil, errors.Faulted(i.id)
		}
		return nil, errors.InvalidTransition(i.id, string(state), string(StateReady))
	}

	s := newSession(i, export, conv)
	data, err := s.run(ctx, payload)
	if err != nil && errors.IsKind(err, errors.KindModuleTrap) {
		i.entry.fault()
		i.log.Warn("instance faulted",
			zap.String("export", export),
			zap.Error(err))
	}
	return data, err
}

// Pages returns the instance's current memory region size in pages.
func (i *Instance) Pages() uint32 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.broker.Pages()
}

// close releases the guest instance and its compiled module. Called by the
// runtime under Unload.
func (i *Instance) close(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	err := i.guest.Close(ctx)
	if cerr := i.compiled.Close(ctx); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
