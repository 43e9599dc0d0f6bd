package runtime

import (
	"sort"
	"sync"

	"github.com/hostbridge/wasmbridge/errors"
)

// State of one registered module.
type State string

const (
	StateUnloaded State = "unloaded"
	StateLoading  State = "loading"
	StateReady    State = "ready"
	StateFaulted  State = "faulted"
)

// ModuleInfo describes one registered module for diagnostics.
type ModuleInfo struct {
	ID              string
	State           State
	MemoryPages     uint32
	LiveAllocations int
}

// registry tracks per-identifier lifecycle state. Transitions on one entry
// are serialized by the entry's own lock; the registry lock only guards the
// identifier map.
type registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	mu    sync.Mutex
	id    string
	state State
	inst  *Instance
}

func newRegistry() *registry {
	return &registry{entries: make(map[string]*entry)}
}

// begin reserves an identifier and moves it to loading. An identifier
// already present in any state cannot be loaded again until unloaded.
func (r *registry) begin(id string) (*entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[id]; ok {
		return nil, errors.InvalidTransition(id, string(e.state), string(StateLoading))
	}
	e := &entry{id: id, state: StateLoading}
	r.entries[id] = e
	return e, nil
}

// abandon removes an entry whose load never completed.
func (r *registry) abandon(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

func (r *registry) lookup(id string) (*entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, errors.NotFound(errors.PhaseRegistry, "module", id)
	}
	return e, nil
}

// remove deletes an entry after its instance is closed, completing the
// transition back to unloaded.
func (r *registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

func (r *registry) list() []ModuleInfo {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	infos := make([]ModuleInfo, 0, len(entries))
	for _, e := range entries {
		infos = append(infos, e.info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

func (e *entry) ready(inst *Instance) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = StateReady
	e.inst = inst
}

// fault marks the entry's instance unusable. The guest allocator state is
// unknown after a trap, so faulted is terminal until unload.
func (e *entry) fault() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateReady {
		e.state = StateFaulted
	}
}

func (e *entry) currentState() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *entry) info() ModuleInfo {
	e.mu.Lock()
	defer e.mu.Unlock()

	info := ModuleInfo{ID: e.id, State: e.state}
	if e.inst != nil {
		info.MemoryPages = e.inst.broker.Pages()
		info.LiveAllocations = len(e.inst.broker.Live())
	}
	return info
}

// detach transitions the entry out of service for unload. Only ready and
// faulted entries can be unloaded; a load still in flight cannot.
func (e *entry) detach() (*Instance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateReady && e.state != StateFaulted {
		return nil, errors.InvalidTransition(e.id, string(e.state), string(StateUnloaded))
	}
	inst := e.inst
	e.state = StateUnloaded
	e.inst = nil
	return inst, nil
}
