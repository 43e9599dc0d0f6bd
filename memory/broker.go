package memory

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/hostbridge/wasmbridge"
	bridgeerrors "github.com/hostbridge/wasmbridge/errors"
)

// Status of one tracked allocation.
type Status uint8

const (
	Live Status = iota
	Freed
)

func (s Status) String() string {
	if s == Live {
		return "live"
	}
	return "freed"
}

// Allocation is one span of module memory the broker tracks. Freed entries
// are kept so double-free is a detectable state, not silent corruption.
type Allocation struct {
	Offset uint32
	Length uint32
	Status Status
}

// Broker is the per-instance allocation bridge. Every byte the host reads
// from or writes into module memory routes through its validated
// accessors; no other component touches raw offsets.
//
// A Broker is bound to one instance and, like the instance, is not safe
// for concurrent use.
type Broker struct {
	guest    wasmbridge.Guest
	mem      wasmbridge.Memory
	allocs   map[uint32]*Allocation
	log      *zap.Logger
	maxPages uint32
}

// Option configures a Broker.
type Option func(*Broker)

// WithMaxPages caps the region at the given page count. Zero means
// uncapped: growth is bounded only by the engine.
func WithMaxPages(pages uint32) Option {
	return func(b *Broker) { b.maxPages = pages }
}

// WithLogger sets the broker's logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Broker) { b.log = l }
}

// New creates a broker over one instance's guest exports and memory.
func New(guest wasmbridge.Guest, mem wasmbridge.Memory, opts ...Option) *Broker {
	b := &Broker{
		guest:  guest,
		mem:    mem,
		allocs: make(map[uint32]*Allocation),
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Acquire asks the module's allocator for a span of length bytes. When the
// allocator cannot place the request within the current region, the broker
// grows the region by the minimal number of whole pages covering the
// request, retries once, and only then fails with allocation_failed.
func (b *Broker) Acquire(ctx context.Context, length uint32) (uint32, error) {
	if length == 0 {
		return 0, bridgeerrors.InvalidInput(bridgeerrors.PhaseMemory, "acquire of zero bytes")
	}

	offset, err := b.guest.Allocate(ctx, length)
	if err != nil {
		return 0, err
	}
	if offset == 0 {
		if err := b.grow(pagesFor(length)); err != nil {
			return 0, bridgeerrors.AllocationFailed(length, err)
		}
		offset, err = b.guest.Allocate(ctx, length)
		if err != nil {
			return 0, err
		}
		if offset == 0 {
			return 0, bridgeerrors.AllocationFailed(length, nil)
		}
	}

	// The allocator may legitimately place the span at the current edge
	// of the region; make sure the whole span is addressable.
	if end := uint64(offset) + uint64(length); end > uint64(b.mem.Size()) {
		short := uint32(end - uint64(b.mem.Size()))
		if err := b.grow(pagesFor(short)); err != nil {
			return 0, bridgeerrors.AllocationFailed(length, err)
		}
	}

	if err := b.track(offset, length); err != nil {
		return 0, err
	}
	b.log.Debug("acquired", zap.Uint32("offset", offset), zap.Uint32("length", length))
	return offset, nil
}

// Adopt records a module-produced span (a result the guest allocated
// internally) so subsequent reads and the final release route through the
// same bookkeeping as host-requested spans.
func (b *Broker) Adopt(offset, length uint32) error {
	if offset == 0 {
		return bridgeerrors.OutOfBounds(bridgeerrors.PhaseMemory, offset, length,
			"module returned a null result offset")
	}
	if uint64(offset)+uint64(length) > uint64(b.mem.Size()) {
		return bridgeerrors.OutOfBounds(bridgeerrors.PhaseMemory, offset, length,
			"result span exceeds region size")
	}
	if err := b.track(offset, length); err != nil {
		return err
	}
	b.log.Debug("adopted", zap.Uint32("offset", offset), zap.Uint32("length", length))
	return nil
}

// track records a live allocation, rejecting overlap with any existing
// live span. Freed entries at the same offset are reused: module
// allocators recycle addresses.
func (b *Broker) track(offset, length uint32) error {
	for _, a := range b.allocs {
		if a.Status != Live {
			continue
		}
		if offset < a.Offset+a.Length && a.Offset < offset+length {
			return bridgeerrors.OutOfBounds(bridgeerrors.PhaseMemory, offset, length,
				"span overlaps a live allocation")
		}
	}
	b.allocs[offset] = &Allocation{Offset: offset, Length: length, Status: Live}
	return nil
}

// Release returns a tracked span to the module's allocator. Releasing a
// span that was never tracked fails out_of_bounds; releasing one already
// freed fails double_free without corrupting broker state.
func (b *Broker) Release(ctx context.Context, offset, length uint32) error {
	a, ok := b.allocs[offset]
	if !ok {
		return bridgeerrors.OutOfBounds(bridgeerrors.PhaseMemory, offset, length,
			"offset was never acquired on this instance")
	}
	if a.Status != Live {
		return bridgeerrors.DoubleFree(offset, length)
	}
	if a.Length != length {
		return bridgeerrors.OutOfBounds(bridgeerrors.PhaseMemory, offset, length,
			"length does not match the tracked allocation")
	}

	if err := b.guest.Deallocate(ctx, offset, length); err != nil {
		return err
	}
	a.Status = Freed
	b.log.Debug("released", zap.Uint32("offset", offset), zap.Uint32("length", length))
	return nil
}

// Validate reports whether [offset, offset+length) lies within the region
// and is covered by a single live allocation.
func (b *Broker) Validate(offset, length uint32) bool {
	if uint64(offset)+uint64(length) > uint64(b.mem.Size()) {
		return false
	}
	return b.covering(offset, length) != nil
}

func (b *Broker) covering(offset, length uint32) *Allocation {
	for _, a := range b.allocs {
		if a.Status != Live {
			continue
		}
		if offset >= a.Offset && uint64(offset)+uint64(length) <= uint64(a.Offset)+uint64(a.Length) {
			return a
		}
	}
	return nil
}

// Read copies length bytes out of module memory. The returned slice never
// aliases the region.
func (b *Broker) Read(offset, length uint32) ([]byte, error) {
	if !b.Validate(offset, length) {
		return nil, bridgeerrors.OutOfBounds(bridgeerrors.PhaseMemory, offset, length,
			"no live allocation covers read range")
	}
	view, err := b.mem.Read(offset, length)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), view...), nil
}

// Write copies data into module memory.
func (b *Broker) Write(offset uint32, data []byte) error {
	if !b.Validate(offset, uint32(len(data))) {
		return bridgeerrors.OutOfBounds(bridgeerrors.PhaseMemory, offset, uint32(len(data)),
			"no live allocation covers write range")
	}
	return b.mem.Write(offset, data)
}

// ScanZero returns the number of bytes before the first zero byte at or
// after offset, bounded by the current region size. It is the one raw
// probe the C-string convention needs before the result span can be
// adopted and read through the validated path.
func (b *Broker) ScanZero(offset uint32) (uint32, error) {
	size := b.mem.Size()
	if offset >= size {
		return 0, bridgeerrors.OutOfBounds(bridgeerrors.PhaseMemory, offset, 0,
			"scan start beyond region size")
	}
	view, err := b.mem.Read(offset, size-offset)
	if err != nil {
		return 0, err
	}
	for i, c := range view {
		if c == 0 {
			return uint32(i), nil
		}
	}
	return 0, bridgeerrors.OutOfBounds(bridgeerrors.PhaseMemory, offset, size-offset,
		"unterminated string: no zero byte before region end")
}

// grow extends the region by deltaPages, honoring the configured cap.
func (b *Broker) grow(deltaPages uint32) error {
	if b.maxPages > 0 {
		current := b.Pages()
		if current+deltaPages > b.maxPages {
			return bridgeerrors.Wrap(bridgeerrors.PhaseMemory,
				bridgeerrors.KindAllocationFailed, nil, "per-instance page cap reached")
		}
	}
	prev, err := b.mem.Grow(deltaPages)
	if err != nil {
		return err
	}
	b.log.Debug("region grown",
		zap.Uint32("prev_pages", prev),
		zap.Uint32("delta_pages", deltaPages))
	return nil
}

// Pages returns the current region size in whole pages.
func (b *Broker) Pages() uint32 {
	return b.mem.Size() / wasmbridge.PageSize
}

// Live returns the live allocations sorted by offset, for diagnostics.
func (b *Broker) Live() []Allocation {
	var out []Allocation
	for _, a := range b.allocs {
		if a.Status == Live {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Offset < out[j].Offset })
	return out
}

func pagesFor(bytes uint32) uint32 {
	return (bytes + wasmbridge.PageSize - 1) / wasmbridge.PageSize
}
