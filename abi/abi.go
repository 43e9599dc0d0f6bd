package abi

import (
	"context"
	"encoding/binary"

	"github.com/hostbridge/wasmbridge/errors"
	"github.com/hostbridge/wasmbridge/memory"
)

// Convention selects how a payload crosses the memory boundary for one
// exported function. There is no general marshaling layer: giving a
// module an interface means picking one of these three.
type Convention uint8

const (
	// ScalarC passes a zero-terminated byte string and receives an
	// offset to a zero-terminated result.
	ScalarC Convention = iota

	// ScalarNative passes an explicit (offset, length) pair and
	// receives an offset to a two-word (result_offset, result_length)
	// record. The indirection exists because a single scalar return
	// cannot carry both a pointer and a length.
	ScalarNative

	// ColumnarBulk ships an opaque serialized columnar message using
	// the ScalarNative offset/length convention. The adapter never
	// inspects the message; the columnar package owns its structure.
	ColumnarBulk
)

func (c Convention) String() string {
	switch c {
	case ScalarC:
		return "cstring"
	case ScalarNative:
		return "native"
	case ColumnarBulk:
		return "columnar"
	}
	return "unknown"
}

// ParseConvention maps a convention name to its value.
func ParseConvention(s string) (Convention, error) {
	switch s {
	case "cstring":
		return ScalarC, nil
	case "native":
		return ScalarNative, nil
	case "columnar":
		return ColumnarBulk, nil
	}
	return 0, errors.InvalidInput(errors.PhaseMarshal, "unknown convention "+s)
}

// Span is one allocation range owned by a call.
type Span struct {
	Offset uint32
	Length uint32
}

// Staged is an input payload marshaled into module memory, ready to
// invoke.
type Staged struct {
	// Input is the allocation holding the payload; the caller releases
	// it after the invocation.
	Input Span

	// Args are the raw invoke arguments the convention prescribes.
	Args []uint64
}

// Result is a decoded invocation result. Data is a host-side copy; Owned
// lists every result span adopted during decoding, which the caller must
// release.
type Result struct {
	Data  []byte
	Owned []Span
}

// Stage returns the exact bytes a payload occupies in module memory under
// the convention: the C form gains its trailing zero, the native forms are
// the payload verbatim.
func Stage(conv Convention, payload []byte) ([]byte, error) {
	switch conv {
	case ScalarC:
		for _, c := range payload {
			if c == 0 {
				return nil, errors.InvalidInput(errors.PhaseMarshal,
					"payload contains a zero byte, which the C convention cannot carry")
			}
		}
		wire := make([]byte, len(payload)+1)
		copy(wire, payload)
		return wire, nil
	case ScalarNative, ColumnarBulk:
		if len(payload) == 0 {
			return nil, errors.InvalidInput(errors.PhaseMarshal,
				"empty payload for offset/length convention")
		}
		return payload, nil
	}
	return nil, errors.InvalidInput(errors.PhaseMarshal, "unknown convention")
}

// InvokeArgs returns the invoke arguments the convention prescribes for a
// staged input span.
func InvokeArgs(conv Convention, in Span) []uint64 {
	if conv == ScalarC {
		return []uint64{uint64(in.Offset)}
	}
	return []uint64{uint64(in.Offset), uint64(in.Length)}
}

// Adapter encodes host payloads into module memory and decodes module
// results back, using only the broker's validated primitives.
type Adapter struct {
	broker *memory.Broker
}

// New creates an adapter over one instance's broker.
func New(broker *memory.Broker) *Adapter {
	return &Adapter{broker: broker}
}

// Encode stages payload in module memory per the convention.
func (a *Adapter) Encode(ctx context.Context, conv Convention, payload []byte) (Staged, error) {
	wire, err := Stage(conv, payload)
	if err != nil {
		return Staged{}, err
	}

	offset, err := a.broker.Acquire(ctx, uint32(len(wire)))
	if err != nil {
		return Staged{}, err
	}
	if err := a.broker.Write(offset, wire); err != nil {
		return Staged{}, err
	}

	in := Span{Offset: offset, Length: uint32(len(wire))}
	return Staged{Input: in, Args: InvokeArgs(conv, in)}, nil
}

// Decode reads the invocation result per the convention. Every span it
// adopts is reported in Result.Owned for the caller to release.
func (a *Adapter) Decode(ctx context.Context, conv Convention, results []uint64) (Result, error) {
	if len(results) == 0 {
		return Result{}, errors.InvalidInput(errors.PhaseMarshal,
			"module returned no result value")
	}

	switch conv {
	case ScalarC:
		return a.decodeC(uint32(results[0]))
	case ScalarNative, ColumnarBulk:
		return a.decodeNative(uint32(results[0]))
	}
	return Result{}, errors.InvalidInput(errors.PhaseMarshal, "unknown convention")
}

func (a *Adapter) decodeC(offset uint32) (Result, error) {
	// Length is discovered by scanning to the terminator, bounded by
	// the region size; only then does the span enter the validated
	// read path.
	n, err := a.broker.ScanZero(offset)
	if err != nil {
		return Result{}, err
	}
	if err := a.broker.Adopt(offset, n+1); err != nil {
		return Result{}, err
	}

	res := Result{Owned: []Span{{Offset: offset, Length: n + 1}}}
	if n > 0 {
		data, err := a.broker.Read(offset, n)
		if err != nil {
			return res, err
		}
		res.Data = data
	}
	return res, nil
}

func (a *Adapter) decodeNative(record uint32) (Result, error) {
	if err := a.broker.Adopt(record, 8); err != nil {
		return Result{}, err
	}
	res := Result{Owned: []Span{{Offset: record, Length: 8}}}

	hdr, err := a.broker.Read(record, 8)
	if err != nil {
		return res, err
	}
	resultOffset := binary.LittleEndian.Uint32(hdr[0:4])
	resultLength := binary.LittleEndian.Uint32(hdr[4:8])

	if resultLength == 0 {
		return res, nil
	}
	if err := a.broker.Adopt(resultOffset, resultLength); err != nil {
		return res, err
	}
	res.Owned = append(res.Owned, Span{Offset: resultOffset, Length: resultLength})

	data, err := a.broker.Read(resultOffset, resultLength)
	if err != nil {
		return res, err
	}
	res.Data = data
	return res, nil
}
