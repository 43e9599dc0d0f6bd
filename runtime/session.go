package runtime

import (
	"context"

	"go.uber.org/zap"

	"github.com/hostbridge/wasmbridge/abi"
	"github.com/hostbridge/wasmbridge/columnar"
	"github.com/hostbridge/wasmbridge/errors"
)

// sessionState is the phase of one call session.
type sessionState uint8

const (
	stateIdle sessionState = iota
	stateAllocating
	stateWriting
	stateInvoking
	stateReading
	stateReleasing
	stateDone
	stateFailed
)

func (s sessionState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateAllocating:
		return "allocating"
	case stateWriting:
		return "writing"
	case stateInvoking:
		return "invoking"
	case stateReading:
		return "reading"
	case stateReleasing:
		return "releasing"
	case stateDone:
		return "done"
	case stateFailed:
		return "failed"
	}
	return "unknown"
}

// session runs one invocation as a one-shot state machine. Each phase
// advances strictly forward; any failure lands in failed after releasing
// whatever the session still holds, and the first error is the one
// surfaced.
type session struct {
	inst   *Instance
	export string
	conv   abi.Convention
	state  sessionState
	held   []abi.Span
	log    *zap.Logger
}

func newSession(i *Instance, export string, conv abi.Convention) *session {
	return &session{
		inst:   i,
		export: export,
		conv:   conv,
		log:    i.log.With(zap.String("export", export)),
	}
}

// advance moves the session one phase forward.
func (s *session) advance(next sessionState) error {
	if next != s.state+1 {
		return errors.InvalidTransition(s.inst.id, s.state.String(), next.String())
	}
	s.state = next
	return nil
}

// run executes acquire, write, invoke, read, release. A session runs once.
func (s *session) run(ctx context.Context, payload []byte) ([]byte, error) {
	if s.state != stateIdle {
		return nil, errors.InvalidTransition(s.inst.id, s.state.String(), stateAllocating.String())
	}

	if s.conv == abi.ColumnarBulk {
		if err := columnar.Validate(payload); err != nil {
			s.state = stateFailed
			return nil, err
		}
	}

	wire, err := abi.Stage(s.conv, payload)
	if err != nil {
		s.state = stateFailed
		return nil, err
	}

	if err := s.advance(stateAllocating); err != nil {
		return nil, err
	}
	offset, err := s.inst.broker.Acquire(ctx, uint32(len(wire)))
	if err != nil {
		return nil, s.abort(ctx, err)
	}
	input := abi.Span{Offset: offset, Length: uint32(len(wire))}
	s.held = append(s.held, input)

	if err := s.advance(stateWriting); err != nil {
		return nil, s.abort(ctx, err)
	}
	if err := s.inst.broker.Write(input.Offset, wire); err != nil {
		return nil, s.abort(ctx, err)
	}

	if err := s.advance(stateInvoking); err != nil {
		return nil, s.abort(ctx, err)
	}
	results, err := s.inst.guest.Invoke(ctx, s.export, abi.InvokeArgs(s.conv, input)...)
	if err != nil {
		// The guest faulted mid-execution; its allocator state is
		// unknown, so releasing the input is best effort only.
		return nil, s.abort(ctx, err)
	}

	if err := s.advance(stateReading); err != nil {
		return nil, s.abort(ctx, err)
	}
	res, err := s.inst.adapter.Decode(ctx, s.conv, results)
	s.held = append(s.held, res.Owned...)
	if err != nil {
		return nil, s.abort(ctx, err)
	}

	if s.conv == abi.ColumnarBulk {
		if err := columnar.Validate(res.Data); err != nil {
			return nil, s.abort(ctx, err)
		}
	}

	if err := s.advance(stateReleasing); err != nil {
		return nil, s.abort(ctx, err)
	}
	var releaseErr error
	for _, span := range s.held {
		if err := s.inst.broker.Release(ctx, span.Offset, span.Length); err != nil && releaseErr == nil {
			releaseErr = err
		}
	}
	s.held = nil
	if releaseErr != nil {
		s.state = stateFailed
		return nil, releaseErr
	}

	if err := s.advance(stateDone); err != nil {
		return nil, err
	}
	return res.Data, nil
}

// abort releases every span the session holds and returns the original
// error. Release failures during abort are logged, never surfaced: the
// caller's error is the one that matters.
func (s *session) abort(ctx context.Context, cause error) error {
	for _, span := range s.held {
		if err := s.inst.broker.Release(ctx, span.Offset, span.Length); err != nil {
			s.log.Warn("release during abort failed",
				zap.String("phase", s.state.String()),
				zap.Uint32("offset", span.Offset),
				zap.Uint32("length", span.Length),
				zap.Error(err))
		}
	}
	s.held = nil
	s.state = stateFailed
	return cause
}
