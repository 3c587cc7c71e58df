package profiler

import (
	"github.com/sarchlab/opprof/hooking"
	"github.com/sarchlab/opprof/id"
)

// ObserverContext is what the entry callback learns about an operation and
// hands to the exit callback of the same operation.
type ObserverContext struct {
	StartUs       uint64
	CorrelationID id.CorrelationID
	StartThreadID uint64
	EndThreadID   uint64

	// SequenceNr is -1 when the engine did not assign one.
	SequenceNr int64

	// FwdThreadID is 0 unless the operation is the backward counterpart of
	// a forward operation.
	FwdThreadID uint64
	Scope       hooking.Scope

	// Shapes is nil when shapes were not captured.
	Shapes [][]int64

	// Stack is nil when the call stack was not captured.
	Stack []string
}

type observerKind uint8

const (
	observerDisabled observerKind = iota
	observerActive
)

// observerSlot is passed from the entry callback to the exit callback. A
// disabled slot marks an operation that is not being recorded.
type observerSlot struct {
	kind observerKind
	ctx  *ObserverContext
}

func disabledObserver() observerSlot {
	return observerSlot{kind: observerDisabled}
}

func activeObserver(ctx *ObserverContext) observerSlot {
	return observerSlot{kind: observerActive, ctx: ctx}
}

// context returns the observer context, or nil for a disabled slot.
func (s observerSlot) context() *ObserverContext {
	switch s.kind {
	case observerDisabled:
		return nil
	case observerActive:
		if s.ctx == nil {
			panic("active observer without context")
		}

		return s.ctx
	default:
		panic("unknown observer kind")
	}
}
