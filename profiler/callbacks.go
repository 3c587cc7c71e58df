package profiler

import (
	"github.com/sarchlab/opprof/hooking"
)

// callStackDepthLimit caps the number of Go frames kept for an operation.
const callStackDepthLimit = 32

func (c *Controller) pushProfilingCallbacks(
	thread *hooking.Thread,
	state *sessionState,
) {
	enter := func(fn *hooking.RecordFunction) observerSlot {
		return c.onOperationEnter(state, fn)
	}

	cb := hooking.NewCallback(enter, c.onOperationExit).
		NeedsInputs(state.config.ReportInputShapes).
		NeedsIDs(true)

	state.setCallbackHandle(thread.AddCallback(cb))
}

// onOperationEnter starts observing fn if the thread records into owner. A
// worker that outlived its parent's session and enabled its own still carries
// the callback of the old session, which must stay silent.
func (c *Controller) onOperationEnter(
	owner *sessionState,
	fn *hooking.RecordFunction,
) observerSlot {
	thread := fn.Thread()

	state := activeState(thread)
	if state == nil || state != owner || !state.isKineto() {
		return disabledObserver()
	}

	corrID := c.allocator.Next()
	c.backend.PushCorrelationID(thread.ID(), corrID)

	ctx := &ObserverContext{
		StartUs:       c.timeTeller.NowUs(),
		CorrelationID: corrID,
		StartThreadID: thread.ID(),
		SequenceNr:    fn.SeqNr(),
		FwdThreadID:   fn.ForwardThreadID(),
		Scope:         fn.Scope(),
	}

	if state.config.ReportInputShapes {
		ctx.Shapes = hooking.InputSizes(fn)
	}

	// Backward operations take their source location from the forward
	// operation.
	if state.config.WithStack && fn.Scope() != hooking.ScopeBackwardFunction {
		ctx.Stack = captureCallstack(thread)
	}

	return activeObserver(ctx)
}

func (c *Controller) onOperationExit(
	fn *hooking.RecordFunction,
	slot observerSlot,
) {
	ctx := slot.context()
	if ctx == nil {
		return
	}

	defer c.backend.PopCorrelationID(ctx.StartThreadID)

	thread := fn.CurrentThread()

	state := activeState(thread)
	if state == nil || !state.isKineto() {
		return
	}

	ctx.EndThreadID = thread.ID()

	state.reportClientActivity(fn.Name(), ctx, c.timeTeller.NowUs())
}

// captureCallstack prefers the script frames of the thread and falls back to
// the Go stack. It returns nil if neither is available.
func captureCallstack(thread *hooking.Thread) (stack []string) {
	defer func() {
		if recover() != nil {
			stack = nil
		}
	}()

	frames := thread.ScriptCallstack()
	if len(frames) == 0 {
		frames = hooking.OperationCallstack()
		if len(frames) > callStackDepthLimit {
			frames = frames[:callStackDepthLimit]
		}
	}

	if len(frames) == 0 {
		return nil
	}

	return hooking.PrepareCallstack(frames)
}
