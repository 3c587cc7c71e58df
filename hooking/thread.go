package hooking

import (
	"sync/atomic"

	"github.com/sarchlab/opprof/debuginfo"
)

var lastThreadID atomic.Uint64

// A Thread is an engine worker that runs operations. A Thread is driven by
// one goroutine at a time. Its debug information and callbacks are local to
// it; Spawn hands a copy of both to a new worker.
type Thread struct {
	id        uint64
	debugInfo *debuginfo.Registry
	callbacks callbackList
	frames    []Frame
}

// NewThread creates a thread with no debug information and no callbacks.
func NewThread() *Thread {
	return &Thread{
		id:        lastThreadID.Add(1),
		debugInfo: debuginfo.NewRegistry(),
	}
}

// Spawn creates a new thread that inherits the debug information and the
// callbacks of t, the way a worker inherits the state of the thread that
// launched it.
func (t *Thread) Spawn() *Thread {
	child := NewThread()
	child.debugInfo = t.debugInfo.Clone()
	child.callbacks.entries = t.callbacks.snapshot()

	return child
}

// ID returns the thread ID. IDs start from 1 and are never reused.
func (t *Thread) ID() uint64 {
	return t.id
}

// DebugInfo returns the debug-info slots of the thread.
func (t *Thread) DebugInfo() *debuginfo.Registry {
	return t.debugInfo
}

// AddCallback registers a callback on the thread.
func (t *Thread) AddCallback(c *Callback) CallbackHandle {
	return t.callbacks.add(c)
}

// RemoveCallback unregisters a callback. Operations that have already begun
// still reach the end function of the callback.
func (t *Thread) RemoveCallback(h CallbackHandle) {
	if !t.callbacks.remove(h) {
		panic("callback not registered on this thread")
	}
}

// HasCallback tells if the callback identified by h is registered.
func (t *Thread) HasCallback(h CallbackHandle) bool {
	return t.callbacks.has(h)
}

// NumCallbacks returns the number of registered callbacks.
func (t *Thread) NumCallbacks() int {
	return len(t.callbacks.entries)
}

// PushFrame enters a script-level frame. Script frames are the primary call
// stack reported for operations.
func (t *Thread) PushFrame(f Frame) {
	t.frames = append(t.frames, f)
}

// PopFrame leaves the innermost script-level frame.
func (t *Thread) PopFrame() {
	if len(t.frames) == 0 {
		panic("no frame to pop")
	}

	t.frames = t.frames[:len(t.frames)-1]
}

// ScriptCallstack returns the script-level frames, innermost first.
func (t *Thread) ScriptCallstack() []Frame {
	frames := make([]Frame, 0, len(t.frames))
	for i := len(t.frames) - 1; i >= 0; i-- {
		frames = append(frames, t.frames[i])
	}

	return frames
}

// A Guard keeps an operation open between Begin and End.
type Guard struct {
	fn        *RecordFunction
	callbacks []registeredCallback
	contexts  []any
	ended     bool
}

// Begin invokes the start functions of the registered callbacks for fn.
// Every Begin must be matched with exactly one End on the returned guard.
func (t *Thread) Begin(fn *RecordFunction) *Guard {
	if fn.thread != nil {
		panic("record function " + fn.name + " already began")
	}

	fn.thread = t
	g := &Guard{
		fn:        fn,
		callbacks: t.callbacks.snapshot(),
	}

	if len(g.callbacks) == 0 {
		return g
	}

	for _, c := range g.callbacks {
		fn.needsInputs = fn.needsInputs || c.callback.needsInputs
		fn.needsIDs = fn.needsIDs || c.callback.needsIDs
	}

	g.contexts = make([]any, len(g.callbacks))
	for i, c := range g.callbacks {
		g.contexts[i] = c.callback.start(fn)
	}

	return g
}

// End invokes the end functions of the callbacks that observed the start of
// the operation.
func (g *Guard) End() {
	g.EndOn(g.fn.thread)
}

// EndOn ends the operation on a thread other than the one it began on, such
// as when an asynchronous operation completes on a worker.
func (g *Guard) EndOn(t *Thread) {
	if g.ended {
		panic("record function " + g.fn.name + " already ended")
	}

	g.ended = true
	g.fn.current = t

	for i, c := range g.callbacks {
		c.callback.end(g.fn, g.contexts[i])
	}
}

// Run runs body as the operation fn. The end callbacks run even if body
// panics.
func (t *Thread) Run(fn *RecordFunction, body func() error) error {
	g := t.Begin(fn)
	defer g.End()

	if body == nil {
		return nil
	}

	return body()
}
