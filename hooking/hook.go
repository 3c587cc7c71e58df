// Package hooking is the call-observation mechanism of the engine. Callbacks
// registered on a thread are invoked before and after every operation that
// the thread runs, and the value returned by a callback's start function is
// handed to the same callback's end function.
package hooking

import "sync/atomic"

// A CallbackHandle identifies a registered callback.
type CallbackHandle uint64

var lastCallbackHandle atomic.Uint64

func nextCallbackHandle() CallbackHandle {
	return CallbackHandle(lastCallbackHandle.Add(1))
}

// A Callback is a pair of functions that observe the start and the end of
// operations.
type Callback struct {
	start       func(fn *RecordFunction) any
	end         func(fn *RecordFunction, ctx any)
	needsInputs bool
	needsIDs    bool
}

// NewCallback creates a callback. The value that start returns for an
// operation is passed to end for the same operation.
func NewCallback[T any](
	start func(fn *RecordFunction) T,
	end func(fn *RecordFunction, ctx T),
) *Callback {
	return &Callback{
		start: func(fn *RecordFunction) any {
			return start(fn)
		},
		end: func(fn *RecordFunction, ctx any) {
			end(fn, ctx.(T))
		},
	}
}

// NeedsInputs sets whether the callback reads the operation arguments.
func (c *Callback) NeedsInputs(needsInputs bool) *Callback {
	c.needsInputs = needsInputs
	return c
}

// NeedsIDs sets whether the callback reads sequence numbers and forward
// thread IDs.
func (c *Callback) NeedsIDs(needsIDs bool) *Callback {
	c.needsIDs = needsIDs
	return c
}

type registeredCallback struct {
	handle   CallbackHandle
	callback *Callback
}

// A callbackList holds the callbacks of a thread. Lists are copied on
// write, so a snapshot taken by an in-flight operation is never mutated.
type callbackList struct {
	entries []registeredCallback
}

func (l *callbackList) add(c *Callback) CallbackHandle {
	l.mustNotHaveDuplicatedCallback(c)

	h := nextCallbackHandle()
	entries := make([]registeredCallback, len(l.entries), len(l.entries)+1)
	copy(entries, l.entries)
	l.entries = append(entries, registeredCallback{handle: h, callback: c})

	return h
}

func (l *callbackList) mustNotHaveDuplicatedCallback(c *Callback) {
	for _, e := range l.entries {
		if e.callback == c {
			panic("duplicated callback")
		}
	}
}

func (l *callbackList) remove(h CallbackHandle) bool {
	for i, e := range l.entries {
		if e.handle != h {
			continue
		}

		entries := make([]registeredCallback, 0, len(l.entries)-1)
		entries = append(entries, l.entries[:i]...)
		entries = append(entries, l.entries[i+1:]...)
		l.entries = entries

		return true
	}

	return false
}

func (l *callbackList) has(h CallbackHandle) bool {
	for _, e := range l.entries {
		if e.handle == h {
			return true
		}
	}

	return false
}

func (l *callbackList) snapshot() []registeredCallback {
	return l.entries
}
