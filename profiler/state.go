package profiler

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/sarchlab/opprof/debuginfo"
	"github.com/sarchlab/opprof/hooking"
	"github.com/sarchlab/opprof/kineto"
)

// SessionName names the span of every session in the trace.
const SessionName = "Operator Profiler"

var profilerStateKey = debuginfo.NewKey[*sessionState]("profiler_state")

// sessionState accumulates the events of one profiling session. It is
// shared by every thread that inherited the session, but only the thread that
// enabled it can disable it.
type sessionState struct {
	config  Config
	ownerID uint64

	callbackHandle    hooking.CallbackHandle
	hasCallbackHandle bool

	mu           sync.Mutex
	closed       atomic.Bool
	events       []KinetoEvent
	legacyEvents map[uint64][]LegacyEvent
	cpuTrace     *kineto.CPUTraceBuffer
}

func newSessionState(config Config, ownerID uint64) *sessionState {
	return &sessionState{
		config:       config,
		ownerID:      ownerID,
		legacyEvents: make(map[uint64][]LegacyEvent),
		cpuTrace:     &kineto.CPUTraceBuffer{},
	}
}

// activeState returns the session that thread records into, or nil.
func activeState(thread *hooking.Thread) *sessionState {
	if thread == nil {
		return nil
	}

	s, ok := debuginfo.Get(thread.DebugInfo(), profilerStateKey)
	if !ok || s == nil || s.closed.Load() {
		return nil
	}

	return s
}

func (s *sessionState) isKineto() bool {
	return s.config.State == StateKineto
}

func (s *sessionState) setCallbackHandle(h hooking.CallbackHandle) {
	s.callbackHandle = h
	s.hasCallbackHandle = true
}

// mark appends a marker to the legacy events of a thread.
func (s *sessionState) mark(name string, threadID uint64, nowUs uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.legacyEvents[threadID] = append(s.legacyEvents[threadID], LegacyEvent{
		Kind:     LegacyMark,
		Name:     name,
		ThreadID: threadID,
		CPUUs:    nowUs,
	})
}

// reportClientActivity stores a finished operation. It returns false if the
// session was closed while the operation was running.
func (s *sessionState) reportClientActivity(
	name string,
	ctx *ObserverContext,
	endUs uint64,
) bool {
	op := kineto.ClientTraceActivity{
		StartTime:   ctx.StartUs,
		EndTime:     endUs,
		OpType:      name,
		Device:      kineto.CPUDevice,
		Correlation: ctx.CorrelationID,
		ThreadID:    ctx.EndThreadID,
	}

	if len(ctx.Shapes) > 0 {
		op.InputDims = hooking.ShapesToStr(ctx.Shapes)
	}

	event := KinetoEvent{
		Name:          op.Name(),
		DeviceIndex:   op.DeviceID(),
		StartUs:       op.Timestamp(),
		DurationUs:    op.Duration(),
		CorrelationID: op.Correlation,
		StartThreadID: ctx.StartThreadID,
		EndThreadID:   ctx.EndThreadID,
		SequenceNr:    ctx.SequenceNr,
		FwdThreadID:   ctx.FwdThreadID,
		Scope:         ctx.Scope,
		DeviceType:    DeviceCPU,
	}

	if len(ctx.Shapes) > 0 {
		event.Shapes = ctx.Shapes
	}

	if len(ctx.Stack) > 0 {
		event.Stack = ctx.Stack
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return false
	}

	s.events = append(s.events, event)
	s.cpuTrace.Ops = append(s.cpuTrace.Ops, op)

	return true
}

// close stops the session from accepting operations. Operations that finish
// afterwards are dropped.
func (s *sessionState) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed.Store(true)
}

// takeCPUTrace hands the CPU trace buffer over. The session has no buffer
// afterwards.
func (s *sessionState) takeCPUTrace(endUs uint64) *kineto.CPUTraceBuffer {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := s.cpuTrace
	buf.Span.EndTime = endUs
	buf.Span.OpCount = len(buf.Ops)
	s.cpuTrace = nil

	return buf
}

func (s *sessionState) takeEvents() []KinetoEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	events := s.events
	s.events = nil

	return events
}

// consolidate returns the legacy events grouped by thread, in thread ID
// order.
func (s *sessionState) consolidate() [][]LegacyEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	threadIDs := make([]uint64, 0, len(s.legacyEvents))
	for tid := range s.legacyEvents {
		threadIDs = append(threadIDs, tid)
	}

	sort.Slice(threadIDs, func(i, j int) bool {
		return threadIDs[i] < threadIDs[j]
	})

	lists := make([][]LegacyEvent, 0, len(threadIDs))
	for _, tid := range threadIDs {
		lists = append(lists, s.legacyEvents[tid])
	}

	return lists
}
