package kineto

import (
	"sync"

	"github.com/sarchlab/opprof/id"
)

// Backend is what the profiler needs from a trace backend.
type Backend interface {
	// InitIfRegistered initializes the registered profiler, if there is
	// one.
	InitIfRegistered()

	// PrepareTrace allocates the resources to capture the given activity
	// types.
	PrepareTrace(activities ActivitySet)

	// StartTrace starts capturing.
	StartTrace()

	// StopTrace stops capturing and returns the trace. It returns nil if no
	// trace was being captured.
	StopTrace() ActivityTrace

	// TraceActive tells if a trace is being captured.
	TraceActive() bool

	// TransferCPUTrace hands over the host-side trace of a client.
	TransferCPUTrace(buf *CPUTraceBuffer)

	// PushCorrelationID makes corrID the active correlation of a thread.
	PushCorrelationID(threadID uint64, corrID id.CorrelationID)

	// PopCorrelationID restores the previous correlation of a thread.
	PopCorrelationID(threadID uint64)
}

// An ActivityProfiler is a backend implementation that can be registered
// with the API.
type ActivityProfiler interface {
	Init()
	IsInitialized() bool
	PrepareTrace(activities ActivitySet)
	StartTrace()
	StopTrace() ActivityTrace
	IsActive() bool
	TransferCPUTrace(buf *CPUTraceBuffer)
	PushCorrelationID(threadID uint64, corrID id.CorrelationID)
	PopCorrelationID(threadID uint64)
}

// LibKineto is the process-wide entry of the backend. It forwards calls to
// the registered ActivityProfiler and does nothing when none is registered.
type LibKineto struct {
	mu       sync.Mutex
	profiler ActivityProfiler
}

var (
	_ Backend          = (*LibKineto)(nil)
	_ Backend          = (*LocalProfiler)(nil)
	_ ActivityProfiler = (*LocalProfiler)(nil)
)

var api = &LibKineto{}

// API returns the process-wide backend entry.
func API() *LibKineto {
	return api
}

// RegisterProfiler makes p the profiler that receives backend calls.
func (l *LibKineto) RegisterProfiler(p ActivityProfiler) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.profiler = p
}

// UnregisterProfiler removes the registered profiler.
func (l *LibKineto) UnregisterProfiler() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.profiler = nil
}

// HasProfilerRegistered tells if a profiler is registered.
func (l *LibKineto) HasProfilerRegistered() bool {
	return l.activityProfiler() != nil
}

func (l *LibKineto) activityProfiler() ActivityProfiler {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.profiler
}

// InitIfRegistered initializes the registered profiler once.
func (l *LibKineto) InitIfRegistered() {
	p := l.activityProfiler()
	if p != nil && !p.IsInitialized() {
		p.Init()
	}
}

// PrepareTrace forwards to the registered profiler.
func (l *LibKineto) PrepareTrace(activities ActivitySet) {
	if p := l.activityProfiler(); p != nil {
		p.PrepareTrace(activities)
	}
}

// StartTrace forwards to the registered profiler.
func (l *LibKineto) StartTrace() {
	if p := l.activityProfiler(); p != nil {
		p.StartTrace()
	}
}

// StopTrace forwards to the registered profiler.
func (l *LibKineto) StopTrace() ActivityTrace {
	if p := l.activityProfiler(); p != nil {
		return p.StopTrace()
	}

	return nil
}

// TraceActive forwards to the registered profiler.
func (l *LibKineto) TraceActive() bool {
	if p := l.activityProfiler(); p != nil {
		return p.IsActive()
	}

	return false
}

// TransferCPUTrace forwards to the registered profiler.
func (l *LibKineto) TransferCPUTrace(buf *CPUTraceBuffer) {
	if p := l.activityProfiler(); p != nil {
		p.TransferCPUTrace(buf)
	}
}

// PushCorrelationID forwards to the registered profiler.
func (l *LibKineto) PushCorrelationID(threadID uint64, corrID id.CorrelationID) {
	if p := l.activityProfiler(); p != nil {
		p.PushCorrelationID(threadID, corrID)
	}
}

// PopCorrelationID forwards to the registered profiler.
func (l *LibKineto) PopCorrelationID(threadID uint64) {
	if p := l.activityProfiler(); p != nil {
		p.PopCorrelationID(threadID)
	}
}
