package kineto

import "github.com/sarchlab/opprof/id"

// CPUDevice is the device index of activities that run on the host.
const CPUDevice int64 = 0

// A TraceActivity is one record of a trace.
type TraceActivity interface {
	Name() string
	Type() ActivityType
	DeviceID() int64
	ResourceID() uint64
	Timestamp() uint64
	Duration() uint64
	CorrelationID() uint64
	LinkedCorrelationID() id.CorrelationID
}

// A ClientTraceActivity is an operator that ran on the host, reported by a
// client of the backend.
type ClientTraceActivity struct {
	StartTime   uint64
	EndTime     uint64
	OpType      string
	Device      int64
	Correlation id.CorrelationID
	InputDims   string
	ThreadID    uint64
}

// Name returns the operator name.
func (a *ClientTraceActivity) Name() string { return a.OpType }

// Type returns CPUOp.
func (a *ClientTraceActivity) Type() ActivityType { return CPUOp }

// DeviceID returns the device the operator ran on.
func (a *ClientTraceActivity) DeviceID() int64 { return a.Device }

// ResourceID returns the thread that ran the operator.
func (a *ClientTraceActivity) ResourceID() uint64 { return a.ThreadID }

// Timestamp returns the start time in microseconds.
func (a *ClientTraceActivity) Timestamp() uint64 { return a.StartTime }

// Duration returns the run time in microseconds.
func (a *ClientTraceActivity) Duration() uint64 {
	if a.EndTime < a.StartTime {
		return 0
	}

	return a.EndTime - a.StartTime
}

// CorrelationID returns the correlation ID assigned by the client.
func (a *ClientTraceActivity) CorrelationID() uint64 {
	return uint64(a.Correlation)
}

// LinkedCorrelationID returns the correlation ID assigned by the client.
func (a *ClientTraceActivity) LinkedCorrelationID() id.CorrelationID {
	return a.Correlation
}

// A GenericActivity is an activity captured by the backend itself, such as a
// runtime call, a kernel or a memory copy.
type GenericActivity struct {
	ActivityName string
	ActivityType ActivityType
	Device       int64
	Resource     uint64
	StartTime    uint64
	EndTime      uint64

	// Correlation pairs runtime calls with the device work they launch.
	Correlation uint64

	// Linked is the client correlation ID that was active on the launching
	// thread, or 0.
	Linked id.CorrelationID
}

// Name returns the activity name.
func (a *GenericActivity) Name() string { return a.ActivityName }

// Type returns the activity type.
func (a *GenericActivity) Type() ActivityType { return a.ActivityType }

// DeviceID returns the device the activity ran on.
func (a *GenericActivity) DeviceID() int64 { return a.Device }

// ResourceID returns the thread or stream of the activity.
func (a *GenericActivity) ResourceID() uint64 { return a.Resource }

// Timestamp returns the start time in microseconds.
func (a *GenericActivity) Timestamp() uint64 { return a.StartTime }

// Duration returns the run time in microseconds.
func (a *GenericActivity) Duration() uint64 {
	if a.EndTime < a.StartTime {
		return 0
	}

	return a.EndTime - a.StartTime
}

// CorrelationID returns the backend correlation ID.
func (a *GenericActivity) CorrelationID() uint64 { return a.Correlation }

// LinkedCorrelationID returns the client correlation ID.
func (a *GenericActivity) LinkedCorrelationID() id.CorrelationID {
	return a.Linked
}

// TraceSpan is the time window of a client trace.
type TraceSpan struct {
	StartTime uint64
	EndTime   uint64
	OpCount   int
	Iteration int
	Name      string
	Prefix    string
}

// CPUTraceBuffer is the host-side trace a client hands to the backend.
type CPUTraceBuffer struct {
	Span       TraceSpan
	GPUOpCount int
	Ops        []ClientTraceActivity
}
