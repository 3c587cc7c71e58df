package profiler

import (
	"github.com/sarchlab/opprof/hooking"
	"github.com/sarchlab/opprof/id"
)

// DeviceType tells where an event ran.
type DeviceType int

// Device types.
const (
	DeviceCPU DeviceType = iota
	DeviceCUDA
)

func (d DeviceType) String() string {
	switch d {
	case DeviceCPU:
		return "cpu"
	case DeviceCUDA:
		return "cuda"
	default:
		return "unknown"
	}
}

// KinetoEvent is one recorded operation.
type KinetoEvent struct {
	Name          string
	DeviceIndex   int64
	StartUs       uint64
	DurationUs    uint64
	CorrelationID id.CorrelationID
	StartThreadID uint64
	EndThreadID   uint64
	SequenceNr    int64
	FwdThreadID   uint64
	Scope         hooking.Scope
	DeviceType    DeviceType
	Shapes        [][]int64
	Stack         []string
}

// EndUs returns when the event ended.
func (e KinetoEvent) EndUs() uint64 {
	return e.StartUs + e.DurationUs
}

// HasShapes tells if input shapes were captured.
func (e KinetoEvent) HasShapes() bool {
	return len(e.Shapes) > 0
}

// HasStack tells if a call stack was captured.
func (e KinetoEvent) HasStack() bool {
	return len(e.Stack) > 0
}

// ShapesString formats the input shapes, for example "[[2, 3], [3, 4]]". It
// is empty when no shapes were captured.
func (e KinetoEvent) ShapesString() string {
	if !e.HasShapes() {
		return ""
	}

	return hooking.ShapesToStr(e.Shapes)
}

// StackString joins the call stack into one line.
func (e KinetoEvent) StackString() string {
	return hooking.CallstackStr(e.Stack)
}

// LegacyEventKind tells what a LegacyEvent marks.
type LegacyEventKind int

// Legacy event kinds.
const (
	LegacyMark LegacyEventKind = iota
	LegacyPushRange
	LegacyPopRange
)

func (k LegacyEventKind) String() string {
	switch k {
	case LegacyMark:
		return "mark"
	case LegacyPushRange:
		return "push"
	case LegacyPopRange:
		return "pop"
	default:
		return "unknown"
	}
}

// LegacyEvent is a per-thread event in the format of the profilers that do
// not bridge into the trace backend. Sessions use them for the markers that
// bracket the session.
type LegacyEvent struct {
	Kind     LegacyEventKind
	Name     string
	ThreadID uint64
	CPUUs    uint64
}
