package profiler

import (
	"fmt"
	"os"
	"sort"

	"github.com/google/pprof/profile"

	"github.com/sarchlab/opprof/datarecording"
	"github.com/sarchlab/opprof/id"
	"github.com/sarchlab/opprof/kineto"
)

// A Result is what a session recorded.
type Result struct {
	events       []KinetoEvent
	legacyEvents [][]LegacyEvent
	trace        kineto.ActivityTrace
	span         kineto.TraceSpan
}

// Events returns the recorded operations in the order they finished.
func (r *Result) Events() []KinetoEvent {
	events := make([]KinetoEvent, len(r.events))
	copy(events, r.events)

	return events
}

// LegacyEvents returns the markers of the session, one list per thread.
func (r *Result) LegacyEvents() [][]LegacyEvent {
	return r.legacyEvents
}

// Trace returns the trace produced by the backend.
func (r *Result) Trace() kineto.ActivityTrace {
	return r.trace
}

// Span returns the span that covers the session.
func (r *Result) Span() kineto.TraceSpan {
	return r.span
}

// StartUs returns when the session started.
func (r *Result) StartUs() uint64 {
	return r.span.StartTime
}

// EndUs returns when the session ended.
func (r *Result) EndUs() uint64 {
	return r.span.EndTime
}

// DeviceEvents returns the backend activities that are linked to a
// recorded operation, as events. The correlation ID of such an event is the
// one of the operation that launched it.
func (r *Result) DeviceEvents() []KinetoEvent {
	if r.trace == nil {
		return nil
	}

	var events []KinetoEvent

	for _, act := range r.trace.Activities() {
		if act.Type() == kineto.CPUOp {
			continue
		}

		linked := act.LinkedCorrelationID()
		if linked == 0 {
			continue
		}

		deviceType := DeviceCPU
		if act.DeviceID() != kineto.CPUDevice {
			deviceType = DeviceCUDA
		}

		events = append(events, KinetoEvent{
			Name:          act.Name(),
			DeviceIndex:   act.DeviceID(),
			StartUs:       act.Timestamp(),
			DurationUs:    act.Duration(),
			CorrelationID: linked,
			StartThreadID: act.ResourceID(),
			EndThreadID:   act.ResourceID(),
			SequenceNr:    -1,
			DeviceType:    deviceType,
		})
	}

	return events
}

// EventsByCorrelation groups the recorded operations and the device events
// linked to them by correlation ID.
func (r *Result) EventsByCorrelation() map[id.CorrelationID][]KinetoEvent {
	groups := make(map[id.CorrelationID][]KinetoEvent)

	for _, e := range r.events {
		groups[e.CorrelationID] = append(groups[e.CorrelationID], e)
	}

	for _, e := range r.DeviceEvents() {
		groups[e.CorrelationID] = append(groups[e.CorrelationID], e)
	}

	return groups
}

// Profile summarizes the recorded operations as a pprof profile. Each
// operation name becomes one function. The samples count the calls and sum
// the wall time.
func (r *Result) Profile() *profile.Profile {
	type opStat struct {
		calls  int64
		wallUs int64
	}

	stats := make(map[string]*opStat)
	for _, e := range r.events {
		s, ok := stats[e.Name]
		if !ok {
			s = &opStat{}
			stats[e.Name] = s
		}

		s.calls++
		s.wallUs += int64(e.DurationUs)
	}

	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}

	sort.Strings(names)

	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "calls", Unit: "count"},
			{Type: "wall", Unit: "microseconds"},
		},
		PeriodType:    &profile.ValueType{Type: "wall", Unit: "microseconds"},
		Period:        1,
		TimeNanos:     int64(r.span.StartTime) * 1000,
		DurationNanos: int64(r.span.EndTime-r.span.StartTime) * 1000,
	}

	if r.span.EndTime < r.span.StartTime {
		p.DurationNanos = 0
	}

	for i, name := range names {
		fn := &profile.Function{
			ID:         uint64(i + 1),
			Name:       name,
			SystemName: name,
		}
		loc := &profile.Location{
			ID:   uint64(i + 1),
			Line: []profile.Line{{Function: fn}},
		}

		p.Function = append(p.Function, fn)
		p.Location = append(p.Location, loc)
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{stats[name].calls, stats[name].wallUs},
		})
	}

	return p
}

// Save writes the backend trace to path.
func (r *Result) Save(path string) error {
	if r.trace == nil {
		return ErrEmptyTrace
	}

	return r.trace.Save(path)
}

// SaveProfile writes the pprof summary of the session to path.
func (r *Result) SaveProfile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create profile file: %w", err)
	}

	err = r.Profile().Write(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("write profile: %w", err)
	}

	return f.Close()
}

type eventRow struct {
	Name          string
	Device        int64
	DeviceType    string
	StartUs       uint64
	EndUs         uint64
	CorrelationID uint64
	StartThreadID uint64
	EndThreadID   uint64
	SequenceNr    int64
	FwdThreadID   uint64
	Scope         string
	Shapes        string
	Stack         string
}

// Record writes the events into the prefix_events table of recorder. When
// the backend trace can record itself, it is written under the same prefix.
func (r *Result) Record(recorder datarecording.DataRecorder, prefix string) {
	table := prefix + "_events"
	recorder.CreateTable(table, eventRow{})

	for _, e := range r.events {
		recorder.InsertData(table, eventRow{
			Name:          e.Name,
			Device:        e.DeviceIndex,
			DeviceType:    e.DeviceType.String(),
			StartUs:       e.StartUs,
			EndUs:         e.EndUs(),
			CorrelationID: uint64(e.CorrelationID),
			StartThreadID: e.StartThreadID,
			EndThreadID:   e.EndThreadID,
			SequenceNr:    e.SequenceNr,
			FwdThreadID:   e.FwdThreadID,
			Scope:         e.Scope.String(),
			Shapes:        e.ShapesString(),
			Stack:         e.StackString(),
		})
	}

	if t, ok := r.trace.(interface {
		Record(datarecording.DataRecorder, string)
	}); ok {
		t.Record(recorder, prefix)
		return
	}

	recorder.Flush()
}
