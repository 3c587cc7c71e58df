package kineto

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/sarchlab/opprof/datarecording"
)

// An ActivityTrace is the result of a stopped trace.
type ActivityTrace interface {
	// Activities returns every captured activity ordered by start time.
	Activities() []TraceActivity

	// Save exports the trace to a file.
	Save(path string) error
}

// Trace is the ActivityTrace produced by LocalProfiler.
type Trace struct {
	startTime        uint64
	endTime          uint64
	activityTypes    ActivitySet
	cpuTraces        []*CPUTraceBuffer
	deviceActivities []*GenericActivity
}

// StartTime returns when the trace started, in microseconds.
func (t *Trace) StartTime() uint64 { return t.startTime }

// EndTime returns when the trace stopped, in microseconds.
func (t *Trace) EndTime() uint64 { return t.endTime }

// ActivityTypes returns the activity types that were captured.
func (t *Trace) ActivityTypes() ActivitySet { return t.activityTypes.Clone() }

// CPUTraces returns the host-side traces handed over by clients.
func (t *Trace) CPUTraces() []*CPUTraceBuffer { return t.cpuTraces }

// DeviceActivities returns the activities captured by the backend.
func (t *Trace) DeviceActivities() []*GenericActivity {
	return t.deviceActivities
}

// Activities returns the client operators and the backend activities
// ordered by start time.
func (t *Trace) Activities() []TraceActivity {
	var acts []TraceActivity

	for _, buf := range t.cpuTraces {
		for i := range buf.Ops {
			acts = append(acts, &buf.Ops[i])
		}
	}

	for _, a := range t.deviceActivities {
		acts = append(acts, a)
	}

	sort.SliceStable(acts, func(i, j int) bool {
		return acts[i].Timestamp() < acts[j].Timestamp()
	})

	return acts
}

type traceEvent struct {
	Name      string         `json:"name"`
	Phase     string         `json:"ph"`
	Category  string         `json:"cat,omitempty"`
	ProcessID int64          `json:"pid"`
	ThreadID  uint64         `json:"tid"`
	Timestamp uint64         `json:"ts"`
	Duration  uint64         `json:"dur"`
	Args      map[string]any `json:"args,omitempty"`
}

type traceFile struct {
	SchemaVersion int          `json:"schemaVersion"`
	TraceEvents   []traceEvent `json:"traceEvents"`
}

// WriteJSON writes the trace in the Chrome trace event format.
func (t *Trace) WriteJSON(w io.Writer) error {
	f := traceFile{
		SchemaVersion: 1,
		TraceEvents:   []traceEvent{},
	}

	for _, buf := range t.cpuTraces {
		f.TraceEvents = append(f.TraceEvents, traceEvent{
			Name:      buf.Span.Name,
			Phase:     "X",
			Category:  "Trace",
			Timestamp: buf.Span.StartTime,
			Duration:  spanDuration(buf.Span),
			Args: map[string]any{
				"Op count":     buf.Span.OpCount,
				"GPU op count": buf.GPUOpCount,
			},
		})
	}

	for _, act := range t.Activities() {
		args := map[string]any{
			"correlation": act.CorrelationID(),
		}

		if linked := act.LinkedCorrelationID(); linked != 0 {
			args["External id"] = uint64(linked)
		}

		if op, ok := act.(*ClientTraceActivity); ok && op.InputDims != "" {
			args["Input Dims"] = op.InputDims
		}

		f.TraceEvents = append(f.TraceEvents, traceEvent{
			Name:      act.Name(),
			Phase:     "X",
			Category:  act.Type().String(),
			ProcessID: act.DeviceID(),
			ThreadID:  act.ResourceID(),
			Timestamp: act.Timestamp(),
			Duration:  act.Duration(),
			Args:      args,
		})
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", " ")

	return enc.Encode(f)
}

func spanDuration(s TraceSpan) uint64 {
	if s.EndTime < s.StartTime {
		return 0
	}

	return s.EndTime - s.StartTime
}

// Save writes the trace in the Chrome trace event format to path.
func (t *Trace) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create trace file: %w", err)
	}

	err = t.WriteJSON(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("write trace file: %w", err)
	}

	return f.Close()
}

type spanRow struct {
	Name       string
	StartUs    uint64
	EndUs      uint64
	OpCount    int
	GPUOpCount int
}

type cpuOpRow struct {
	Name          string
	ThreadID      uint64
	Device        int64
	StartUs       uint64
	EndUs         uint64
	CorrelationID uint64
	InputDims     string
}

type deviceActivityRow struct {
	Name                string
	Type                string
	Device              int64
	Resource            uint64
	StartUs             uint64
	EndUs               uint64
	CorrelationID       uint64
	LinkedCorrelationID uint64
}

// Record writes the trace into three tables of recorder, named after
// prefix: prefix_spans, prefix_cpu_ops and prefix_device_activities.
func (t *Trace) Record(recorder datarecording.DataRecorder, prefix string) {
	spans := prefix + "_spans"
	cpuOps := prefix + "_cpu_ops"
	deviceActs := prefix + "_device_activities"

	recorder.CreateTable(spans, spanRow{})
	recorder.CreateTable(cpuOps, cpuOpRow{})
	recorder.CreateTable(deviceActs, deviceActivityRow{})

	for _, buf := range t.cpuTraces {
		recorder.InsertData(spans, spanRow{
			Name:       buf.Span.Name,
			StartUs:    buf.Span.StartTime,
			EndUs:      buf.Span.EndTime,
			OpCount:    buf.Span.OpCount,
			GPUOpCount: buf.GPUOpCount,
		})

		for _, op := range buf.Ops {
			recorder.InsertData(cpuOps, cpuOpRow{
				Name:          op.OpType,
				ThreadID:      op.ThreadID,
				Device:        op.Device,
				StartUs:       op.StartTime,
				EndUs:         op.EndTime,
				CorrelationID: uint64(op.Correlation),
				InputDims:     op.InputDims,
			})
		}
	}

	for _, a := range t.deviceActivities {
		recorder.InsertData(deviceActs, deviceActivityRow{
			Name:                a.ActivityName,
			Type:                a.ActivityType.String(),
			Device:              a.Device,
			Resource:            a.Resource,
			StartUs:             a.StartTime,
			EndUs:               a.EndTime,
			CorrelationID:       a.Correlation,
			LinkedCorrelationID: uint64(a.Linked),
		})
	}

	recorder.Flush()
}
