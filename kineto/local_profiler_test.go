package kineto

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/opprof/datarecording"
	"github.com/sarchlab/opprof/id"
	"github.com/sarchlab/opprof/timing"
)

var _ = Describe("ActivitySet", func() {
	It("should list members in order", func() {
		s := NewActivitySet(GPUMemset, CPUOp, GPUMemset)

		Expect(s.Types()).To(Equal([]ActivityType{CPUOp, GPUMemset}))
		Expect(s.String()).To(Equal("{cpu_op, gpu_memset}"))
		Expect(s.Has(CUDARuntime)).To(BeFalse())
	})
})

var _ = Describe("LibKineto", func() {
	var l *LibKineto

	BeforeEach(func() {
		l = &LibKineto{}
	})

	It("should do nothing without a registered profiler", func() {
		l.InitIfRegistered()
		l.PrepareTrace(NewActivitySet(CPUOp))
		l.StartTrace()
		l.PushCorrelationID(1, 1)
		l.PopCorrelationID(1)

		Expect(l.HasProfilerRegistered()).To(BeFalse())
		Expect(l.TraceActive()).To(BeFalse())
		Expect(l.StopTrace()).To(BeNil())
	})

	It("should forward to the registered profiler", func() {
		p := NewLocalProfiler()
		l.RegisterProfiler(p)

		l.InitIfRegistered()
		Expect(p.IsInitialized()).To(BeTrue())

		l.StartTrace()
		Expect(l.TraceActive()).To(BeTrue())

		l.PushCorrelationID(3, 42)
		Expect(p.ActiveCorrelationID(3)).To(Equal(id.CorrelationID(42)))
		l.PopCorrelationID(3)
		Expect(p.ActiveCorrelationID(3)).To(BeZero())

		Expect(l.StopTrace()).NotTo(BeNil())
		Expect(l.TraceActive()).To(BeFalse())

		l.UnregisterProfiler()
		Expect(l.HasProfilerRegistered()).To(BeFalse())
	})
})

var _ = Describe("LocalProfiler", func() {
	var (
		clock *timing.ManualTimeTeller
		p     *LocalProfiler
	)

	BeforeEach(func() {
		clock = &timing.ManualTimeTeller{}
		clock.SetNowUs(1000)
		p = NewLocalProfiler().WithTimeTeller(clock)
	})

	It("should serve as a backend on its own", func() {
		var backend Backend = p

		Expect(p.IsInitialized()).To(BeFalse())
		backend.InitIfRegistered()
		Expect(p.IsInitialized()).To(BeTrue())

		Expect(backend.TraceActive()).To(BeFalse())
		backend.StartTrace()
		Expect(backend.TraceActive()).To(BeTrue())
		Expect(backend.StopTrace()).NotTo(BeNil())
		Expect(backend.TraceActive()).To(BeFalse())
	})

	It("should return no trace when not started", func() {
		Expect(p.StopTrace()).To(BeNil())
	})

	It("should drop activities outside a trace", func() {
		p.TransferCPUTrace(&CPUTraceBuffer{})

		Expect(p.RecordDeviceActivity(1, GPUMemcpy, "copy", 0, 1, 2)).To(BeNil())
	})

	It("should only capture prepared activity types", func() {
		p.PrepareTrace(NewActivitySet(ExternalCorrelation, CUDARuntime))
		p.StartTrace()

		p.LaunchKernel(1, "gemm", 1, 1000, 10)
		Expect(p.RecordDeviceActivity(1, GPUMemset, "memset", 1, 0, 1)).To(BeNil())

		trace := p.StopTrace().(*Trace)
		acts := trace.DeviceActivities()
		Expect(acts).To(HaveLen(1))
		Expect(acts[0].Type()).To(Equal(CUDARuntime))
	})

	It("should capture everything when not prepared", func() {
		p.StartTrace()
		p.LaunchKernel(1, "gemm", 1, 1000, 10)

		trace := p.StopTrace().(*Trace)
		Expect(trace.DeviceActivities()).To(HaveLen(2))
		Expect(trace.ActivityTypes()).To(Equal(AllActivityTypes()))
	})

	It("should link device work to the active correlation", func() {
		p.PrepareTrace(AllActivityTypes())
		p.StartTrace()

		p.PushCorrelationID(7, 100)
		p.PushCorrelationID(7, 101)
		p.LaunchKernel(7, "gemm", 1, 1000, 10)
		p.PopCorrelationID(7)
		p.RecordDeviceActivity(7, GPUMemcpy, "HtoD", 1, 1020, 1030)
		p.PopCorrelationID(7)
		p.RecordDeviceActivity(7, GPUMemset, "memset", 1, 1040, 1041)
		p.PopCorrelationID(7)

		trace := p.StopTrace().(*Trace)
		acts := trace.DeviceActivities()
		Expect(acts).To(HaveLen(4))

		Expect(acts[0].Name()).To(Equal("cudaLaunchKernel"))
		Expect(acts[0].Linked).To(Equal(id.CorrelationID(101)))
		Expect(acts[1].Name()).To(Equal("gemm"))
		Expect(acts[1].Linked).To(Equal(id.CorrelationID(101)))
		Expect(acts[1].Correlation).To(Equal(acts[0].Correlation))
		Expect(acts[1].Duration()).To(Equal(uint64(10)))
		Expect(acts[2].Linked).To(Equal(id.CorrelationID(100)))
		Expect(acts[2].Correlation).NotTo(Equal(acts[0].Correlation))
		Expect(acts[3].Linked).To(BeZero())
	})

	It("should merge client operators into the trace", func() {
		p.StartTrace()
		p.TransferCPUTrace(&CPUTraceBuffer{
			Span: TraceSpan{StartTime: 1000, EndTime: 1100, Name: "session"},
			Ops: []ClientTraceActivity{
				{StartTime: 1050, EndTime: 1060, OpType: "add", Correlation: 2},
				{StartTime: 1010, EndTime: 1040, OpType: "matmul", Correlation: 1},
			},
		})
		p.RecordDeviceActivity(1, GPUMemcpy, "HtoD", 1, 1020, 1030)
		clock.SetNowUs(1200)

		trace := p.StopTrace().(*Trace)
		Expect(trace.StartTime()).To(Equal(uint64(1000)))
		Expect(trace.EndTime()).To(Equal(uint64(1200)))

		acts := trace.Activities()
		Expect(acts).To(HaveLen(3))
		Expect(acts[0].Name()).To(Equal("matmul"))
		Expect(acts[1].Name()).To(Equal("HtoD"))
		Expect(acts[2].Name()).To(Equal("add"))
	})

	It("should ignore prepare while active", func() {
		p.PrepareTrace(NewActivitySet(CPUOp))
		p.StartTrace()
		p.PrepareTrace(AllActivityTypes())

		trace := p.StopTrace().(*Trace)
		Expect(trace.ActivityTypes()).To(Equal(NewActivitySet(CPUOp)))
	})

	Context("when exporting", func() {
		var trace *Trace

		BeforeEach(func() {
			p.PrepareTrace(AllActivityTypes())
			p.StartTrace()
			p.PushCorrelationID(1, 5)
			p.LaunchKernel(1, "gemm", 1, 1010, 10)
			p.PopCorrelationID(1)
			p.TransferCPUTrace(&CPUTraceBuffer{
				Span:       TraceSpan{StartTime: 1000, EndTime: 1100, Name: "session"},
				GPUOpCount: -1,
				Ops: []ClientTraceActivity{{
					StartTime:   1005,
					EndTime:     1030,
					OpType:      "matmul",
					Correlation: 5,
					InputDims:   "[[2, 3], [3, 4]]",
					ThreadID:    1,
				}},
			})
			trace = p.StopTrace().(*Trace)
		})

		It("should save Chrome trace events", func() {
			path := filepath.Join(GinkgoT().TempDir(), "trace.json")
			Expect(trace.Save(path)).To(Succeed())

			data, err := os.ReadFile(path)
			Expect(err).NotTo(HaveOccurred())

			f := traceFile{}
			Expect(json.Unmarshal(data, &f)).To(Succeed())
			Expect(f.TraceEvents).To(HaveLen(4))
			Expect(f.TraceEvents[0].Name).To(Equal("session"))
			Expect(f.TraceEvents[1].Name).To(Equal("matmul"))
			Expect(f.TraceEvents[1].Args).To(HaveKeyWithValue("Input Dims", "[[2, 3], [3, 4]]"))
			Expect(f.TraceEvents[3].Name).To(Equal("gemm"))
			Expect(f.TraceEvents[3].Args).To(HaveKeyWithValue("External id", float64(5)))
		})

		It("should fail to save into a missing directory", func() {
			Expect(trace.Save("/nonexistent/dir/trace.json")).NotTo(Succeed())
		})

		It("should record into a database", func() {
			path := filepath.Join(GinkgoT().TempDir(), "trace")
			recorder := datarecording.NewDataRecorder(path)
			trace.Record(recorder, "t1")
			Expect(recorder.Close()).To(Succeed())

			reader := datarecording.NewReader(path + ".sqlite3")
			defer reader.Close()
			reader.MapTable("t1_device_activities", deviceActivityRow{})
			reader.MapTable("t1_cpu_ops", cpuOpRow{})

			rows, total, err := reader.Query(context.Background(),
				"t1_device_activities",
				datarecording.QueryParams{Where: "LinkedCorrelationID = ?", Args: []any{5}})
			Expect(err).NotTo(HaveOccurred())
			Expect(total).To(Equal(2))
			Expect(rows).To(HaveLen(2))

			rows, _, err = reader.Query(context.Background(), "t1_cpu_ops",
				datarecording.QueryParams{})
			Expect(err).NotTo(HaveOccurred())
			Expect(rows).To(ConsistOf(cpuOpRow{
				Name:          "matmul",
				ThreadID:      1,
				StartUs:       1005,
				EndUs:         1030,
				CorrelationID: 5,
				InputDims:     "[[2, 3], [3, 4]]",
			}))
		})
	})
})
