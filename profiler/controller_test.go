package profiler

import (
	"errors"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/sarchlab/opprof/hooking"
	"github.com/sarchlab/opprof/id"
	"github.com/sarchlab/opprof/kineto"
	"github.com/sarchlab/opprof/timing"
)

type tensor struct {
	sizes []int64
}

func (t tensor) Sizes() []int64 {
	return t.sizes
}

func runOp(thread *hooking.Thread, name string, inputs ...any) {
	fn := hooking.NewRecordFunction(name, hooking.ScopeFunction).
		WithInputs(inputs...)

	err := thread.Run(fn, nil)
	Expect(err).NotTo(HaveOccurred())
}

var _ = Describe("Controller with a mocked backend", func() {
	var (
		mockCtrl *gomock.Controller
		backend  *MockBackend
		tt       *timing.ManualTimeTeller
		c        *Controller
		thread   *hooking.Thread
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		backend = NewMockBackend(mockCtrl)
		tt = &timing.ManualTimeTeller{}
		c = NewController(backend).
			WithTimeTeller(tt).
			WithAllocator(id.NewSequentialAllocator())
		thread = hooking.NewThread()
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should refuse to prepare in other modes", func() {
		err := c.Prepare(Config{State: StateCPU}, ActivityCPU)

		Expect(errors.Is(err, ErrUnsupportedMode)).To(BeTrue())
	})

	It("should prepare CPU activities", func() {
		backend.EXPECT().InitIfRegistered()
		backend.EXPECT().PrepareTrace(kineto.NewActivitySet(
			kineto.ExternalCorrelation,
			kineto.CUDARuntime,
		))

		err := c.Prepare(NewKinetoConfig(), ActivityCPU)

		Expect(err).NotTo(HaveOccurred())
	})

	It("should prepare CPU and CUDA activities", func() {
		backend.EXPECT().InitIfRegistered()
		backend.EXPECT().PrepareTrace(kineto.NewActivitySet(
			kineto.ExternalCorrelation,
			kineto.CUDARuntime,
			kineto.GPUMemcpy,
			kineto.GPUMemset,
			kineto.ConcurrentKernel,
		))

		err := c.Prepare(NewKinetoConfig(), ActivityCPU, ActivityCUDA)

		Expect(err).NotTo(HaveOccurred())
	})

	It("should refuse to enable in other modes", func() {
		err := c.Enable(thread, Config{State: StateNVTX}, ActivityCPU)

		Expect(errors.Is(err, ErrUnsupportedMode)).To(BeTrue())
		Expect(c.IsEnabled(thread)).To(BeFalse())
	})

	It("should refuse to enable without activities", func() {
		err := c.Enable(thread, NewKinetoConfig())

		Expect(errors.Is(err, ErrNoActivities)).To(BeTrue())
		Expect(c.IsEnabled(thread)).To(BeFalse())
	})

	It("should refuse to enable twice", func() {
		backend.EXPECT().TraceActive().Return(false)
		backend.EXPECT().StartTrace()

		Expect(c.Enable(thread, NewKinetoConfig(), ActivityCPU)).To(Succeed())

		err := c.Enable(thread, NewKinetoConfig(), ActivityCPU)

		Expect(errors.Is(err, ErrAlreadyEnabled)).To(BeTrue())
		Expect(thread.NumCallbacks()).To(Equal(1))
	})

	It("should not restart an active trace", func() {
		backend.EXPECT().TraceActive().Return(true)

		Expect(c.Enable(thread, NewKinetoConfig(), ActivityCUDA)).To(Succeed())
		Expect(thread.NumCallbacks()).To(Equal(0))
	})

	It("should refuse to disable if not enabled", func() {
		_, err := c.Disable(thread)

		Expect(errors.Is(err, ErrNotEnabled)).To(BeTrue())
	})

	It("should push and pop a correlation around an operation", func() {
		backend.EXPECT().TraceActive().Return(false)
		backend.EXPECT().StartTrace()

		Expect(c.Enable(thread, NewKinetoConfig(), ActivityCPU)).To(Succeed())

		gomock.InOrder(
			backend.EXPECT().PushCorrelationID(thread.ID(), id.CorrelationID(1)),
			backend.EXPECT().PopCorrelationID(thread.ID()),
		)

		runOp(thread, "aten::relu")
	})

	It("should hand the CPU trace over and stop the trace", func() {
		trace := NewMockActivityTrace(mockCtrl)

		backend.EXPECT().TraceActive().Return(false)
		backend.EXPECT().StartTrace()
		backend.EXPECT().PushCorrelationID(gomock.Any(), gomock.Any())
		backend.EXPECT().PopCorrelationID(gomock.Any())

		tt.SetNowUs(100)
		Expect(c.Enable(thread, NewKinetoConfig(), ActivityCPU)).To(Succeed())

		tt.SetNowUs(110)
		fn := hooking.NewRecordFunction("aten::add", hooking.ScopeFunction)
		Expect(thread.Run(fn, func() error {
			tt.SetNowUs(125)
			return nil
		})).To(Succeed())

		tt.SetNowUs(200)

		var buf *kineto.CPUTraceBuffer
		gomock.InOrder(
			backend.EXPECT().TransferCPUTrace(gomock.Any()).
				Do(func(b *kineto.CPUTraceBuffer) { buf = b }),
			backend.EXPECT().StopTrace().Return(trace),
		)

		result, err := c.Disable(thread)

		Expect(err).NotTo(HaveOccurred())
		Expect(result.Trace()).To(BeIdenticalTo(trace))
		Expect(buf.Span.Name).To(Equal(SessionName))
		Expect(buf.Span.StartTime).To(Equal(uint64(100)))
		Expect(buf.Span.EndTime).To(Equal(uint64(200)))
		Expect(buf.Span.OpCount).To(Equal(1))
		Expect(buf.GPUOpCount).To(Equal(-1))
		Expect(buf.Ops).To(HaveLen(1))
		Expect(buf.Ops[0].StartTime).To(Equal(uint64(110)))
		Expect(buf.Ops[0].EndTime).To(Equal(uint64(125)))

		events := result.Events()
		Expect(events).To(HaveLen(1))
		Expect(events[0].Name).To(Equal("aten::add"))
		Expect(events[0].StartUs).To(Equal(uint64(110)))
		Expect(events[0].DurationUs).To(Equal(uint64(15)))
		Expect(thread.NumCallbacks()).To(Equal(0))
	})

	It("should fail if the backend returns no trace", func() {
		backend.EXPECT().TraceActive().Return(false)
		backend.EXPECT().StartTrace()
		backend.EXPECT().TransferCPUTrace(gomock.Any())
		backend.EXPECT().StopTrace().Return(nil)

		Expect(c.Enable(thread, NewKinetoConfig(), ActivityCPU)).To(Succeed())

		result, err := c.Disable(thread)

		Expect(result).To(BeNil())
		Expect(errors.Is(err, ErrEmptyTrace)).To(BeTrue())
		Expect(c.IsEnabled(thread)).To(BeFalse())
		Expect(thread.NumCallbacks()).To(Equal(0))
	})

	It("should not observe operations without a session", func() {
		runOp(thread, "aten::mul")
	})
})

var _ = Describe("Controller with a local profiler", func() {
	var (
		lp     *kineto.LocalProfiler
		c      *Controller
		thread *hooking.Thread
	)

	BeforeEach(func() {
		lp = kineto.NewLocalProfiler()
		c = NewController(lp)
		thread = hooking.NewThread()
	})

	AfterEach(func() {
		if c.IsEnabled(thread) {
			_, _ = c.Disable(thread)
		}
	})

	It("should be available", func() {
		Expect(c.KinetoAvailable()).To(BeTrue())
	})

	It("should record a single operation", func() {
		Expect(c.Enable(thread, NewKinetoConfig(), ActivityCPU)).To(Succeed())

		runOp(thread, "aten::matmul")

		result, err := c.Disable(thread)
		Expect(err).NotTo(HaveOccurred())

		events := result.Events()
		Expect(events).To(HaveLen(1))

		e := events[0]
		Expect(e.Name).To(Equal("aten::matmul"))
		Expect(e.CorrelationID).NotTo(BeZero())
		Expect(e.EndUs()).To(BeNumerically(">=", e.StartUs))
		Expect(e.StartThreadID).To(Equal(thread.ID()))
		Expect(e.EndThreadID).To(Equal(thread.ID()))
		Expect(e.DeviceType).To(Equal(DeviceCPU))
		Expect(e.DeviceIndex).To(Equal(kineto.CPUDevice))
		Expect(e.SequenceNr).To(Equal(int64(-1)))
		Expect(e.Scope).To(Equal(hooking.ScopeFunction))
		Expect(e.HasShapes()).To(BeFalse())
		Expect(e.HasStack()).To(BeFalse())

		Expect(result.EndUs()).To(BeNumerically(">=", result.StartUs()))
		Expect(result.Span().Name).To(Equal(SessionName))
		Expect(result.Span().OpCount).To(Equal(1))
	})

	It("should record input shapes", func() {
		config := NewKinetoConfig()
		config.ReportInputShapes = true

		Expect(c.Enable(thread, config, ActivityCPU)).To(Succeed())

		runOp(thread, "aten::matmul",
			tensor{sizes: []int64{2, 3}},
			tensor{sizes: []int64{3, 4}})

		result, err := c.Disable(thread)
		Expect(err).NotTo(HaveOccurred())

		events := result.Events()
		Expect(events).To(HaveLen(1))
		Expect(events[0].ShapesString()).To(Equal("[[2, 3], [3, 4]]"))

		trace := result.Trace().(*kineto.Trace)
		Expect(trace.CPUTraces()).To(HaveLen(1))
		Expect(trace.CPUTraces()[0].Ops[0].InputDims).
			To(Equal("[[2, 3], [3, 4]]"))
	})

	It("should give non-tensor inputs empty shapes", func() {
		config := NewKinetoConfig()
		config.ReportInputShapes = true

		Expect(c.Enable(thread, config, ActivityCPU)).To(Succeed())

		runOp(thread, "aten::add", tensor{sizes: []int64{4}}, 1.5)

		result, err := c.Disable(thread)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Events()[0].Shapes).
			To(Equal([][]int64{{4}, {}}))
	})

	It("should record the sequence number", func() {
		Expect(c.Enable(thread, NewKinetoConfig(), ActivityCPU)).To(Succeed())

		fn := hooking.NewRecordFunction("AddBackward0",
			hooking.ScopeBackwardFunction).
			WithSequenceNr(7).
			WithForwardThreadID(thread.ID())
		Expect(thread.Run(fn, nil)).To(Succeed())

		result, err := c.Disable(thread)
		Expect(err).NotTo(HaveOccurred())

		e := result.Events()[0]
		Expect(e.SequenceNr).To(Equal(int64(7)))
		Expect(e.FwdThreadID).To(Equal(thread.ID()))
		Expect(e.Scope).To(Equal(hooking.ScopeBackwardFunction))
	})

	It("should capture the script call stack", func() {
		config := NewKinetoConfig()
		config.WithStack = true

		Expect(c.Enable(thread, config, ActivityCPU)).To(Succeed())

		thread.PushFrame(hooking.Frame{
			Filename: "train.py", Line: 3, FuncName: "main",
		})
		thread.PushFrame(hooking.Frame{
			Filename: "model.py", Line: 12, FuncName: "forward",
		})
		runOp(thread, "aten::linear")
		thread.PopFrame()
		thread.PopFrame()

		result, err := c.Disable(thread)
		Expect(err).NotTo(HaveOccurred())

		e := result.Events()[0]
		Expect(e.Stack).To(Equal([]string{
			"model.py(12): forward",
			"train.py(3): main",
		}))
		Expect(e.StackString()).
			To(Equal("model.py(12): forward;train.py(3): main"))
	})

	It("should fall back to the Go call stack", func() {
		config := NewKinetoConfig()
		config.WithStack = true

		Expect(c.Enable(thread, config, ActivityCPU)).To(Succeed())

		runOp(thread, "aten::linear")

		result, err := c.Disable(thread)
		Expect(err).NotTo(HaveOccurred())

		stack := result.Events()[0].Stack
		Expect(stack).NotTo(BeEmpty())
		Expect(len(stack)).To(BeNumerically("<=", callStackDepthLimit))
		Expect(stack[0]).To(ContainSubstring("profiler.runOp"))
		for _, entry := range stack {
			Expect(entry).NotTo(ContainSubstring("opprof/hooking."))
			Expect(entry).NotTo(ContainSubstring("captureCallstack"))
		}
	})

	It("should not capture stacks of backward operations", func() {
		config := NewKinetoConfig()
		config.WithStack = true

		Expect(c.Enable(thread, config, ActivityCPU)).To(Succeed())

		fn := hooking.NewRecordFunction("MulBackward0",
			hooking.ScopeBackwardFunction)
		Expect(thread.Run(fn, nil)).To(Succeed())

		result, err := c.Disable(thread)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Events()[0].HasStack()).To(BeFalse())
	})

	It("should fail to disable twice", func() {
		Expect(c.Enable(thread, NewKinetoConfig(), ActivityCPU)).To(Succeed())

		_, err := c.Disable(thread)
		Expect(err).NotTo(HaveOccurred())

		_, err = c.Disable(thread)
		Expect(errors.Is(err, ErrNotEnabled)).To(BeTrue())
	})

	It("should let a worker start its own session after the parent's", func() {
		Expect(c.Enable(thread, NewKinetoConfig(), ActivityCPU)).To(Succeed())
		worker := thread.Spawn()

		_, err := c.Disable(thread)
		Expect(err).NotTo(HaveOccurred())
		Expect(c.IsEnabled(worker)).To(BeFalse())

		Expect(c.Enable(worker, NewKinetoConfig(), ActivityCPU)).To(Succeed())
		Expect(c.IsEnabled(worker)).To(BeTrue())

		runOp(worker, "aten::add")

		result, err := c.Disable(worker)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Events()).To(HaveLen(1))
		Expect(result.Events()[0].StartThreadID).To(Equal(worker.ID()))
	})

	It("should refuse to disable a finished session on a worker", func() {
		Expect(c.Enable(thread, NewKinetoConfig(), ActivityCPU)).To(Succeed())
		worker := thread.Spawn()

		_, err := c.Disable(thread)
		Expect(err).NotTo(HaveOccurred())

		_, err = c.Disable(worker)
		Expect(errors.Is(err, ErrNotEnabled)).To(BeTrue())

		_, err = c.Disable(worker)
		Expect(errors.Is(err, ErrNotEnabled)).To(BeTrue())
	})

	It("should only let the enabling thread disable the session", func() {
		Expect(c.Enable(thread, NewKinetoConfig(), ActivityCPU)).To(Succeed())
		worker := thread.Spawn()

		_, err := c.Disable(worker)
		Expect(errors.Is(err, ErrNotEnabled)).To(BeTrue())
		Expect(c.IsEnabled(thread)).To(BeTrue())
		Expect(c.IsEnabled(worker)).To(BeTrue())

		runOp(worker, "aten::mul")

		result, err := c.Disable(thread)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Events()).To(HaveLen(1))
		Expect(result.Events()[0].Name).To(Equal("aten::mul"))
	})

	It("should bracket the session with markers", func() {
		Expect(c.Enable(thread, NewKinetoConfig(), ActivityCPU)).To(Succeed())

		result, err := c.Disable(thread)
		Expect(err).NotTo(HaveOccurred())

		legacy := result.LegacyEvents()
		Expect(legacy).To(HaveLen(1))
		Expect(legacy[0]).To(HaveLen(2))
		Expect(legacy[0][0].Name).To(Equal(StartMarker))
		Expect(legacy[0][1].Name).To(Equal(StopMarker))
		Expect(legacy[0][1].CPUUs).To(BeNumerically(">=", legacy[0][0].CPUUs))
	})

	It("should not record operations that began before the session", func() {
		fn := hooking.NewRecordFunction("aten::conv2d", hooking.ScopeFunction)
		g := thread.Begin(fn)

		Expect(c.Enable(thread, NewKinetoConfig(), ActivityCPU)).To(Succeed())
		g.End()

		result, err := c.Disable(thread)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Events()).To(BeEmpty())
	})

	It("should drop operations that end after the session", func() {
		Expect(c.Enable(thread, NewKinetoConfig(), ActivityCPU)).To(Succeed())

		worker := thread.Spawn()
		fn := hooking.NewRecordFunction("aten::sum", hooking.ScopeFunction)
		g := worker.Begin(fn)
		Expect(lp.ActiveCorrelationID(worker.ID())).NotTo(BeZero())

		result, err := c.Disable(thread)
		Expect(err).NotTo(HaveOccurred())

		g.End()

		Expect(result.Events()).To(BeEmpty())
		Expect(lp.ActiveCorrelationID(worker.ID())).To(BeZero())
	})

	It("should record operations that end on another thread", func() {
		Expect(c.Enable(thread, NewKinetoConfig(), ActivityCPU)).To(Succeed())

		worker := thread.Spawn()
		fn := hooking.NewRecordFunction("aten::copy_", hooking.ScopeFunction)
		g := thread.Begin(fn)
		g.EndOn(worker)

		result, err := c.Disable(thread)
		Expect(err).NotTo(HaveOccurred())

		e := result.Events()[0]
		Expect(e.StartThreadID).To(Equal(thread.ID()))
		Expect(e.EndThreadID).To(Equal(worker.ID()))
	})

	It("should give nested operations distinct correlations", func() {
		Expect(c.Enable(thread, NewKinetoConfig(), ActivityCPU)).To(Succeed())

		outer := hooking.NewRecordFunction("aten::linear", hooking.ScopeFunction)
		Expect(thread.Run(outer, func() error {
			runOp(thread, "aten::addmm")
			return nil
		})).To(Succeed())

		result, err := c.Disable(thread)
		Expect(err).NotTo(HaveOccurred())

		events := result.Events()
		Expect(events).To(HaveLen(2))
		Expect(events[0].Name).To(Equal("aten::addmm"))
		Expect(events[1].Name).To(Equal("aten::linear"))
		Expect(events[0].CorrelationID).NotTo(Equal(events[1].CorrelationID))
		Expect(events[1].StartUs).To(BeNumerically("<=", events[0].StartUs))
		Expect(events[1].EndUs()).To(BeNumerically(">=", events[0].EndUs()))
	})

	It("should link device activities to the launching operation", func() {
		Expect(c.Enable(thread, NewKinetoConfig(),
			ActivityCPU, ActivityCUDA)).To(Succeed())

		fn := hooking.NewRecordFunction("aten::mm", hooking.ScopeFunction)
		Expect(thread.Run(fn, func() error {
			lp.LaunchKernel(thread.ID(), "gemm_kernel", 1, timing.NowUs(), 10)
			return nil
		})).To(Succeed())

		result, err := c.Disable(thread)
		Expect(err).NotTo(HaveOccurred())

		op := result.Events()[0]
		device := result.DeviceEvents()
		Expect(device).To(HaveLen(2))

		names := []string{device[0].Name, device[1].Name}
		Expect(names).To(ConsistOf("cudaLaunchKernel", "gemm_kernel"))

		for _, d := range device {
			Expect(d.CorrelationID).To(Equal(op.CorrelationID))

			if d.Name == "gemm_kernel" {
				Expect(d.DeviceType).To(Equal(DeviceCUDA))
				Expect(d.DeviceIndex).To(Equal(int64(1)))
			} else {
				Expect(d.DeviceType).To(Equal(DeviceCPU))
			}
		}

		groups := result.EventsByCorrelation()
		Expect(groups[op.CorrelationID]).To(HaveLen(3))
	})

	It("should record concurrent operations of spawned threads", func() {
		const numThreads = 2
		const opsPerThread = 1000

		Expect(c.Enable(thread, NewKinetoConfig(), ActivityCPU)).To(Succeed())

		workers := make([]*hooking.Thread, numThreads)
		for i := range workers {
			workers[i] = thread.Spawn()
		}

		var wg sync.WaitGroup
		for _, w := range workers {
			wg.Add(1)
			go func(w *hooking.Thread) {
				defer GinkgoRecover()
				defer wg.Done()

				for i := 0; i < opsPerThread; i++ {
					fn := hooking.NewRecordFunction("aten::add",
						hooking.ScopeFunction)
					_ = w.Run(fn, nil)
				}
			}(w)
		}
		wg.Wait()

		result, err := c.Disable(thread)
		Expect(err).NotTo(HaveOccurred())

		events := result.Events()
		Expect(events).To(HaveLen(numThreads * opsPerThread))

		seen := make(map[id.CorrelationID]bool)
		perThread := make(map[uint64]int)
		for _, e := range events {
			Expect(seen[e.CorrelationID]).To(BeFalse())
			seen[e.CorrelationID] = true
			perThread[e.StartThreadID]++

			Expect(e.EndUs()).To(BeNumerically(">=", e.StartUs))
		}

		for _, w := range workers {
			Expect(perThread[w.ID()]).To(Equal(opsPerThread))
		}
	})
})

var _ = Describe("Default controller", func() {
	AfterEach(func() {
		kineto.API().UnregisterProfiler()
	})

	It("should not be available without a registered profiler", func() {
		kineto.API().UnregisterProfiler()

		Expect(KinetoAvailable()).To(BeFalse())
	})

	It("should profile through the registered profiler", func() {
		kineto.API().RegisterProfiler(kineto.NewLocalProfiler())
		thread := hooking.NewThread()

		Expect(KinetoAvailable()).To(BeTrue())
		Expect(Prepare(NewKinetoConfig(), ActivityCPU)).To(Succeed())
		Expect(Enable(thread, NewKinetoConfig(), ActivityCPU)).To(Succeed())

		runOp(thread, "aten::relu")

		result, err := Disable(thread)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Events()).To(HaveLen(1))
	})

	It("should fail to stop a trace without a registered profiler", func() {
		kineto.API().UnregisterProfiler()
		thread := hooking.NewThread()

		Expect(Enable(thread, NewKinetoConfig(), ActivityCPU)).To(Succeed())

		_, err := Disable(thread)
		Expect(errors.Is(err, ErrEmptyTrace)).To(BeTrue())
	})
})
