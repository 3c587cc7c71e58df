package kineto

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/sarchlab/opprof/id"
	"github.com/sarchlab/opprof/timing"
)

// LocalProfiler is an ActivityProfiler that keeps the trace in memory. Device
// activities are reported to it through RecordDeviceActivity and
// LaunchKernel, and are linked to the correlation that is active on the
// reporting thread.
type LocalProfiler struct {
	mu         sync.Mutex
	timeTeller timing.TimeTeller
	logger     zerolog.Logger

	initialized     bool
	activities      ActivitySet
	active          bool
	startTime       uint64
	correlations    map[uint64][]id.CorrelationID
	cpuTraces       []*CPUTraceBuffer
	deviceActs      []*GenericActivity
	lastCorrelation uint64
}

// NewLocalProfiler creates a LocalProfiler that uses the process-wide clock
// and does not log.
func NewLocalProfiler() *LocalProfiler {
	return &LocalProfiler{
		timeTeller:   timing.Default(),
		logger:       zerolog.Nop(),
		correlations: make(map[uint64][]id.CorrelationID),
	}
}

// WithTimeTeller sets the clock used to timestamp the trace.
func (p *LocalProfiler) WithTimeTeller(tt timing.TimeTeller) *LocalProfiler {
	p.timeTeller = tt
	return p
}

// WithLogger sets the logger.
func (p *LocalProfiler) WithLogger(logger zerolog.Logger) *LocalProfiler {
	p.logger = logger
	return p
}

// Init marks the profiler as initialized.
func (p *LocalProfiler) Init() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.initialized = true
	p.logger.Debug().Msg("activity profiler initialized")
}

// IsInitialized tells if Init was called.
func (p *LocalProfiler) IsInitialized() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.initialized
}

// PrepareTrace selects the activity types to capture. An empty set selects
// all types. Preparing while a trace is active is ignored.
func (p *LocalProfiler) PrepareTrace(activities ActivitySet) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.active {
		p.logger.Warn().Msg("trace already active, prepare ignored")
		return
	}

	p.prepareLocked(activities)
}

func (p *LocalProfiler) prepareLocked(activities ActivitySet) {
	if len(activities) == 0 {
		activities = AllActivityTypes()
	}

	p.activities = activities.Clone()
	p.logger.Debug().
		Stringer("activities", p.activities).
		Msg("trace prepared")
}

// StartTrace starts capturing. A trace that was not prepared captures all
// activity types.
func (p *LocalProfiler) StartTrace() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.active {
		return
	}

	if p.activities == nil {
		p.prepareLocked(nil)
	}

	p.active = true
	p.startTime = p.timeTeller.NowUs()
	p.logger.Debug().Uint64("start_us", p.startTime).Msg("trace started")
}

// IsActive tells if a trace is being captured.
func (p *LocalProfiler) IsActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.active
}

// InitIfRegistered initializes the profiler. A LocalProfiler used directly
// as a Backend is always registered with itself.
func (p *LocalProfiler) InitIfRegistered() {
	if !p.IsInitialized() {
		p.Init()
	}
}

// TraceActive is IsActive under its Backend name.
func (p *LocalProfiler) TraceActive() bool {
	return p.IsActive()
}

// StopTrace stops capturing and returns everything captured since
// StartTrace.
func (p *LocalProfiler) StopTrace() ActivityTrace {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.active {
		return nil
	}

	trace := &Trace{
		startTime:        p.startTime,
		endTime:          p.timeTeller.NowUs(),
		activityTypes:    p.activities,
		cpuTraces:        p.cpuTraces,
		deviceActivities: p.deviceActs,
	}

	p.active = false
	p.activities = nil
	p.cpuTraces = nil
	p.deviceActs = nil
	p.correlations = make(map[uint64][]id.CorrelationID)

	p.logger.Debug().
		Int("cpu_traces", len(trace.cpuTraces)).
		Int("device_activities", len(trace.deviceActivities)).
		Msg("trace stopped")

	return trace
}

// TransferCPUTrace takes over a client's host-side trace. Buffers handed
// over while no trace is active are dropped.
func (p *LocalProfiler) TransferCPUTrace(buf *CPUTraceBuffer) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.active || buf == nil {
		return
	}

	p.cpuTraces = append(p.cpuTraces, buf)
}

// PushCorrelationID makes corrID the active correlation of a thread.
func (p *LocalProfiler) PushCorrelationID(
	threadID uint64,
	corrID id.CorrelationID,
) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.correlations[threadID] = append(p.correlations[threadID], corrID)
}

// PopCorrelationID restores the previous correlation of a thread.
func (p *LocalProfiler) PopCorrelationID(threadID uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	stack := p.correlations[threadID]
	if len(stack) == 0 {
		return
	}

	if len(stack) == 1 {
		delete(p.correlations, threadID)
		return
	}

	p.correlations[threadID] = stack[:len(stack)-1]
}

// ActiveCorrelationID returns the correlation that is active on a thread,
// or 0.
func (p *LocalProfiler) ActiveCorrelationID(threadID uint64) id.CorrelationID {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.activeCorrelationLocked(threadID)
}

func (p *LocalProfiler) activeCorrelationLocked(
	threadID uint64,
) id.CorrelationID {
	stack := p.correlations[threadID]
	if len(stack) == 0 {
		return 0
	}

	return stack[len(stack)-1]
}

// RecordDeviceActivity captures an activity reported from a thread. It
// returns nil if no trace is active or the type was not prepared.
func (p *LocalProfiler) RecordDeviceActivity(
	threadID uint64,
	activityType ActivityType,
	name string,
	device int64,
	startUs, endUs uint64,
) *GenericActivity {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastCorrelation++

	return p.recordLocked(threadID, activityType, name, device,
		startUs, endUs, p.lastCorrelation)
}

// LaunchKernel captures a kernel launch: the runtime call on the launching
// thread and the kernel on the device, sharing one backend correlation.
func (p *LocalProfiler) LaunchKernel(
	threadID uint64,
	name string,
	device int64,
	startUs, durationUs uint64,
) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastCorrelation++
	corr := p.lastCorrelation

	p.recordLocked(threadID, CUDARuntime, "cudaLaunchKernel", CPUDevice,
		startUs, startUs+1, corr)
	p.recordLocked(threadID, ConcurrentKernel, name, device,
		startUs+1, startUs+1+durationUs, corr)
}

func (p *LocalProfiler) recordLocked(
	threadID uint64,
	activityType ActivityType,
	name string,
	device int64,
	startUs, endUs uint64,
	corr uint64,
) *GenericActivity {
	if !p.active || !p.activities.Has(activityType) {
		return nil
	}

	act := &GenericActivity{
		ActivityName: name,
		ActivityType: activityType,
		Device:       device,
		Resource:     threadID,
		StartTime:    startUs,
		EndTime:      endUs,
		Correlation:  corr,
	}

	if p.activities.Has(ExternalCorrelation) {
		act.Linked = p.activeCorrelationLocked(threadID)
	}

	p.deviceActs = append(p.deviceActs, act)

	return act
}
