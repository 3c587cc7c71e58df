// Package profiler records the operations that an engine runs and bridges
// them into the kineto trace backend.
//
// A session starts with Enable on a thread and ends with Disable on the same
// thread. While the session is active, every operation run by the thread, or
// by threads spawned from it, is timed, given a correlation ID that the
// backend uses to link device work to the operation, and stored. Disable
// hands the stored operations to the backend, stops the backend trace and
// returns both in a Result.
package profiler

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/sarchlab/opprof/debuginfo"
	"github.com/sarchlab/opprof/hooking"
	"github.com/sarchlab/opprof/id"
	"github.com/sarchlab/opprof/kineto"
	"github.com/sarchlab/opprof/timing"
)

// Errors returned for misuse of the profiler and for a failing backend.
var (
	ErrUnsupportedMode = errors.New("supported only in kineto profiler mode")
	ErrNoActivities    = errors.New("no activities specified for kineto profiler")
	ErrAlreadyEnabled  = errors.New("profiler is already enabled on this thread")
	ErrNotEnabled      = errors.New("kineto profiler is not running on this thread")
	ErrEmptyTrace      = errors.New("trace backend returned no trace")
)

// Marker names that bracket every session.
const (
	StartMarker = "__start_profile"
	StopMarker  = "__stop_profile"
)

// A Controller starts and stops profiling sessions against one backend.
type Controller struct {
	backend    kineto.Backend
	timeTeller timing.TimeTeller
	allocator  id.Allocator
	logger     zerolog.Logger
}

// NewController creates a controller that bridges into backend. It uses the
// process-wide clock and correlation IDs.
func NewController(backend kineto.Backend) *Controller {
	return &Controller{
		backend:    backend,
		timeTeller: timing.Default(),
		allocator:  id.ProcessAllocator(),
		logger:     zerolog.Nop(),
	}
}

// WithTimeTeller sets the clock used to timestamp operations.
func (c *Controller) WithTimeTeller(tt timing.TimeTeller) *Controller {
	c.timeTeller = tt
	return c
}

// WithAllocator sets where correlation IDs come from.
func (c *Controller) WithAllocator(a id.Allocator) *Controller {
	c.allocator = a
	return c
}

// WithLogger sets the logger.
func (c *Controller) WithLogger(logger zerolog.Logger) *Controller {
	c.logger = logger
	return c
}

// Backend returns the backend the controller bridges into.
func (c *Controller) Backend() kineto.Backend {
	return c.backend
}

// KinetoAvailable tells if a trace backend can serve sessions.
func (c *Controller) KinetoAvailable() bool {
	if c.backend == nil {
		return false
	}

	if r, ok := c.backend.(interface{ HasProfilerRegistered() bool }); ok {
		return r.HasProfilerRegistered()
	}

	return true
}

// IsEnabled tells if a session is active on thread.
func (c *Controller) IsEnabled(thread *hooking.Thread) bool {
	return activeState(thread) != nil
}

// backendActivities maps the requested categories onto backend activity
// types. CPU activity brings in the runtime calls that launch device work so
// that they can be correlated with the operations.
func backendActivities(activities []ActivityType) kineto.ActivitySet {
	set := kineto.NewActivitySet()

	if hasActivity(activities, ActivityCPU) {
		set.Add(kineto.ExternalCorrelation)
		set.Add(kineto.CUDARuntime)
	}

	if hasActivity(activities, ActivityCUDA) {
		set.Add(kineto.GPUMemcpy)
		set.Add(kineto.GPUMemset)
		set.Add(kineto.ConcurrentKernel)
		set.Add(kineto.CUDARuntime)
	}

	return set
}

// Prepare asks the backend to get ready to trace the given activities.
func (c *Controller) Prepare(config Config, activities ...ActivityType) error {
	if config.State != StateKineto {
		return fmt.Errorf("prepare in %s mode: %w", config.State, ErrUnsupportedMode)
	}

	set := backendActivities(activities)

	c.backend.InitIfRegistered()
	c.backend.PrepareTrace(set)

	c.logger.Debug().Stringer("activities", set).Msg("profiler prepared")

	return nil
}

// Enable starts a session on thread.
func (c *Controller) Enable(
	thread *hooking.Thread,
	config Config,
	activities ...ActivityType,
) error {
	if config.State != StateKineto {
		return fmt.Errorf("enable in %s mode: %w", config.State, ErrUnsupportedMode)
	}

	if len(activities) == 0 {
		return ErrNoActivities
	}

	if activeState(thread) != nil {
		return fmt.Errorf("thread %d: %w", thread.ID(), ErrAlreadyEnabled)
	}

	state := newSessionState(config, thread.ID())
	debuginfo.Push(thread.DebugInfo(), profilerStateKey, state)

	state.cpuTrace.Span.StartTime = c.timeTeller.NowUs()
	state.cpuTrace.Span.Name = SessionName
	state.cpuTrace.GPUOpCount = -1

	if hasActivity(activities, ActivityCPU) {
		c.pushProfilingCallbacks(thread, state)
	}

	if !c.backend.TraceActive() {
		c.backend.StartTrace()
	}

	state.mark(StartMarker, thread.ID(), c.timeTeller.NowUs())

	c.logger.Debug().
		Uint64("thread", thread.ID()).
		Bool("shapes", config.ReportInputShapes).
		Bool("stack", config.WithStack).
		Msg("profiler enabled")

	return nil
}

// Disable ends the session on thread and returns what it recorded.
func (c *Controller) Disable(thread *hooking.Thread) (*Result, error) {
	state, ok := debuginfo.Get(thread.DebugInfo(), profilerStateKey)
	if !ok || state == nil {
		return nil, fmt.Errorf("thread %d: %w", thread.ID(), ErrNotEnabled)
	}

	// A spawned worker keeps the session of its parent after the parent
	// disabled it.
	if state.closed.Load() {
		debuginfo.Pop(thread.DebugInfo(), profilerStateKey)
		return nil, fmt.Errorf("thread %d: %w", thread.ID(), ErrNotEnabled)
	}

	if !state.isKineto() {
		return nil, fmt.Errorf("thread %d in %s mode: %w",
			thread.ID(), state.config.State, ErrNotEnabled)
	}

	if state.ownerID != thread.ID() {
		return nil, fmt.Errorf("thread %d: session belongs to thread %d: %w",
			thread.ID(), state.ownerID, ErrNotEnabled)
	}

	debuginfo.Pop(thread.DebugInfo(), profilerStateKey)

	if state.hasCallbackHandle && thread.HasCallback(state.callbackHandle) {
		thread.RemoveCallback(state.callbackHandle)
	}

	state.mark(StopMarker, thread.ID(), c.timeTeller.NowUs())
	state.close()

	cpuTrace := state.takeCPUTrace(c.timeTeller.NowUs())
	span := cpuTrace.Span

	c.backend.TransferCPUTrace(cpuTrace)

	trace := c.backend.StopTrace()
	if trace == nil {
		return nil, ErrEmptyTrace
	}

	result := &Result{
		events:       state.takeEvents(),
		legacyEvents: state.consolidate(),
		trace:        trace,
		span:         span,
	}

	c.logger.Debug().
		Uint64("thread", thread.ID()).
		Int("events", len(result.events)).
		Msg("profiler disabled")

	return result, nil
}

var defaultController = NewController(kineto.API())

// DefaultController returns the controller bound to the process-wide
// backend.
func DefaultController() *Controller {
	return defaultController
}

// Prepare prepares the process-wide backend.
func Prepare(config Config, activities ...ActivityType) error {
	return defaultController.Prepare(config, activities...)
}

// Enable starts a session on thread with the process-wide backend.
func Enable(
	thread *hooking.Thread,
	config Config,
	activities ...ActivityType,
) error {
	return defaultController.Enable(thread, config, activities...)
}

// Disable ends the session on thread.
func Disable(thread *hooking.Thread) (*Result, error) {
	return defaultController.Disable(thread)
}

// KinetoAvailable tells if a profiler is registered with the process-wide
// backend.
func KinetoAvailable() bool {
	return defaultController.KinetoAvailable()
}
