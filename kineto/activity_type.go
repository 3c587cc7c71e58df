// Package kineto is the trace backend that the profiler bridges into. It
// defines the backend contract, the activity records exchanged with the
// profiler, and LocalProfiler, an in-process backend implementation.
package kineto

import (
	"sort"
	"strings"
)

// ActivityType is a category of activity that the backend can capture.
type ActivityType int

// Activity types known to the backend.
const (
	CPUOp ActivityType = iota
	ExternalCorrelation
	CUDARuntime
	GPUMemcpy
	GPUMemset
	ConcurrentKernel
)

var activityTypeNames = map[ActivityType]string{
	CPUOp:               "cpu_op",
	ExternalCorrelation: "external_correlation",
	CUDARuntime:         "cuda_runtime",
	GPUMemcpy:           "gpu_memcpy",
	GPUMemset:           "gpu_memset",
	ConcurrentKernel:    "kernel",
}

func (t ActivityType) String() string {
	if name, ok := activityTypeNames[t]; ok {
		return name
	}

	return "unknown"
}

// AllActivityTypes returns every activity type the backend knows.
func AllActivityTypes() ActivitySet {
	return NewActivitySet(
		CPUOp,
		ExternalCorrelation,
		CUDARuntime,
		GPUMemcpy,
		GPUMemset,
		ConcurrentKernel,
	)
}

// An ActivitySet is a set of activity types.
type ActivitySet map[ActivityType]struct{}

// NewActivitySet creates a set holding the given types.
func NewActivitySet(types ...ActivityType) ActivitySet {
	s := make(ActivitySet, len(types))
	for _, t := range types {
		s.Add(t)
	}

	return s
}

// Add puts t into the set.
func (s ActivitySet) Add(t ActivityType) {
	s[t] = struct{}{}
}

// Has tells if t is in the set.
func (s ActivitySet) Has(t ActivityType) bool {
	_, ok := s[t]
	return ok
}

// Types returns the members of the set in ascending order.
func (s ActivitySet) Types() []ActivityType {
	types := make([]ActivityType, 0, len(s))
	for t := range s {
		types = append(types, t)
	}

	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	return types
}

// Clone returns a copy of the set.
func (s ActivitySet) Clone() ActivitySet {
	return NewActivitySet(s.Types()...)
}

func (s ActivitySet) String() string {
	names := make([]string, 0, len(s))
	for _, t := range s.Types() {
		names = append(names, t.String())
	}

	return "{" + strings.Join(names, ", ") + "}"
}
