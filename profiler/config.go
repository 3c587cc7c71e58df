package profiler

import (
	"fmt"
	"strings"
)

// State is the profiling mode.
type State int

// Profiling modes. Only StateKineto is served by this package; the other
// modes belong to profilers that do not bridge into the trace backend.
const (
	StateDisabled State = iota
	StateCPU
	StateCUDA
	StateNVTX
	StateKineto
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateCPU:
		return "cpu"
	case StateCUDA:
		return "cuda"
	case StateNVTX:
		return "nvtx"
	case StateKineto:
		return "kineto"
	default:
		return "unknown"
	}
}

// Config holds the options of a profiling session. It is copied into the
// session when the session is enabled and never changes afterwards.
type Config struct {
	State             State
	ReportInputShapes bool
	// ProfileMemory is reserved. It is carried in the session configuration
	// but no allocation events are recorded yet.
	ProfileMemory bool
	WithStack     bool
}

// NewKinetoConfig returns a Config in the backend-tracing mode with all
// optional captures off.
func NewKinetoConfig() Config {
	return Config{State: StateKineto}
}

// ActivityType is a high-level category of activity a session can capture.
type ActivityType int

// Activity categories.
const (
	ActivityCPU ActivityType = iota
	ActivityCUDA
)

func (t ActivityType) String() string {
	switch t {
	case ActivityCPU:
		return "cpu"
	case ActivityCUDA:
		return "cuda"
	default:
		return "unknown"
	}
}

// ParseActivityType converts a name, such as "cpu" or "cuda", into an
// ActivityType.
func ParseActivityType(name string) (ActivityType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "cpu":
		return ActivityCPU, nil
	case "cuda", "gpu":
		return ActivityCUDA, nil
	default:
		return 0, fmt.Errorf("unknown activity type %q", name)
	}
}

// ParseActivityTypes converts a list of names into activity types.
func ParseActivityTypes(names []string) ([]ActivityType, error) {
	types := make([]ActivityType, 0, len(names))
	for _, n := range names {
		t, err := ParseActivityType(n)
		if err != nil {
			return nil, err
		}

		types = append(types, t)
	}

	return types, nil
}

func hasActivity(activities []ActivityType, t ActivityType) bool {
	for _, a := range activities {
		if a == t {
			return true
		}
	}

	return false
}
