// Package id provides the identifiers shared between the profiler and the
// trace backend.
package id

import (
	"sync/atomic"

	"github.com/rs/xid"
)

// CorrelationID ties an operator observed by the profiler to the backend
// activities that happen while the operator runs. Zero means no correlation.
type CorrelationID uint64

// An Allocator hands out correlation IDs.
type Allocator interface {
	Next() CorrelationID
}

// NewSequentialAllocator returns an allocator with its own sequence. The
// first ID it returns is 1.
func NewSequentialAllocator() Allocator {
	return &sequentialAllocator{}
}

type sequentialAllocator struct {
	lastID atomic.Uint64
}

func (a *sequentialAllocator) Next() CorrelationID {
	return CorrelationID(a.lastID.Add(1))
}

var processAllocator = NewSequentialAllocator()

// ProcessAllocator returns the allocator that is shared by every thread and
// every profiling session in the process.
func ProcessAllocator() Allocator {
	return processAllocator
}

// NextCorrelationID returns the next process-wide correlation ID. IDs are
// never reused.
func NextCorrelationID() CorrelationID {
	return processAllocator.Next()
}

// NewSessionID returns a globally unique name for a profiling session.
func NewSessionID() string {
	return xid.New().String()
}
