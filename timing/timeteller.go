// Package timing provides the clocks used to timestamp activities.
package timing

import (
	"sync/atomic"
	"time"
)

// A TimeTeller can tell the current time in microseconds.
type TimeTeller interface {
	NowUs() uint64
}

// MonotonicTimeTeller reports microseconds since the Unix epoch. It reads
// the wall clock once and advances with the monotonic clock afterwards, so
// timestamps never go backwards.
type MonotonicTimeTeller struct {
	base   time.Time
	baseUs uint64
}

// NewMonotonicTimeTeller creates a MonotonicTimeTeller anchored at the
// current wall-clock time.
func NewMonotonicTimeTeller() *MonotonicTimeTeller {
	now := time.Now()

	return &MonotonicTimeTeller{
		base:   now,
		baseUs: uint64(now.UnixMicro()),
	}
}

// NowUs returns the current time.
func (t *MonotonicTimeTeller) NowUs() uint64 {
	return t.baseUs + uint64(time.Since(t.base).Microseconds())
}

var defaultTimeTeller = NewMonotonicTimeTeller()

// Default returns the process-wide monotonic time teller.
func Default() TimeTeller {
	return defaultTimeTeller
}

// NowUs reads the process-wide monotonic time teller.
func NowUs() uint64 {
	return defaultTimeTeller.NowUs()
}

// ManualTimeTeller only moves when told to. It is safe for concurrent use.
type ManualTimeTeller struct {
	now atomic.Uint64
}

// NowUs returns the time that was last set.
func (t *ManualTimeTeller) NowUs() uint64 {
	return t.now.Load()
}

// SetNowUs moves the clock to the given time.
func (t *ManualTimeTeller) SetNowUs(us uint64) {
	t.now.Store(us)
}

// Advance moves the clock forward and returns the new time.
func (t *ManualTimeTeller) Advance(us uint64) uint64 {
	return t.now.Add(us)
}
