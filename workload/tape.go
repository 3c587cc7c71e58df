package workload

import (
	"strings"
	"sync"
)

// A TapeEntry is a forward operation that can be differentiated.
type TapeEntry struct {
	Name       string
	SequenceNr int64
	ThreadID   uint64
}

// A Tape remembers forward operations in the order they ran. A nil Tape
// remembers nothing.
type Tape struct {
	mu      sync.Mutex
	entries []TapeEntry
}

// NewTape creates an empty tape.
func NewTape() *Tape {
	return &Tape{}
}

func (t *Tape) record(name string, seqNr int64, threadID uint64) {
	if t == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries = append(t.entries, TapeEntry{
		Name:       name,
		SequenceNr: seqNr,
		ThreadID:   threadID,
	})
}

// Entries returns the recorded operations.
func (t *Tape) Entries() []TapeEntry {
	if t == nil {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	entries := make([]TapeEntry, len(t.entries))
	copy(entries, t.entries)

	return entries
}

// backwardName turns "aten::matmul" into "MatmulBackward0".
func backwardName(op string) string {
	name := op
	if i := strings.LastIndex(op, "::"); i >= 0 {
		name = op[i+2:]
	}

	if name == "" {
		return "Backward0"
	}

	return strings.ToUpper(name[:1]) + name[1:] + "Backward0"
}
