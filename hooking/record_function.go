package hooking

// A RecordFunction describes one invocation of an operation that the engine
// lets callbacks observe.
type RecordFunction struct {
	name        string
	scope       Scope
	seqNr       int64
	fwdThreadID uint64
	inputs      []any

	thread      *Thread
	current     *Thread
	needsInputs bool
	needsIDs    bool
}

// NewRecordFunction creates a RecordFunction for an operation with the given
// name. The sequence number is unset until WithSequenceNr is called.
func NewRecordFunction(name string, scope Scope) *RecordFunction {
	return &RecordFunction{
		name:  name,
		scope: scope,
		seqNr: -1,
	}
}

// WithSequenceNr sets the ordering hint that the engine assigned to the
// operation.
func (fn *RecordFunction) WithSequenceNr(seqNr int64) *RecordFunction {
	fn.seqNr = seqNr
	return fn
}

// WithForwardThreadID sets the thread that ran the forward counterpart of a
// backward operation.
func (fn *RecordFunction) WithForwardThreadID(tid uint64) *RecordFunction {
	fn.fwdThreadID = tid
	return fn
}

// WithInputs sets the arguments of the operation.
func (fn *RecordFunction) WithInputs(inputs ...any) *RecordFunction {
	fn.inputs = inputs
	return fn
}

// Name returns the operation name.
func (fn *RecordFunction) Name() string {
	return fn.name
}

// Scope returns the scope that the operation runs in.
func (fn *RecordFunction) Scope() Scope {
	return fn.scope
}

// SeqNr returns the sequence number, or -1 if no callback asked for IDs or
// none was set.
func (fn *RecordFunction) SeqNr() int64 {
	if !fn.needsIDs {
		return -1
	}

	return fn.seqNr
}

// ForwardThreadID returns the forward thread ID, or 0 if no callback asked
// for IDs or none was set.
func (fn *RecordFunction) ForwardThreadID() uint64 {
	if !fn.needsIDs {
		return 0
	}

	return fn.fwdThreadID
}

// Inputs returns the arguments of the operation. Inputs are only kept when a
// callback asked for them.
func (fn *RecordFunction) Inputs() []any {
	if !fn.needsInputs {
		return nil
	}

	return fn.inputs
}

// Thread returns the thread that began the operation. It is nil before the
// operation begins.
func (fn *RecordFunction) Thread() *Thread {
	return fn.thread
}

// CurrentThread returns the thread that the callbacks are running on. It is
// the thread that began the operation, except when the operation was ended
// on another thread.
func (fn *RecordFunction) CurrentThread() *Thread {
	if fn.current != nil {
		return fn.current
	}

	return fn.thread
}
