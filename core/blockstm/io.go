package blockstm

import "sync/atomic"

// LastInputOutput holds, per transaction index, the captured Input/Output
// of the most recently published incarnation (§4.3). Readers use
// lock-free atomically-swapped pointers.
type LastInputOutput struct {
	inputs  []atomic.Pointer[TxnInput]
	outputs []atomic.Pointer[TxnOutput]
}

// NewLastInputOutput allocates slots for a block of n transactions.
func NewLastInputOutput(n int) *LastInputOutput {
	return &LastInputOutput{
		inputs:  make([]atomic.Pointer[TxnInput], n),
		outputs: make([]atomic.Pointer[TxnOutput], n),
	}
}

// Record publishes the input/output of a freshly completed incarnation.
func (io *LastInputOutput) Record(idx TxnIndex, in TxnInput, out TxnOutput) {
	io.inputs[idx].Store(&in)
	io.outputs[idx].Store(&out)
}

// Input returns the most recently published read set for idx, or nil if
// idx has never completed an incarnation.
func (io *LastInputOutput) Input(idx TxnIndex) TxnInput {
	p := io.inputs[idx].Load()
	if p == nil {
		return nil
	}

	return *p
}

// Output returns the most recently published write/delta set for idx.
func (io *LastInputOutput) Output(idx TxnIndex) (TxnOutput, bool) {
	p := io.outputs[idx].Load()
	if p == nil {
		return TxnOutput{}, false
	}

	return *p, true
}
