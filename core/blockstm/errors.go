package blockstm

import "fmt"

// ErrModulePathReadWrite is returned when the block as a whole contains a
// transaction that writes a module path some other transaction in the same
// block reads, a pattern the engine can't speculate safely through (§7), and
// EngineConfig.ModuleConflictIsFatal is false. When it's true, Run instead
// re-runs the block sequentially itself and this error is never seen.
var ErrModulePathReadWrite = fmt.Errorf("blockstm: module path read/write conflict, fall back to sequential execution")

// ErrInvariantViolation reports that the engine detected its own bookkeeping
// in an inconsistent state (for example, an installed delta shortcut that
// disagrees with the value DeltaResolver computes for the same entry). It always indicates a bug in the engine, not in
// a transaction, and aborts the whole block.
type ErrInvariantViolation struct {
	Reason string
}

func (e *ErrInvariantViolation) Error() string {
	return fmt.Sprintf("blockstm: invariant violation: %s", e.Reason)
}

// UserError wraps a transaction's own work-function error (including
// ErrDeltaApplicationFailure). It never aborts the block: the engine
// captures it into that transaction's own TransactionOutput and continues
// (§7).
type UserError struct {
	Index TxnIndex
	Err   error
}

func (e *UserError) Error() string {
	return fmt.Sprintf("blockstm: transaction %d: %s", e.Index, e.Err)
}

func (e *UserError) Unwrap() error { return e.Err }
