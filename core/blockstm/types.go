// Package blockstm implements a speculative, optimistically-concurrent block
// executor in the Block-STM family: transactions in a block are executed as
// if sequential, using a multi-version in-memory store, a cooperative
// scheduler, and a deferred aggregator-delta resolver so that hot counters
// don't serialise execution.
package blockstm

import (
	"fmt"

	"github.com/holiman/uint256"
)

// TxnIndex is a transaction's position within a block.
type TxnIndex = int

// Incarnation is a transaction's per-retry counter, starting at 0.
type Incarnation = int

// Version identifies a specific incarnation of a specific transaction.
type Version struct {
	TxnIndex    TxnIndex
	Incarnation Incarnation
}

func (v Version) String() string {
	return fmt.Sprintf("(%d,%d)", v.TxnIndex, v.Incarnation)
}

// Key is a content-addressed storage key supplied by the VM. It is treated
// as opaque by the engine.
type Key string

// ValueTag distinguishes how a Value should be interpreted by downstream
// storage.
type ValueTag uint8

const (
	ValueCreation ValueTag = iota
	ValueModification
	ValueDeletion
)

// Value is an opaque byte payload plus the tag under which it was written.
type Value struct {
	Tag   ValueTag
	Bytes []byte
}

// IsDeletion reports whether this value represents a deletion.
func (v Value) IsDeletion() bool { return v.Tag == ValueDeletion }

// AsAggregator parses the value's bytes as a big-endian u128 (stored in
// a uint256.Int, which comfortably holds 128 bits). Returns false if the
// value is a deletion.
func (v Value) AsAggregator() (*uint256.Int, bool) {
	if v.IsDeletion() {
		return nil, false
	}
	return new(uint256.Int).SetBytes(v.Bytes), true
}

// AggregatorValue serialises a resolved aggregator value back into a Value
// tagged as a Modification, per §4.5 step 2 of the resolver design.
func AggregatorValue(v *uint256.Int) Value {
	return Value{Tag: ValueModification, Bytes: v.Bytes()}
}

// ReadKind classifies how a captured read resolved.
type ReadKind uint8

const (
	ReadKindVersion ReadKind = iota
	ReadKindResolved
	ReadKindStorage
	ReadKindUnresolved
)

// ReadDescriptor is a single entry of a transaction's captured input set:
// the key read, and what it resolved to at the time of read. Bytes carries
// the observed value for a ReadKindStorage read of a plain (non-aggregator)
// key; validation does not compare it, since BaseStore is taken to be
// unchanged for the lifetime of a block.
type ReadDescriptor struct {
	Key      Key
	Kind     ReadKind
	Version  Version
	Resolved *uint256.Int
	Bytes    []byte
}

// WriteOp is a concrete key/value write captured in a transaction's output.
type WriteOp struct {
	Key   Key
	Value Value
}

// DeltaWrite is a deferred aggregator update captured in a transaction's
// output.
type DeltaWrite struct {
	Key Key
	Op  DeltaOp
}

// TxnInput is the read set captured during one incarnation of a transaction.
type TxnInput []ReadDescriptor

// TxnOutput is the write/delta set captured during one incarnation of a
// transaction, plus control flags.
type TxnOutput struct {
	Writes   []WriteOp
	Deltas   []DeltaWrite
	SkipRest bool
	Retry    bool

	// Err is the transaction's own error as returned by its WorkFn, captured
	// rather than propagated: it does not abort the block.
	Err error
}

// AllWritten returns every key this output concretely or speculatively
// touches (writes and deltas), used for the incarnation write-set diff in
// §9 ("remove entries that were previously written but are no longer
// written").
func (o TxnOutput) AllWritten() map[Key]struct{} {
	out := make(map[Key]struct{}, len(o.Writes)+len(o.Deltas))
	for _, w := range o.Writes {
		out[w.Key] = struct{}{}
	}
	for _, d := range o.Deltas {
		out[d.Key] = struct{}{}
	}
	return out
}

// WorkFn is the per-transaction work function supplied by the caller (the
// VM). It must be referentially transparent in its inputs: all storage
// observations go through the supplied View. err is the transaction's own
// (user) error and does not abort the block; it is captured into the
// transaction's output.
type WorkFn func(idx TxnIndex, view *View) (TxnOutput, error)

// BaseStore is the read-only, referentially-transparent chain-storage
// collaborator the engine reads through when no in-block write covers a
// key.
type BaseStore interface {
	Get(key Key) ([]byte, bool, error)
	GetAggregator(key Key) (*uint256.Int, bool, error)
}

// TransactionOutput is one slot of the engine's block-level output: either
// the materialised result of a committed transaction, or the Retry
// sentinel for a transaction that must be resubmitted.
type TransactionOutput struct {
	Writes []WriteOp
	Err    error
	Retry  bool
}
