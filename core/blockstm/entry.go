package blockstm

import (
	"sync/atomic"

	"github.com/holiman/uint256"
)

// Flag marks whether an MVStore entry is safe to read or stale because its
// producing incarnation has been aborted.
type Flag int32

const (
	FlagDone Flag = iota
	FlagEstimate
)

type shortcut struct {
	generation int
	value      *uint256.Int
}

// entry is one slot of the MVStore's per-key, per-TxnIndex map. It is
// either a concrete Write or a deferred aggregator Delta, optionally
// carrying a speculative resolved value (a "shortcut") attached to Delta
// entries per §4.1 step 5 and §9.
type entry struct {
	flag atomic.Int32

	isWrite     bool
	incarnation Incarnation // valid when isWrite
	value       Value       // valid when isWrite

	delta    DeltaOp // valid when !isWrite
	shortcut atomic.Pointer[shortcut]
}

func newWriteEntry(incarnation Incarnation, value Value) *entry {
	e := &entry{isWrite: true, incarnation: incarnation, value: value}
	e.flag.Store(int32(FlagDone))
	return e
}

func newDeltaEntry(op DeltaOp) *entry {
	e := &entry{isWrite: false, delta: op}
	e.flag.Store(int32(FlagDone))
	return e
}

func (e *entry) getFlag() Flag { return Flag(e.flag.Load()) }

func (e *entry) markEstimate() { e.flag.Store(int32(FlagEstimate)) }

// mustUpdateShortcut reports the delta op that should be recorded as the
// new shortcut, iff the entry isn't stale and the candidate generation is
// strictly newer than whatever shortcut (if any) is already installed. This
// is the CAS-like "install only if generation strictly greater" rule from
// §9.
func (e *entry) mustUpdateShortcut(generation int) (DeltaOp, bool) {
	if e.isWrite || e.getFlag() == FlagEstimate {
		return DeltaOp{}, false
	}
	if cur := e.shortcut.Load(); cur != nil && cur.generation >= generation {
		return DeltaOp{}, false
	}
	return e.delta, true
}
