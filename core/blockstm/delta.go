package blockstm

import (
	"errors"
	"math/big"

	"github.com/holiman/uint256"
)

// ErrDeltaApplicationFailure is returned when an aggregator delta over- or
// under-flows its configured bound. A failure met while a WorkFn reads
// through its View is returned to that WorkFn, and lands in the
// transaction's own output if the WorkFn returns it. A failure met by
// DeltaResolver.Resolve after commit is returned by Engine.Run as the error
// of the whole block; it is not mapped into the owning transaction's output.
var ErrDeltaApplicationFailure = errors.New("blockstm: delta application failure")

// DeltaOp is a commutative update over an unsigned 128-bit aggregator: an
// add that fails with ErrDeltaApplicationFailure when the result would
// exceed Bound (or overflow, when Bound is nil), or an abort-on-underflow
// subtraction floored at zero.
type DeltaOp struct {
	Positive  bool
	Magnitude *uint256.Int
	Bound     *uint256.Int // only consulted when Positive; nil means unbounded
}

// PositiveDelta builds a bounded "+n" aggregator op.
func PositiveDelta(n, bound *uint256.Int) DeltaOp {
	return DeltaOp{Positive: true, Magnitude: n, Bound: bound}
}

// NegativeDelta builds an abort-on-underflow "-n" aggregator op.
func NegativeDelta(n *uint256.Int) DeltaOp {
	return DeltaOp{Positive: false, Magnitude: n}
}

// Apply resolves this delta against a concrete base value.
func (d DeltaOp) Apply(base *uint256.Int) (*uint256.Int, error) {
	if d.Positive {
		sum, overflow := new(uint256.Int).AddOverflow(base, d.Magnitude)
		if overflow {
			return nil, ErrDeltaApplicationFailure
		}
		if d.Bound != nil && sum.Gt(d.Bound) {
			return nil, ErrDeltaApplicationFailure
		}
		return sum, nil
	}
	if base.Lt(d.Magnitude) {
		return nil, ErrDeltaApplicationFailure
	}
	return new(uint256.Int).Sub(base, d.Magnitude), nil
}

// signed returns the op's effect as a signed big.Int, ignoring bounds. Used
// only to merge a chain of deltas into one net accumulator; the bound is
// still enforced later, when the merged op is finally Applied to a concrete
// base (§4.1 step 4: "begin or extend a delta accumulator by merging j's op
// into it").
func (d DeltaOp) signed() *big.Int {
	v := new(big.Int).SetBytes(d.Magnitude.Bytes())
	if !d.Positive {
		v.Neg(v)
	}
	return v
}

// MergeDeltaOps composes two deltas encountered while walking the MVStore
// backward (§4.1 step 4) into a single net DeltaOp. The bound of the
// resulting op is whichever input carried one (both deltas on the same
// aggregator key always carry the same configured bound).
func MergeDeltaOps(newer, older DeltaOp) DeltaOp {
	net := new(big.Int).Add(newer.signed(), older.signed())

	bound := newer.Bound
	if bound == nil {
		bound = older.Bound
	}

	if net.Sign() >= 0 {
		return DeltaOp{
			Positive:  true,
			Magnitude: uint256.MustFromBig(net),
			Bound:     bound,
		}
	}

	return DeltaOp{
		Positive:  false,
		Magnitude: uint256.MustFromBig(new(big.Int).Neg(net)),
	}
}
