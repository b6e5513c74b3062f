package blockstm

import "github.com/holiman/uint256"

// DeltaResolver turns the deferred aggregator deltas recorded during
// execution into concrete writes, once a block has fully committed (§4.5).
// It mirrors the Rust output-delta-resolver's walk: for each aggregator
// key, replay its full commit-order history once, folding every Delta into
// a running value and re-checking it against any shortcut that was
// installed speculatively during execution.
type DeltaResolver struct {
	store *MVStore
}

// NewDeltaResolver builds a resolver over store. store must only be read
// from after every transaction in the block has committed.
func NewDeltaResolver(store *MVStore) *DeltaResolver {
	return &DeltaResolver{store: store}
}

// Resolve walks every key in keys and returns, for each transaction index
// that recorded a Delta at that key, the single concrete WriteOp its
// aggregator update resolved to. The returned slice is indexed by
// TxnIndex; a transaction that touched no aggregator key has a nil entry.
func (r *DeltaResolver) Resolve(keys []Key, n int) ([][]WriteOp, error) {
	type resolved struct {
		idx TxnIndex
		key Key
		val *uint256.Int
	}

	var writes []resolved

	for _, key := range keys {
		entries := r.store.entriesSnapshot(key)

		base, hasBase := r.store.storageValues.Load(key)

		var running *uint256.Int
		if hasBase {
			running = base.(*uint256.Int)
		}

		for _, pair := range entries {
			idx, e := pair.Idx, pair.E

			if e.isWrite {
				agg, ok := e.value.AsAggregator()
				if !ok {
					running = nil
					continue
				}

				running = agg

				continue
			}

			if running == nil {
				return nil, &ErrInvariantViolation{Reason: "delta entry with no prior concrete base value"}
			}

			next, err := e.delta.Apply(running)
			if err != nil {
				return nil, err
			}

			if sc := e.shortcut.Load(); sc != nil && !sc.value.Eq(next) {
				return nil, &ErrInvariantViolation{Reason: "installed shortcut disagrees with resolved aggregator value"}
			}

			running = next

			writes = append(writes, resolved{idx: idx, key: key, val: new(uint256.Int).Set(next)})
		}
	}

	out := make([][]WriteOp, n)
	for _, w := range writes {
		out[w.idx] = append(out[w.idx], WriteOp{Key: w.key, Value: AggregatorValue(w.val)})
	}

	return out, nil
}

// collectAggregatorKeys gathers every key any committed transaction's
// output recorded a delta against, deduplicated, for a resolver pass.
func collectAggregatorKeys(n int, io *LastInputOutput) []Key {
	seen := make(map[Key]struct{})

	var keys []Key

	for i := 0; i < n; i++ {
		out, ok := io.Output(i)
		if !ok {
			continue
		}

		for _, d := range out.Deltas {
			if _, dup := seen[d.Key]; dup {
				continue
			}

			seen[d.Key] = struct{}{}

			keys = append(keys, d.Key)
		}
	}

	return keys
}
