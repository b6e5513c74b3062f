package blockstm

import (
	"errors"

	"github.com/holiman/uint256"
)

// View is the per-incarnation storage window a WorkFn observes the block
// through. Every read is captured into a TxnInput so that the validator can
// later detect whether a replay would have observed something different.
type View struct {
	txIdx   TxnIndex
	store   *MVStore
	base    BaseStore
	safeIdx func() TxnIndex

	reads []ReadDescriptor
}

func newView(txIdx TxnIndex, store *MVStore, base BaseStore, safeIdx func() TxnIndex) *View {
	return &View{txIdx: txIdx, store: store, base: base, safeIdx: safeIdx}
}

// takeInput hands over the captured read set, for recording into
// LastInputOutput once the incarnation's WorkFn returns.
func (v *View) takeInput() TxnInput {
	out := make(TxnInput, len(v.reads))
	copy(out, v.reads)

	return out
}

// readResolved resolves key against the multi-version store. When it
// encounters an Estimate entry left by a prior transaction's in-flight
// incarnation, it returns the *DependencyError as-is rather than blocking in
// place: the engine's execute abandons the whole incarnation on that signal
// and lets the scheduler re-dispatch it once the dependency finishes (§4.2
// wait_for_dependency, §5's non-blocking suspension model), so a worker is
// never pinned waiting on a task someone else needs to claim first. It does
// not itself capture a ReadDescriptor; callers record exactly one once they
// know the read's final resolution (direct hit or storage fallback).
func (v *View) readResolved(key Key) (ReadResult, error) {
	return v.store.Read(key, v.txIdx, v.safeIdx())
}

// Read resolves key and captures the observation into the transaction's
// input set. Most WorkFn implementations should prefer ReadValue or
// ReadAggregator; Read is exposed for callers that need the raw
// MVStore-level result.
func (v *View) Read(key Key) (ReadResult, error) {
	res, err := v.readResolved(key)
	v.reads = append(v.reads, v.describeRead(key, res, err))

	return res, err
}

func (v *View) describeRead(key Key, res ReadResult, err error) ReadDescriptor {
	switch {
	case err != nil:
		return ReadDescriptor{Key: key, Kind: ReadKindUnresolved}
	case res.Kind == ReadResultVersion:
		return ReadDescriptor{Key: key, Kind: ReadKindVersion, Version: res.Version}
	default:
		return ReadDescriptor{Key: key, Kind: ReadKindResolved, Resolved: res.Resolved}
	}
}

// ReadValue reads key and returns its raw bytes, falling through to the
// base store when the multi-version store has no entry at all.
func (v *View) ReadValue(key Key) ([]byte, error) {
	res, err := v.readResolved(key)

	switch {
	case errors.Is(err, ErrNotFound):
		b, ok, berr := v.base.Get(key)
		if berr != nil {
			return nil, berr
		}

		if !ok {
			v.reads = append(v.reads, ReadDescriptor{Key: key, Kind: ReadKindUnresolved})
			return nil, ErrNotFound
		}

		v.reads = append(v.reads, ReadDescriptor{Key: key, Kind: ReadKindStorage, Bytes: b})

		return b, nil
	case err != nil:
		v.reads = append(v.reads, ReadDescriptor{Key: key, Kind: ReadKindUnresolved})
		return nil, err
	case res.Kind == ReadResultVersion:
		v.reads = append(v.reads, ReadDescriptor{Key: key, Kind: ReadKindVersion, Version: res.Version})

		if res.Value.IsDeletion() {
			return nil, ErrNotFound
		}

		return res.Value.Bytes, nil
	default:
		v.reads = append(v.reads, ReadDescriptor{Key: key, Kind: ReadKindResolved, Resolved: res.Resolved})
		return res.Resolved.Bytes(), nil
	}
}

// ReadAggregator reads key as a u128 aggregator, seeding the multi-version
// store's storage-value cache from BaseStore on first touch so that later
// reads in the same block don't repeat the round trip.
func (v *View) ReadAggregator(key Key) (*uint256.Int, error) {
	res, err := v.readResolved(key)

	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrUnresolved):
		b, ok, berr := v.base.GetAggregator(key)
		if berr != nil {
			return nil, berr
		}

		if !ok {
			v.reads = append(v.reads, ReadDescriptor{Key: key, Kind: ReadKindUnresolved})
			return nil, ErrNotFound
		}

		v.store.RecordStorageValue(key, b)

		// Re-resolve now that the base value is seeded: any deltas
		// accumulated on the first walk (ErrUnresolved) fold onto it here
		// instead of being silently dropped.
		res, err = v.readResolved(key)
		if err != nil {
			v.reads = append(v.reads, ReadDescriptor{Key: key, Kind: ReadKindUnresolved})
			return nil, err
		}

		v.reads = append(v.reads, ReadDescriptor{Key: key, Kind: ReadKindStorage, Resolved: res.Resolved})

		return res.Resolved, nil
	case err != nil:
		v.reads = append(v.reads, ReadDescriptor{Key: key, Kind: ReadKindUnresolved})
		return nil, err
	case res.Kind == ReadResultVersion:
		agg, ok := res.Value.AsAggregator()
		if !ok {
			v.reads = append(v.reads, ReadDescriptor{Key: key, Kind: ReadKindVersion, Version: res.Version})
			return nil, ErrNotFound
		}

		v.reads = append(v.reads, ReadDescriptor{Key: key, Kind: ReadKindVersion, Version: res.Version})

		return agg, nil
	default:
		v.reads = append(v.reads, ReadDescriptor{Key: key, Kind: ReadKindResolved, Resolved: res.Resolved})
		return res.Resolved, nil
	}
}
