package blockstm

import (
	"errors"
	"hash/fnv"
	"sync"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/holiman/uint256"
)

// ErrNotFound is returned when a read observes no prior entry and no
// storage value for the key.
var ErrNotFound = errors.New("blockstm: not found")

// ErrUnresolved is returned when a read's delta accumulator can't be
// resolved against a concrete base (no write, no storage value).
var ErrUnresolved = errors.New("blockstm: delta unresolved")

// DependencyError reports that a read observed an Estimate entry and must
// wait for the producing transaction's next incarnation.
type DependencyError struct {
	Index TxnIndex
}

func (e *DependencyError) Error() string { return "blockstm: dependency on a prior transaction" }

// mvStoreShardCount is the number of independent key shards backing the
// MVStore, following the "sharded map with per-shard mutation" design note
// in §9.
const mvStoreShardCount = 64

type keyEntries struct {
	mu   sync.RWMutex
	tree *treemap.Map // TxnIndex -> *entry, ordered
}

func newKeyEntries() *keyEntries {
	return &keyEntries{tree: treemap.NewWithIntComparator()}
}

// floorBefore returns the entry with the largest key strictly less than
// before, i.e. the nearest prior transaction's entry, never before itself.
func (ke *keyEntries) floorBefore(before TxnIndex) (TxnIndex, *entry, bool) {
	ke.mu.RLock()
	defer ke.mu.RUnlock()

	if before <= 0 {
		return 0, nil, false
	}

	k, v := ke.tree.Floor(before - 1)
	if k == nil {
		return 0, nil, false
	}

	return k.(int), v.(*entry), true
}

type shard struct {
	mu sync.RWMutex
	m  map[Key]*keyEntries
}

// MVStore is the multi-version, versioned key/value store described in
// §4.1: it records per-transaction writes and aggregator deltas, and
// resolves reads strictly from entries with a smaller TxnIndex.
type MVStore struct {
	shards        [mvStoreShardCount]*shard
	storageValues sync.Map // Key -> *uint256.Int
	shortcutsOn   bool
}

// NewMVStore creates an empty store. shortcutsOn toggles the §4.1 step 5
// shortcut-resolution path (the `delta_read_shortcut` configuration flag).
func NewMVStore(shortcutsOn bool) *MVStore {
	s := &MVStore{shortcutsOn: shortcutsOn}
	for i := range s.shards {
		s.shards[i] = &shard{m: make(map[Key]*keyEntries)}
	}

	return s
}

func (s *MVStore) shardFor(key Key) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))

	return s.shards[h.Sum32()%mvStoreShardCount]
}

func (s *MVStore) entriesFor(key Key, create bool) (*keyEntries, bool) {
	sh := s.shardFor(key)

	sh.mu.RLock()
	ke, ok := sh.m[key]
	sh.mu.RUnlock()

	if ok || !create {
		return ke, ok
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()

	if ke, ok = sh.m[key]; ok {
		return ke, true
	}

	ke = newKeyEntries()
	sh.m[key] = ke

	return ke, true
}

// AddWrite inserts a concrete write at (key, version.TxnIndex). Panics if a
// prior entry for the same TxnIndex carries an incarnation that isn't
// strictly lower, per invariant 1 of §3.
func (s *MVStore) AddWrite(key Key, version Version, value Value) {
	ke, _ := s.entriesFor(key, true)

	ke.mu.Lock()
	defer ke.mu.Unlock()

	if prev, ok := ke.tree.Get(version.TxnIndex); ok {
		if pe := prev.(*entry); pe.isWrite && pe.incarnation >= version.Incarnation {
			panic("blockstm: MVStore.AddWrite called with non-increasing incarnation")
		}
	}

	ke.tree.Put(version.TxnIndex, newWriteEntry(version.Incarnation, value))
}

// AddDelta inserts a deferred aggregator update at (key, txnIdx).
func (s *MVStore) AddDelta(key Key, txnIdx TxnIndex, op DeltaOp) {
	ke, _ := s.entriesFor(key, true)

	ke.mu.Lock()
	defer ke.mu.Unlock()
	ke.tree.Put(txnIdx, newDeltaEntry(op))
}

// MarkEstimate flags the entry at (key, txnIdx) as stale. Panics if absent:
// the caller must own a previously published incarnation.
func (s *MVStore) MarkEstimate(key Key, txnIdx TxnIndex) {
	ke, ok := s.entriesFor(key, false)
	if !ok {
		panic("blockstm: MarkEstimate on unknown key")
	}

	ke.mu.RLock()
	v, ok := ke.tree.Get(txnIdx)
	ke.mu.RUnlock()

	if !ok {
		panic("blockstm: MarkEstimate on unknown txn index")
	}

	v.(*entry).markEstimate()
}

// Delete removes the entry at (key, txnIdx), used when an aborting
// incarnation's new output no longer touches key.
func (s *MVStore) Delete(key Key, txnIdx TxnIndex) {
	ke, ok := s.entriesFor(key, false)
	if !ok {
		return
	}

	ke.mu.Lock()
	defer ke.mu.Unlock()
	ke.tree.Remove(txnIdx)
}

// RecordStorageValue seeds the base aggregator value read through from
// BaseStore, used by reads that walk all the way back to the block's start.
func (s *MVStore) RecordStorageValue(key Key, value *uint256.Int) {
	s.storageValues.Store(key, value)
}

// RecordShortcut attaches a speculative resolved value to the Delta entry
// at (key, txnIdx), iff the stored op matches (by CAS-like generation
// check) and no newer shortcut is present. Returns whether it installed.
func (s *MVStore) RecordShortcut(key Key, txnIdx TxnIndex, generation int, value *uint256.Int) bool {
	ke, ok := s.entriesFor(key, false)
	if !ok {
		return false
	}

	ke.mu.RLock()
	v, ok := ke.tree.Get(txnIdx)
	ke.mu.RUnlock()

	if !ok {
		return false
	}

	e := v.(*entry)

	if _, can := e.mustUpdateShortcut(generation); !can {
		return false
	}

	e.shortcut.Store(&shortcut{generation: generation, value: value})

	return true
}

// ReadResultKind distinguishes the two successful outcomes of a read.
type ReadResultKind uint8

const (
	ReadResultVersion ReadResultKind = iota
	ReadResultResolved
)

// ReadResult is the successful outcome of MVStore.Read.
type ReadResult struct {
	Kind     ReadResultKind
	Version  Version
	Value    Value
	Resolved *uint256.Int
}

// Read implements the §4.1 read algorithm: walk backward from the largest
// TxnIndex strictly below txnIdx, resolving concrete writes directly and
// accumulating aggregator deltas until a write, a usable shortcut, or the
// base storage value is reached.
func (s *MVStore) Read(key Key, txnIdx TxnIndex, safeIdx TxnIndex) (ReadResult, error) {
	ke, ok := s.entriesFor(key, false)
	if !ok {
		return s.resolveFromStorage(key, nil)
	}

	var accumulator *DeltaOp

	cursor := txnIdx
	for {
		j, e, found := ke.floorBefore(cursor)
		if !found {
			break
		}

		if e.getFlag() == FlagEstimate {
			return ReadResult{}, &DependencyError{Index: j}
		}

		if e.isWrite {
			if accumulator == nil {
				return ReadResult{Kind: ReadResultVersion, Version: Version{j, e.incarnation}, Value: e.value}, nil
			}

			base, ok := e.value.AsAggregator()
			if !ok {
				// The write was a deletion; deletion takes precedence over
				// any speculative delta accumulation on top of it.
				return ReadResult{Kind: ReadResultVersion, Version: Version{j, e.incarnation}, Value: e.value}, nil
			}

			resolved, err := accumulator.Apply(base)
			if err != nil {
				return ReadResult{}, err
			}

			return ReadResult{Kind: ReadResultResolved, Resolved: resolved}, nil
		}

		// Delta entry.
		if s.shortcutsOn && accumulator != nil {
			if sc := e.shortcut.Load(); sc != nil && j < safeIdx {
				resolved, err := accumulator.Apply(sc.value)
				if err != nil {
					return ReadResult{}, err
				}

				return ReadResult{Kind: ReadResultResolved, Resolved: resolved}, nil
			}
		}

		if accumulator == nil {
			op := e.delta
			accumulator = &op
		} else {
			merged := MergeDeltaOps(*accumulator, e.delta)
			accumulator = &merged
		}

		cursor = j
	}

	return s.resolveFromStorage(key, accumulator)
}

func (s *MVStore) resolveFromStorage(key Key, accumulator *DeltaOp) (ReadResult, error) {
	v, ok := s.storageValues.Load(key)
	if !ok {
		if accumulator != nil {
			return ReadResult{}, ErrUnresolved
		}

		return ReadResult{}, ErrNotFound
	}

	base := v.(*uint256.Int)
	if accumulator == nil {
		return ReadResult{Kind: ReadResultResolved, Resolved: base}, nil
	}

	resolved, err := accumulator.Apply(base)
	if err != nil {
		return ReadResult{}, err
	}

	return ReadResult{Kind: ReadResultResolved, Resolved: resolved}, nil
}

// entriesSnapshot returns the ordered (TxnIndex, entry) pairs recorded for
// key, used by the DeltaResolver (§4.5) which needs to walk every key's
// full history after commit.
func (s *MVStore) entriesSnapshot(key Key) []struct {
	Idx TxnIndex
	E   *entry
} {
	ke, ok := s.entriesFor(key, false)
	if !ok {
		return nil
	}

	ke.mu.RLock()
	defer ke.mu.RUnlock()

	keys := ke.tree.Keys()
	out := make([]struct {
		Idx TxnIndex
		E   *entry
	}, 0, len(keys))

	for _, k := range keys {
		v, _ := ke.tree.Get(k)
		out = append(out, struct {
			Idx TxnIndex
			E   *entry
		}{Idx: k.(int), E: v.(*entry)})
	}

	return out
}
