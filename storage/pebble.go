package storage

import (
	"errors"

	"github.com/cockroachdb/pebble"
	"github.com/holiman/uint256"

	"github.com/aptos-labs/block-stm-executor/core/blockstm"
)

// aggregatorPrefix namespaces aggregator keys away from plain-value keys
// within the same pebble keyspace.
const aggregatorPrefix = "agg/"

// PebbleBaseStore is a blockstm.BaseStore backed by an on-disk pebble
// database, for benchmarking the engine against a block-sized working set
// that doesn't fit comfortably in a plain map.
type PebbleBaseStore struct {
	db *pebble.DB
}

// OpenPebbleBaseStore opens (creating if absent) a pebble database at dir.
func OpenPebbleBaseStore(dir string) (*PebbleBaseStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, err
	}

	return &PebbleBaseStore{db: db}, nil
}

// Close releases the underlying pebble handle.
func (p *PebbleBaseStore) Close() error {
	return p.db.Close()
}

// Get implements blockstm.BaseStore.
func (p *PebbleBaseStore) Get(key blockstm.Key) ([]byte, bool, error) {
	v, closer, err := p.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, err
	}

	out := append([]byte(nil), v...)

	return out, true, closer.Close()
}

// GetAggregator implements blockstm.BaseStore.
func (p *PebbleBaseStore) GetAggregator(key blockstm.Key) (*uint256.Int, bool, error) {
	v, closer, err := p.db.Get([]byte(aggregatorPrefix + string(key)))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, err
	}

	defer closer.Close()

	return new(uint256.Int).SetBytes(v), true, nil
}

// Put writes a plain value, used to seed fixtures ahead of a benchmark run.
func (p *PebbleBaseStore) Put(key blockstm.Key, value []byte) error {
	return p.db.Set([]byte(key), value, pebble.Sync)
}

// PutAggregator writes a u128 aggregator base value.
func (p *PebbleBaseStore) PutAggregator(key blockstm.Key, value *uint256.Int) error {
	return p.db.Set([]byte(aggregatorPrefix+string(key)), value.Bytes(), pebble.Sync)
}
