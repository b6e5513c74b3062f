// Package storage provides BaseStore implementations: read-only,
// referentially-transparent collaborators the executor falls through to
// when no in-block write covers a key.
package storage

import (
	"errors"

	"github.com/holiman/uint256"

	"github.com/aptos-labs/block-stm-executor/core/blockstm"
)

// ErrClosed names the error of a store whose underlying handle has already
// been closed. MapStore, CachedBaseStore and PebbleBaseStore do not return
// it.
var ErrClosed = errors.New("storage: store is closed")

// MapStore is an in-memory blockstm.BaseStore backed by plain maps, used
// for tests and for the bench CLI's fixture loader.
type MapStore struct {
	values      map[blockstm.Key][]byte
	aggregators map[blockstm.Key]*uint256.Int
}

// NewMapStore builds an empty MapStore.
func NewMapStore() *MapStore {
	return &MapStore{
		values:      make(map[blockstm.Key][]byte),
		aggregators: make(map[blockstm.Key]*uint256.Int),
	}
}

// Put seeds a plain value.
func (m *MapStore) Put(key blockstm.Key, value []byte) {
	m.values[key] = value
}

// PutAggregator seeds a u128 aggregator value.
func (m *MapStore) PutAggregator(key blockstm.Key, value *uint256.Int) {
	m.aggregators[key] = value
}

// Get implements blockstm.BaseStore.
func (m *MapStore) Get(key blockstm.Key) ([]byte, bool, error) {
	b, ok := m.values[key]
	return b, ok, nil
}

// GetAggregator implements blockstm.BaseStore.
func (m *MapStore) GetAggregator(key blockstm.Key) (*uint256.Int, bool, error) {
	v, ok := m.aggregators[key]
	return v, ok, nil
}
