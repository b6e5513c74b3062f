package storage

import (
	"github.com/hashicorp/golang-lru/v2"
	"github.com/holiman/uint256"

	"github.com/aptos-labs/block-stm-executor/core/blockstm"
)

// CachedBaseStore wraps a slower blockstm.BaseStore with an LRU cache, the
// same middleware shape bor's consensus/bor package uses in front of its
// heimdall span lookups (SpanStore): cache hit returns immediately, cache
// miss falls through to the backing store and populates the cache.
type CachedBaseStore struct {
	backing blockstm.BaseStore

	values      *lru.Cache[blockstm.Key, []byte]
	aggregators *lru.Cache[blockstm.Key, *uint256.Int]
}

// NewCachedBaseStore wraps backing with two LRU caches of size entries each,
// one for plain values and one for resolved aggregator bases.
func NewCachedBaseStore(backing blockstm.BaseStore, size int) (*CachedBaseStore, error) {
	values, err := lru.New[blockstm.Key, []byte](size)
	if err != nil {
		return nil, err
	}

	aggregators, err := lru.New[blockstm.Key, *uint256.Int](size)
	if err != nil {
		return nil, err
	}

	return &CachedBaseStore{backing: backing, values: values, aggregators: aggregators}, nil
}

// Get implements blockstm.BaseStore.
func (c *CachedBaseStore) Get(key blockstm.Key) ([]byte, bool, error) {
	if v, ok := c.values.Get(key); ok {
		return v, true, nil
	}

	v, ok, err := c.backing.Get(key)
	if err != nil || !ok {
		return v, ok, err
	}

	c.values.Add(key, v)

	return v, true, nil
}

// GetAggregator implements blockstm.BaseStore.
func (c *CachedBaseStore) GetAggregator(key blockstm.Key) (*uint256.Int, bool, error) {
	if v, ok := c.aggregators.Get(key); ok {
		return v, true, nil
	}

	v, ok, err := c.backing.GetAggregator(key)
	if err != nil || !ok {
		return v, ok, err
	}

	c.aggregators.Add(key, v)

	return v, true, nil
}
