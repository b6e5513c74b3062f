package blockstm

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func TestDeltaResolverFoldsDeltasInCommitOrder(t *testing.T) {
	store := NewMVStore(false)
	store.RecordStorageValue("bal", uint256.NewInt(100))

	store.AddDelta("bal", 0, PositiveDelta(uint256.NewInt(10), nil))
	store.AddDelta("bal", 2, NegativeDelta(uint256.NewInt(5)))

	resolver := NewDeltaResolver(store)
	writes, err := resolver.Resolve([]Key{"bal"}, 4)
	require.NoError(t, err)
	require.Len(t, writes, 4)

	require.Len(t, writes[0], 1)
	agg0, ok := writes[0][0].Value.AsAggregator()
	require.True(t, ok)
	require.True(t, agg0.Eq(uint256.NewInt(110)))

	require.Nil(t, writes[1])

	require.Len(t, writes[2], 1)
	agg2, ok := writes[2][0].Value.AsAggregator()
	require.True(t, ok)
	require.True(t, agg2.Eq(uint256.NewInt(105)))

	require.Nil(t, writes[3])
}

func TestDeltaResolverRestartsFromAnIntermediateWrite(t *testing.T) {
	store := NewMVStore(false)

	store.AddWrite("bal", Version{TxnIndex: 0, Incarnation: 0}, AggregatorValue(uint256.NewInt(50)))
	store.AddDelta("bal", 1, PositiveDelta(uint256.NewInt(20), nil))

	resolver := NewDeltaResolver(store)
	writes, err := resolver.Resolve([]Key{"bal"}, 2)
	require.NoError(t, err)
	require.Nil(t, writes[0])

	agg1, ok := writes[1][0].Value.AsAggregator()
	require.True(t, ok)
	require.True(t, agg1.Eq(uint256.NewInt(70)))
}

func TestDeltaResolverErrorsWithNoPriorBase(t *testing.T) {
	store := NewMVStore(false)
	store.AddDelta("bal", 0, PositiveDelta(uint256.NewInt(20), nil))

	resolver := NewDeltaResolver(store)
	_, err := resolver.Resolve([]Key{"bal"}, 1)

	var invErr *ErrInvariantViolation
	require.ErrorAs(t, err, &invErr)
}

func TestDeltaResolverErrorsWhenShortcutDisagrees(t *testing.T) {
	store := NewMVStore(true)
	store.RecordStorageValue("bal", uint256.NewInt(10))
	store.AddDelta("bal", 0, PositiveDelta(uint256.NewInt(5), nil))

	ok := store.RecordShortcut("bal", 0, 1, uint256.NewInt(999))
	require.True(t, ok)

	resolver := NewDeltaResolver(store)
	_, err := resolver.Resolve([]Key{"bal"}, 1)

	var invErr *ErrInvariantViolation
	require.ErrorAs(t, err, &invErr)
}

func TestCollectAggregatorKeysDedupsAcrossTransactions(t *testing.T) {
	io := NewLastInputOutput(3)
	io.Record(0, nil, TxnOutput{Deltas: []DeltaWrite{{Key: "bal"}}})
	io.Record(1, nil, TxnOutput{Deltas: []DeltaWrite{{Key: "other"}}})
	io.Record(2, nil, TxnOutput{Deltas: []DeltaWrite{{Key: "bal"}}})

	keys := collectAggregatorKeys(3, io)
	require.ElementsMatch(t, []Key{"bal", "other"}, keys)
}
