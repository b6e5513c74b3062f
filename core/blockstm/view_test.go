package blockstm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

// readResolved used to loop forever inside the calling goroutine on a
// DependencyError, parking it on a condition variable until the dependency
// executed. It no longer retries at all: every call below returns on its
// first attempt, which is the whole point — a blocking implementation of
// this path would never return from these calls in the first place.
func TestViewReadValuePropagatesDependencyErrorWithoutBlocking(t *testing.T) {
	store := NewMVStore(false)
	store.AddWrite("k", Version{TxnIndex: 2, Incarnation: 0}, Value{Tag: ValueModification, Bytes: []byte("v")})
	store.MarkEstimate("k", 2)

	view := newView(5, store, newFakeBaseStore(), func() TxnIndex { return 0 })

	_, err := view.ReadValue("k")

	var depErr *DependencyError
	require.True(t, errors.As(err, &depErr))
	require.Equal(t, 2, depErr.Index)
}

func TestViewReadPropagatesDependencyErrorWithoutBlocking(t *testing.T) {
	store := NewMVStore(false)
	store.AddWrite("k", Version{TxnIndex: 2, Incarnation: 0}, Value{Tag: ValueModification, Bytes: []byte("v")})
	store.MarkEstimate("k", 2)

	view := newView(5, store, newFakeBaseStore(), func() TxnIndex { return 0 })

	res, err := view.Read("k")

	var depErr *DependencyError
	require.True(t, errors.As(err, &depErr))
	require.Equal(t, 2, depErr.Index)
	require.Equal(t, ReadResult{}, res)
}
