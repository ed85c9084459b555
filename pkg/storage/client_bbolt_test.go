package storage

import (
	"testing"

	"github.com/docukit/syncd/pkg/docbinding"
	"github.com/stretchr/testify/require"
)

func newTestClientStore(t *testing.T) *BoltClientStore {
	t.Helper()
	store, err := NewBoltClientStore(t.TempDir(), "user-1")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestClientStore_SaveAndGetSerializedDoc(t *testing.T) {
	store := newTestClientStore(t)

	err := store.Transaction(ReadWrite, func(tx ClientTx) error {
		return tx.SaveSerializedDoc("doc-1", map[string]any{"title": "hello"}, 3)
	})
	require.NoError(t, err)

	err = store.Transaction(ReadOnly, func(tx ClientTx) error {
		snapshot, clock, ok, err := tx.GetSerializedDoc("doc-1")
		require.NoError(t, err)
		require.True(t, ok)
		require.EqualValues(t, 3, clock)
		require.Equal(t, "hello", snapshot.(map[string]any)["title"])
		return nil
	})
	require.NoError(t, err)
}

func TestClientStore_GetSerializedDocAbsent(t *testing.T) {
	store := newTestClientStore(t)

	err := store.Transaction(ReadOnly, func(tx ClientTx) error {
		_, _, ok, err := tx.GetSerializedDoc("missing")
		require.NoError(t, err)
		require.False(t, ok)
		return nil
	})
	require.NoError(t, err)
}

func TestClientStore_OperationsOrderedAndCountDeleted(t *testing.T) {
	store := newTestClientStore(t)

	err := store.Transaction(ReadWrite, func(tx ClientTx) error {
		for i := 0; i < 3; i++ {
			if err := tx.SaveOperations("doc-1", []docbinding.Operation{i}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	var batches []OperationBatch
	err = store.Transaction(ReadOnly, func(tx ClientTx) error {
		var err error
		batches, err = tx.GetOperations("doc-1")
		return err
	})
	require.NoError(t, err)
	require.Len(t, batches, 3)
	require.EqualValues(t, 0, batches[0].Operations[0])
	require.EqualValues(t, 1, batches[1].Operations[0])
	require.EqualValues(t, 2, batches[2].Operations[0])

	// Deleting exactly what was sent (the two oldest) leaves one.
	err = store.Transaction(ReadWrite, func(tx ClientTx) error {
		return tx.DeleteOperations("doc-1", 2)
	})
	require.NoError(t, err)

	err = store.Transaction(ReadOnly, func(tx ClientTx) error {
		var err error
		batches, err = tx.GetOperations("doc-1")
		return err
	})
	require.NoError(t, err)
	require.Len(t, batches, 1)
	require.EqualValues(t, 2, batches[0].Operations[0])
}

func TestClientStore_GetOperationsEmptyDoc(t *testing.T) {
	store := newTestClientStore(t)

	var batches []OperationBatch
	err := store.Transaction(ReadOnly, func(tx ClientTx) error {
		var err error
		batches, err = tx.GetOperations("never-touched")
		return err
	})
	require.NoError(t, err)
	require.Empty(t, batches)
}
