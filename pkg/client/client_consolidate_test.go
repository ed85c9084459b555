package client

import (
	"testing"

	"github.com/docukit/syncd/pkg/docbinding/jsonmap"
	"github.com/docukit/syncd/pkg/storage"
	"github.com/docukit/syncd/pkg/wire"
	"github.com/stretchr/testify/require"
)

// TestConsolidateSkipsWhenAlreadyPastTargetClock exercises B2: if a
// concurrent writer already advanced the stored snapshot's clock past
// what this push's response targets, consolidate must not clobber it
// with a stale rebuild.
func TestConsolidateSkipsWhenAlreadyPastTargetClock(t *testing.T) {
	h := newHarness(t, "user-1", "device-1")
	binding := jsonmap.New()

	_, unsub := subscribeSync(t, h.client, SubscribeArgs{Type: "note", ID: "doc-1", CreateIfMissing: true})
	defer unsub()

	h.client.mu.Lock()
	entry := h.client.cache["doc-1"]
	h.client.mu.Unlock()

	// Simulate a concurrent writer that already consolidated doc-1 at
	// clock 5, after this (stale) push's read phase captured clock 1.
	err := h.store.Transaction(storage.ReadWrite, func(tx storage.ClientTx) error {
		doc, err := binding.Create("note", "doc-1")
		if err != nil {
			return err
		}
		require.NoError(t, doc.Set("title", "from-elsewhere"))
		snapshot, err := binding.Serialize(doc)
		if err != nil {
			return err
		}
		return tx.SaveSerializedDoc("doc-1", snapshot, 5)
	})
	require.NoError(t, err)

	consolidated, err := h.client.consolidate(entry, nil, nil, wire.SyncResponse{DocID: "doc-1", Clock: 1})
	require.NoError(t, err)
	require.False(t, consolidated, "a response targeting an already-superseded clock must be a no-op")

	err = h.store.Transaction(storage.ReadOnly, func(tx storage.ClientTx) error {
		_, clock, ok, err := tx.GetSerializedDoc("doc-1")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, int64(5), clock, "the concurrent writer's snapshot must survive untouched")
		return nil
	})
	require.NoError(t, err)
}
