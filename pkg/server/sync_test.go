package server

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/docukit/syncd/pkg/docbinding"
	"github.com/docukit/syncd/pkg/docbinding/jsonmap"
	"github.com/docukit/syncd/pkg/storage"
	"github.com/docukit/syncd/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setOp(path, value string) docbinding.Operation {
	return jsonmap.Op{Path: path, Value: json.RawMessage(`"` + value + `"`)}
}

func TestHandleSync_PushThenPullConverge(t *testing.T) {
	s := newTestServer(t, 0)
	a := dial(t, s, "u1", "devA")
	b := dial(t, s, "u1", "devB")

	resp := doSync(t, a, "r1", wire.SyncRequest{
		DocID: "doc1", DocType: "note", Clock: 0,
		Operations: []docbinding.Operation{setOp("title", "hello")},
	})
	require.Nil(t, resp.Error)
	assert.Equal(t, int64(1), resp.Clock)

	pull := doSync(t, b, "r2", wire.SyncRequest{DocID: "doc1", DocType: "note", Clock: 0})
	require.Nil(t, pull.Error)
	assert.Equal(t, int64(1), pull.Clock)
	require.Len(t, pull.Operations, 1)
}

func TestHandleSync_DirtyBroadcastExcludesOriginDevice(t *testing.T) {
	s := newTestServer(t, 0)
	a := dial(t, s, "u1", "devA")
	b := dial(t, s, "u1", "devB")

	// Both join the room first (an up-to-date, no-op sync).
	doSync(t, a, "r1", wire.SyncRequest{DocID: "doc1", DocType: "note", Clock: 0})
	doSync(t, b, "r2", wire.SyncRequest{DocID: "doc1", DocType: "note", Clock: 0})

	doSync(t, a, "r3", wire.SyncRequest{
		DocID: "doc1", DocType: "note", Clock: 0,
		Operations: []docbinding.Operation{setOp("title", "hello")},
	})

	env, ok := tryRecv(b, time.Second)
	require.True(t, ok, "sibling must receive a dirty event")
	assert.Equal(t, wire.TypeDirty, env.Type)

	_, ok = tryRecv(a, 200*time.Millisecond)
	assert.False(t, ok, "originating device must not receive its own dirty event")
}

func TestHandlePresence_RekeysUnderServerSocketID(t *testing.T) {
	s := newTestServer(t, 0)
	a := dial(t, s, "u1", "devA")
	b := dial(t, s, "u1", "devB")

	doSync(t, a, "r1", wire.SyncRequest{DocID: "doc1", DocType: "note", Clock: 0})
	doSync(t, b, "r2", wire.SyncRequest{DocID: "doc1", DocType: "note", Clock: 0})

	reply := sendRequest(t, a, "r3", wire.TypePresence, wire.PresenceRequest{
		DocID:    "doc1",
		Presence: map[string]any{"client-claimed-key": "cursor-at-42"},
	})
	assert.Equal(t, wire.TypePresence, reply.Type)

	env, ok := tryRecv(b, time.Second)
	require.True(t, ok, "sibling must receive the presence patch")
	require.Equal(t, wire.TypePresenceEvent, env.Type)

	var ev wire.PresenceEvent
	require.NoError(t, wire.Decode(env, &ev))
	patch, ok := ev.PresencePatch.(map[string]any)
	require.True(t, ok)
	require.Len(t, patch, 1, "patch must carry exactly one re-keyed entry")

	for k, v := range patch {
		assert.NotEqual(t, "client-claimed-key", k, "server must never trust the client-supplied key")
		assert.Equal(t, "cursor-at-42", v)
	}
}

func TestHandleDeleteDoc_RemovesServerState(t *testing.T) {
	s := newTestServer(t, 0)
	a := dial(t, s, "u1", "devA")

	doSync(t, a, "r1", wire.SyncRequest{
		DocID: "doc1", DocType: "note", Clock: 0,
		Operations: []docbinding.Operation{setOp("title", "hello")},
	})

	reply := sendRequest(t, a, "r2", wire.TypeDeleteDoc, wire.DeleteDocRequest{DocID: "doc1"})
	assert.Equal(t, wire.TypeDeleteDoc, reply.Type)

	pull := doSync(t, a, "r3", wire.SyncRequest{DocID: "doc1", DocType: "note", Clock: 0})
	require.Nil(t, pull.Error)
	assert.Empty(t, pull.Operations)
	assert.Nil(t, pull.SerializedDoc)
}

func TestHandleUnsubscribeDoc_StopsDirtyFanout(t *testing.T) {
	s := newTestServer(t, 0)
	a := dial(t, s, "u1", "devA")
	b := dial(t, s, "u1", "devB")

	doSync(t, a, "r1", wire.SyncRequest{DocID: "doc1", DocType: "note", Clock: 0})
	doSync(t, b, "r2", wire.SyncRequest{DocID: "doc1", DocType: "note", Clock: 0})

	sendRequest(t, b, "r3", wire.TypeUnsubscribeDoc, wire.UnsubscribeDocRequest{DocID: "doc1"})

	doSync(t, a, "r4", wire.SyncRequest{
		DocID: "doc1", DocType: "note", Clock: 0,
		Operations: []docbinding.Operation{setOp("title", "hello")},
	})

	_, ok := tryRecv(b, 200*time.Millisecond)
	assert.False(t, ok, "unsubscribed socket must not receive further dirty events")
}

func TestTrySquash_FoldsBacklogPastThreshold(t *testing.T) {
	s := newTestServer(t, 2)
	a := dial(t, s, "u1", "devA")
	b := dial(t, s, "u1", "devB")

	r1 := doSync(t, a, "r1", wire.SyncRequest{
		DocID: "doc1", DocType: "note", Clock: 0,
		Operations: []docbinding.Operation{setOp("title", "a")},
	})
	require.Equal(t, int64(1), r1.Clock)

	r2 := doSync(t, a, "r2", wire.SyncRequest{
		DocID: "doc1", DocType: "note", Clock: 1,
		Operations: []docbinding.Operation{setOp("body", "b")},
	})
	require.Equal(t, int64(2), r2.Clock)

	// b asks for the full backlog: two batches are returned, crossing
	// squashAt and triggering an async squash.
	pull := doSync(t, b, "r3", wire.SyncRequest{DocID: "doc1", DocType: "note", Clock: 0})
	require.Len(t, pull.Operations, 2)

	require.Eventually(t, func() bool {
		var haveSnapshot bool
		var batchCount int
		err := s.store.Transaction(storage.ReadOnly, func(tx storage.ServerTx) error {
			_, _, ok, err := tx.GetSerializedDoc("doc1")
			if err != nil {
				return err
			}
			haveSnapshot = ok
			batches, err := tx.GetOperations("doc1", 0)
			if err != nil {
				return err
			}
			batchCount = len(batches)
			return nil
		})
		return err == nil && haveSnapshot && batchCount == 0
	}, 2*time.Second, 20*time.Millisecond, "squash must fold the backlog into a snapshot")
}
