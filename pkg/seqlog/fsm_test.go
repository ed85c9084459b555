package seqlog

import (
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/docukit/syncd/pkg/docbinding"
	"github.com/docukit/syncd/pkg/storage"
	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) storage.ServerProvider {
	t.Helper()
	store, err := storage.NewSQLiteServerStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func applyAppend(t *testing.T, fsm *FSM, docID string, ops []docbinding.Operation) AppendResult {
	t.Helper()
	data, err := json.Marshal(Command{
		Op:   opAppendOperations,
		Data: mustMarshal(appendOperationsCmd{DocID: docID, Ops: ops}),
	})
	require.NoError(t, err)

	resp := fsm.Apply(&raft.Log{Data: data})
	result, ok := resp.(AppendResult)
	require.True(t, ok, "unexpected response type %T", resp)
	return result
}

func TestFSMApplyAssignsIncreasingClocks(t *testing.T) {
	fsm := NewFSM(newTestStore(t))

	r1 := applyAppend(t, fsm, "doc1", []docbinding.Operation{map[string]any{"a": 1}})
	require.NoError(t, r1.Err)
	assert.Equal(t, int64(1), r1.Clock)

	r2 := applyAppend(t, fsm, "doc1", []docbinding.Operation{map[string]any{"a": 2}})
	require.NoError(t, r2.Err)
	assert.Equal(t, int64(2), r2.Clock)
}

func TestFSMApplyClocksAreIndependentPerDoc(t *testing.T) {
	fsm := NewFSM(newTestStore(t))

	r1 := applyAppend(t, fsm, "docA", []docbinding.Operation{map[string]any{}})
	r2 := applyAppend(t, fsm, "docB", []docbinding.Operation{map[string]any{}})

	require.NoError(t, r1.Err)
	require.NoError(t, r2.Err)
	assert.Equal(t, int64(1), r1.Clock)
	assert.Equal(t, int64(1), r2.Clock)
}

func TestFSMApplyUnknownCommand(t *testing.T) {
	fsm := NewFSM(newTestStore(t))

	data, err := json.Marshal(Command{Op: "not_a_real_op"})
	require.NoError(t, err)

	resp := fsm.Apply(&raft.Log{Data: data})
	result, ok := resp.(AppendResult)
	require.True(t, ok)
	assert.Error(t, result.Err)
}

func TestFSMApplyMalformedLog(t *testing.T) {
	fsm := NewFSM(newTestStore(t))

	resp := fsm.Apply(&raft.Log{Data: []byte("not json")})
	result, ok := resp.(AppendResult)
	require.True(t, ok)
	assert.Error(t, result.Err)
}

func TestFSMSnapshotRestoreAreNoOps(t *testing.T) {
	fsm := NewFSM(newTestStore(t))

	snap, err := fsm.Snapshot()
	require.NoError(t, err)
	assert.NotNil(t, snap)

	require.NoError(t, fsm.Restore(io.NopCloser(strings.NewReader(""))))
}
