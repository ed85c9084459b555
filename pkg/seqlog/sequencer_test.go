package seqlog

import (
	"net"
	"testing"
	"time"

	"github.com/docukit/syncd/pkg/docbinding"
	"github.com/docukit/syncd/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func newTestSequencer(t *testing.T) *Sequencer {
	t.Helper()
	store, err := storage.NewSQLiteServerStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	seq, err := New(Config{
		NodeID:   "node-1",
		BindAddr: freeAddr(t),
		DataDir:  t.TempDir(),
	}, store)
	require.NoError(t, err)

	require.NoError(t, seq.Bootstrap())
	t.Cleanup(func() { seq.Shutdown() })

	require.Eventually(t, seq.IsLeader, 5*time.Second, 10*time.Millisecond, "single node never became leader")
	return seq
}

func TestSequencerSingleNodeBecomesLeader(t *testing.T) {
	seq := newTestSequencer(t)
	assert.True(t, seq.IsLeader())
	assert.NotEmpty(t, seq.LeaderAddr())
}

func TestSequencerAppendOperationsAssignsClocks(t *testing.T) {
	seq := newTestSequencer(t)

	clock1, err := seq.AppendOperations("doc1", []docbinding.Operation{map[string]any{"a": 1}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), clock1)

	clock2, err := seq.AppendOperations("doc1", []docbinding.Operation{map[string]any{"a": 2}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), clock2)
}

func TestSequencerAppendOperationsBeforeInitFails(t *testing.T) {
	store, err := storage.NewSQLiteServerStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	seq, err := New(Config{NodeID: "node-2", BindAddr: freeAddr(t), DataDir: t.TempDir()}, store)
	require.NoError(t, err)

	_, err = seq.AppendOperations("doc1", []docbinding.Operation{map[string]any{}})
	assert.Error(t, err)
}
