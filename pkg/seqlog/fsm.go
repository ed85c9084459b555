// Package seqlog provides HA leader election and log replication for
// the server's single authoritative sequencer (spec.md §1 Non-goals:
// "multi-master server topology" is still excluded — only the elected
// leader's pkg/server handler ever assigns clocks or accepts sync
// writes). Raft here exists purely so that a follower can take over
// sequencing on leader loss; the durable state a client cares about
// (documents, operations) lives in the relational store the FSM
// dispatches into, not in Raft's own snapshot.
package seqlog

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/docukit/syncd/pkg/docbinding"
	"github.com/docukit/syncd/pkg/storage"
	"github.com/hashicorp/raft"
)

// Command is the Raft log envelope: a tagged operation plus its data.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

const opAppendOperations = "append_operations"

// appendOperationsCmd is Command.Data for opAppendOperations.
type appendOperationsCmd struct {
	DocID string                 `json:"docId"`
	Ops   []docbinding.Operation `json:"ops"`
}

// AppendResult is what FSM.Apply returns for opAppendOperations.
type AppendResult struct {
	Clock int64
	Err   error
}

// FSM applies committed log entries to the server's relational store.
// It holds no in-memory document state of its own: every Apply call
// is a single ServerTx against store.
type FSM struct {
	mu    sync.Mutex
	store storage.ServerProvider
}

// NewFSM builds an FSM that dispatches into store.
func NewFSM(store storage.ServerProvider) *FSM {
	return &FSM{store: store}
}

// Apply implements raft.FSM.
func (f *FSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return AppendResult{Err: fmt.Errorf("unmarshal command: %w", err)}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case opAppendOperations:
		var data appendOperationsCmd
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return AppendResult{Err: fmt.Errorf("unmarshal append_operations: %w", err)}
		}

		var clock int64
		err := f.store.Transaction(storage.ReadWrite, func(tx storage.ServerTx) error {
			var err error
			clock, err = tx.SaveOperations(data.DocID, data.Ops)
			return err
		})
		return AppendResult{Clock: clock, Err: err}

	default:
		return AppendResult{Err: fmt.Errorf("unknown command: %s", cmd.Op)}
	}
}

// Snapshot returns a no-op snapshot: state lives in the relational
// store this FSM dispatches into, which survives process restarts
// independently of Raft's own snapshotting. A newly joined follower
// still catches up via the replicated log, not via FSM snapshots.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	return emptySnapshot{}, nil
}

// Restore is a no-op for the same reason as Snapshot.
func (f *FSM) Restore(rc io.ReadCloser) error {
	return rc.Close()
}

type emptySnapshot struct{}

func (emptySnapshot) Persist(sink raft.SnapshotSink) error { return sink.Close() }
func (emptySnapshot) Release()                              {}
